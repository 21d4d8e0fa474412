package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// Compile-time interface check.
var _ domain.BetStore = (*BetStore)(nil)

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

// Insert records a bet. Replaying the same (market, seq) is a no-op.
func (s *BetStore) Insert(ctx context.Context, b domain.Bet) error {
	const query = `
		INSERT INTO bets (market_id, seq, user_id, outcome, amount, shares, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_id, seq) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		b.MarketID, b.Seq, b.UserID, b.Outcome, b.Amount, b.Shares, b.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert bet %s/%d: %w", b.MarketID, b.Seq, err)
	}
	return nil
}

// ListByMarket returns a market's bets in placement order.
func (s *BetStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Bet, error) {
	const query = `
		SELECT market_id, seq, user_id, outcome, amount, shares, placed_at
		FROM bets WHERE market_id = $1 ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets %s: %w", marketID, err)
	}
	defer rows.Close()

	var bets []domain.Bet
	for rows.Next() {
		var b domain.Bet
		if err := rows.Scan(&b.MarketID, &b.Seq, &b.UserID, &b.Outcome, &b.Amount, &b.Shares, &b.PlacedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		bets = append(bets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return bets, nil
}
