package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)

// SettlementStore implements domain.SettlementStore. Each payout line is
// keyed by (market, user, outcome) so retries overwrite the credit state.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// SavePayouts upserts all lines in a single batch.
func (s *SettlementStore) SavePayouts(ctx context.Context, payouts []domain.Payout) error {
	if len(payouts) == 0 {
		return nil
	}

	const query = `
		INSERT INTO payouts (
			market_id, user_id, outcome, kind, wagered, amount,
			credited, notified, attempts, error, settled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, NOW()
		)
		ON CONFLICT (market_id, user_id, outcome) DO UPDATE SET
			credited   = EXCLUDED.credited,
			notified   = EXCLUDED.notified,
			attempts   = EXCLUDED.attempts,
			error      = EXCLUDED.error,
			updated_at = NOW()`

	batch := &pgx.Batch{}
	for _, p := range payouts {
		batch.Queue(query,
			p.MarketID, p.UserID, p.Outcome, string(p.Kind), p.Wagered, p.Amount,
			p.Credited, p.Notified, p.Attempts, p.Error, p.SettledAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, p := range payouts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save payout %s/%s: %w", p.MarketID, p.UserID, err)
		}
	}
	return nil
}

// ListByMarket returns a market's payout lines ordered by outcome then user.
func (s *SettlementStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Payout, error) {
	const query = `
		SELECT market_id, user_id, outcome, kind, wagered, amount,
		       credited, notified, attempts, error, settled_at
		FROM payouts WHERE market_id = $1
		ORDER BY outcome, user_id`

	rows, err := s.pool.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		var p domain.Payout
		var kind string
		if err := rows.Scan(
			&p.MarketID, &p.UserID, &p.Outcome, &kind, &p.Wagered, &p.Amount,
			&p.Credited, &p.Notified, &p.Attempts, &p.Error, &p.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		p.Kind = domain.PayoutKind(kind)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list payouts rows: %w", err)
	}
	return out, nil
}
