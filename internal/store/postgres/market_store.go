package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)

// MarketStore implements domain.MarketStore. The indexed columns mirror the
// snapshot for filtering; the full snapshot is kept as JSONB.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const upsertMarketSQL = `
	INSERT INTO markets (
		id, question, options, end_time, creator_id, category,
		status, result, total_bets, snapshot, created_at,
		settled_at, archived_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11,
		$12, $13, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		status      = EXCLUDED.status,
		result      = EXCLUDED.result,
		total_bets  = EXCLUDED.total_bets,
		snapshot    = EXCLUDED.snapshot,
		settled_at  = COALESCE(EXCLUDED.settled_at, markets.settled_at),
		archived_at = COALESCE(EXCLUDED.archived_at, markets.archived_at),
		updated_at  = NOW()`

// Upsert inserts or refreshes a market snapshot.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	snapshot, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("postgres: marshal market %s: %w", m.ID, err)
	}

	_, err = s.pool.Exec(ctx, upsertMarketSQL,
		m.ID, m.Question, m.Options, m.EndTime, m.CreatorID, m.Category,
		string(m.Status), m.Result, m.TotalBets, snapshot, m.CreatedAt,
		m.SettledAt, m.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// UpsertBatch writes several snapshots in one round trip.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range markets {
		snapshot, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("postgres: marshal market %s: %w", m.ID, err)
		}
		batch.Queue(upsertMarketSQL,
			m.ID, m.Question, m.Options, m.EndTime, m.CreatorID, m.Category,
			string(m.Status), m.Result, m.TotalBets, snapshot, m.CreatedAt,
			m.SettledAt, m.ArchivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert batch market: %w", err)
		}
	}
	return nil
}

// GetByID returns the last stored snapshot or domain.ErrNotFound.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM markets WHERE id = $1`, id).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return decodeMarket(snapshot)
}

// List returns snapshots newest first, optionally filtered by status and
// creation time.
func (s *MarketStore) List(ctx context.Context, status *domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT snapshot FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*status))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		m, err := decodeMarket(snapshot)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// Count returns the number of stored markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

func decodeMarket(snapshot []byte) (domain.Market, error) {
	var m domain.Market
	if err := json.Unmarshal(snapshot, &m); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: unmarshal market snapshot: %w", err)
	}
	return m, nil
}
