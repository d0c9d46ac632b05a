package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// ReplayStore implements domain.ReplayStore.
type ReplayStore struct {
	pool *pgxpool.Pool
}

// NewReplayStore creates a ReplayStore.
func NewReplayStore(pool *pgxpool.Pool) *ReplayStore {
	return &ReplayStore{pool: pool}
}

// SaveRun writes the run summary and its ledger in one transaction. The
// fills go out as a single batch, numbered in ledger order.
func (s *ReplayStore) SaveRun(ctx context.Context, run domain.ReplayRun, fills []domain.SimFill) error {
	if run.ID == "" {
		return fmt.Errorf("postgres: save replay run: empty id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save replay run %s: begin: %w", run.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO replay_runs (
			id, source, strategy, messages, trades,
			position_yes, position_no, realized, unrealized, total,
			max_drawdown, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.Source, run.Strategy, run.Messages, run.Trades,
		run.PositionYes, run.PositionNo, run.Realized, run.Unrealized, run.Total,
		run.MaxDrawdown, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save replay run %s: %w", run.ID, err)
	}

	if len(fills) > 0 {
		batch := &pgx.Batch{}
		for i, f := range fills {
			batch.Queue(`
				INSERT INTO replay_fills (run_id, seq, side, action, size, price, notional, book_ts)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				run.ID, i, string(f.Side), string(f.Action), f.Size, f.Price, f.Notional, f.Timestamp,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: save replay fills %s: %w", run.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save replay run %s: commit: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one run summary.
func (s *ReplayStore) GetRun(ctx context.Context, id string) (domain.ReplayRun, error) {
	var r domain.ReplayRun
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, strategy, messages, trades,
		       position_yes, position_no, realized, unrealized, total,
		       max_drawdown, started_at, finished_at
		FROM replay_runs WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.Source, &r.Strategy, &r.Messages, &r.Trades,
		&r.PositionYes, &r.PositionNo, &r.Realized, &r.Unrealized, &r.Total,
		&r.MaxDrawdown, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReplayRun{}, domain.ErrNotFound
		}
		return domain.ReplayRun{}, fmt.Errorf("postgres: get replay run %s: %w", id, err)
	}
	return r, nil
}

// ListFills returns a run's ledger in the order it was written.
func (s *ReplayStore) ListFills(ctx context.Context, runID string) ([]domain.SimFill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT side, action, size, price, notional, book_ts
		FROM replay_fills WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list replay fills %s: %w", runID, err)
	}
	defer rows.Close()

	fills, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SimFill, error) {
		var f domain.SimFill
		var side, action string
		if err := row.Scan(&side, &action, &f.Size, &f.Price, &f.Notional, &f.Timestamp); err != nil {
			return domain.SimFill{}, err
		}
		f.Side = domain.Outcome(side)
		f.Action = domain.OrderSide(action)
		return f, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan replay fills %s: %w", runID, err)
	}
	return fills, nil
}

var _ domain.ReplayStore = (*ReplayStore)(nil)
