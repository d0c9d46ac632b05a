package domain

import "context"

// ReplayStore persists replay reports and their fill ledgers.
type ReplayStore interface {
	SaveRun(ctx context.Context, run ReplayRun, fills []SimFill) error
	GetRun(ctx context.Context, id string) (ReplayRun, error)
	ListFills(ctx context.Context, runID string) ([]SimFill, error)
}

// OrderLog records every order the live loop submits.
type OrderLog interface {
	Record(ctx context.Context, order Order, result OrderResult) error
	ListByMarket(ctx context.Context, market string, limit int) ([]Order, error)
}
