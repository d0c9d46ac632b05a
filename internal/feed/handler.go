package feed

import (
	"context"
	"errors"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// BookHandler receives the yes/no pair of a market after one of its books
// changed. Either side may be nil.
type BookHandler interface {
	OnBook(ctx context.Context, pair domain.BookPair) error
}

// BookHandlerFunc adapts a plain function to BookHandler.
type BookHandlerFunc func(ctx context.Context, pair domain.BookPair) error

// OnBook calls f.
func (f BookHandlerFunc) OnBook(ctx context.Context, pair domain.BookPair) error {
	return f(ctx, pair)
}

// MultiHandler fans one pair out to several handlers in order. Every
// handler runs; their errors are joined.
type MultiHandler []BookHandler

// OnBook calls each handler.
func (m MultiHandler) OnBook(ctx context.Context, pair domain.BookPair) error {
	var errs []error
	for _, h := range m {
		if h == nil {
			continue
		}
		if err := h.OnBook(ctx, pair); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
