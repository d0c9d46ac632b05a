package strategy

import (
	"sync"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// DefaultWindowSize is the number of distinct signals kept.
const DefaultWindowSize = 10

// SignalWindow keeps the most recent distinct signals, keyed by id.
// It is safe for concurrent use.
type SignalWindow struct {
	mu    sync.Mutex
	size  int
	items []domain.Signal
	seen  map[string]struct{}
}

// NewSignalWindow returns a window holding at most size signals.
func NewSignalWindow(size int) *SignalWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &SignalWindow{
		size:  size,
		items: make([]domain.Signal, 0, size),
		seen:  make(map[string]struct{}, size),
	}
}

// Add appends s unless its id is already in the window. When the window is
// full the oldest signal is evicted. It reports whether s was added.
func (w *SignalWindow) Add(s domain.Signal) bool {
	if s.ID == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.seen[s.ID]; dup {
		return false
	}
	if len(w.items) == w.size {
		delete(w.seen, w.items[0].ID)
		copy(w.items, w.items[1:])
		w.items = w.items[:len(w.items)-1]
	}
	w.items = append(w.items, s)
	w.seen[s.ID] = struct{}{}
	return true
}

// Items returns a copy of the window, oldest first.
func (w *SignalWindow) Items() []domain.Signal {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Signal, len(w.items))
	copy(out, w.items)
	return out
}

// Len returns the number of signals held.
func (w *SignalWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}
