// Package topology resolves event and market slugs into the instrument ids
// a feed subscribes to, and keeps the reverse instrument -> market lookup.
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Resolver fetches the markets of an event keyed by market slug.
type Resolver interface {
	EventInstruments(ctx context.Context, eventSlug string) (map[string]domain.MarketInstruments, error)
}

// Topology is the active subscription scope.
//
// The forward map (market -> yes/no) and the inverse map (instrument ->
// market, outcome) change only inside the subscribe calls and always
// agree with each other.
type Topology struct {
	resolver Resolver
	logger   *slog.Logger

	mu      sync.RWMutex
	known   map[string]domain.MarketInstruments
	active  map[string]domain.MarketInstruments
	inverse map[string]domain.InstrumentRef
}

// New creates an empty topology.
func New(resolver Resolver, logger *slog.Logger) *Topology {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topology{
		resolver: resolver,
		logger:   logger.With(slog.String("component", "topology")),
		known:    make(map[string]domain.MarketInstruments),
		active:   make(map[string]domain.MarketInstruments),
		inverse:  make(map[string]domain.InstrumentRef),
	}
}

// Resolve subscribes to a single market when marketSlug is set, otherwise
// to every market of the event. It returns the active instrument ids.
func (t *Topology) Resolve(ctx context.Context, eventSlug, marketSlug string) ([]string, error) {
	var err error
	if marketSlug != "" {
		err = t.SubscribeMarket(ctx, eventSlug, marketSlug)
	} else {
		err = t.SubscribeEvent(ctx, eventSlug)
	}
	if err != nil {
		return nil, err
	}
	return t.InstrumentIDs(), nil
}

// SubscribeEvent adds every market of the event to the active scope.
// Markets already active from earlier calls are kept.
func (t *Topology) SubscribeEvent(ctx context.Context, eventSlug string) error {
	mapping, err := t.fetch(ctx, eventSlug)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for slug, m := range mapping {
		t.active[slug] = m
	}
	t.rebuildLocked()

	t.logger.Info("subscribed to event",
		slog.String("event", eventSlug),
		slog.Int("markets", len(mapping)),
		slog.Int("instruments", len(t.inverse)),
	)
	return nil
}

// SubscribeMarket narrows the active scope to exactly one market. A slug
// not yet known is looked up by fetching its event.
func (t *Topology) SubscribeMarket(ctx context.Context, eventSlug, marketSlug string) error {
	t.mu.RLock()
	m, ok := t.known[marketSlug]
	t.mu.RUnlock()

	if !ok {
		mapping, err := t.fetch(ctx, eventSlug)
		if err != nil {
			return err
		}
		m, ok = mapping[marketSlug]
		if !ok {
			return fmt.Errorf("topology: market %q in event %q: %w", marketSlug, eventSlug, domain.ErrNotFound)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = map[string]domain.MarketInstruments{marketSlug: m}
	t.rebuildLocked()

	t.logger.Info("subscribed to market",
		slog.String("event", eventSlug),
		slog.String("market", marketSlug),
	)
	return nil
}

// Lookup returns the market and outcome of an active instrument.
func (t *Topology) Lookup(instrumentID string) (domain.InstrumentRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.inverse[instrumentID]
	return ref, ok
}

// Market returns the instruments of an active market.
func (t *Topology) Market(slug string) (domain.MarketInstruments, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.active[slug]
	return m, ok
}

// Markets returns the active markets sorted by slug.
func (t *Topology) Markets() []domain.MarketInstruments {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.MarketInstruments, 0, len(t.active))
	for _, slug := range sortedKeys(t.active) {
		out = append(out, t.active[slug])
	}
	return out
}

// InstrumentIDs lists the active instruments, ordered by market slug with
// the yes token before the no token.
func (t *Topology) InstrumentIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.inverse))
	for _, slug := range sortedKeys(t.active) {
		m := t.active[slug]
		for _, id := range []string{m.Yes, m.No} {
			if ref, ok := t.inverse[id]; ok && ref.Market == slug {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (t *Topology) fetch(ctx context.Context, eventSlug string) (map[string]domain.MarketInstruments, error) {
	if t.resolver == nil {
		return nil, fmt.Errorf("topology: no resolver for event %q: %w", eventSlug, domain.ErrNotFound)
	}
	mapping, err := t.resolver.EventInstruments(ctx, eventSlug)
	if err != nil {
		return nil, fmt.Errorf("topology: resolve event %q: %w", eventSlug, err)
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("topology: no markets in event %q: %w", eventSlug, domain.ErrNotFound)
	}

	t.mu.Lock()
	for slug, m := range mapping {
		if m.Slug == "" {
			m.Slug = slug
			mapping[slug] = m
		}
		t.known[slug] = m
	}
	t.mu.Unlock()
	return mapping, nil
}

// rebuildLocked derives the inverse map from the active set. An instrument
// claimed by two markets stays with the first slug in sort order.
func (t *Topology) rebuildLocked() {
	inverse := make(map[string]domain.InstrumentRef, len(t.active)*2)
	for _, slug := range sortedKeys(t.active) {
		m := t.active[slug]
		for _, e := range []struct {
			id      string
			outcome domain.Outcome
		}{{m.Yes, domain.OutcomeYes}, {m.No, domain.OutcomeNo}} {
			if e.id == "" {
				continue
			}
			if prev, dup := inverse[e.id]; dup {
				t.logger.Warn("instrument listed under two markets",
					slog.String("instrument", e.id),
					slog.String("kept", prev.Market),
					slog.String("dropped", slug),
				)
				continue
			}
			inverse[e.id] = domain.InstrumentRef{Market: slug, Outcome: e.outcome}
		}
	}
	t.inverse = inverse
}

func sortedKeys(m map[string]domain.MarketInstruments) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
