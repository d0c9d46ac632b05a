package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

type fakeResolver struct {
	events map[string]map[string]domain.MarketInstruments
	calls  int
	err    error
}

func (f *fakeResolver) EventInstruments(_ context.Context, slug string) (map[string]domain.MarketInstruments, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	src := f.events[slug]
	out := make(map[string]domain.MarketInstruments, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func newResolver() *fakeResolver {
	return &fakeResolver{events: map[string]map[string]domain.MarketInstruments{
		"election": {
			"candidate-a": {Yes: "a-yes", No: "a-no"},
			"candidate-b": {Yes: "b-yes", No: "b-no"},
		},
		"weather": {
			"rain": {Yes: "r-yes", No: "r-no"},
		},
	}}
}

func TestSubscribeEventTakesEveryMarket(t *testing.T) {
	topo := New(newResolver(), nil)
	ids, err := topo.Resolve(context.Background(), "election", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-yes", "a-no", "b-yes", "b-no"}, ids)

	ref, ok := topo.Lookup("b-no")
	require.True(t, ok)
	assert.Equal(t, domain.InstrumentRef{Market: "candidate-b", Outcome: domain.OutcomeNo}, ref)

	m, ok := topo.Market("candidate-a")
	require.True(t, ok)
	assert.Equal(t, "candidate-a", m.Slug)
}

func TestSubscribeEventIsIdempotent(t *testing.T) {
	topo := New(newResolver(), nil)
	_, err := topo.Resolve(context.Background(), "election", "")
	require.NoError(t, err)
	ids, err := topo.Resolve(context.Background(), "election", "")
	require.NoError(t, err)
	assert.Len(t, ids, 4)
	assert.Len(t, topo.Markets(), 2)
}

func TestSubscribeEventKeepsOtherScopes(t *testing.T) {
	topo := New(newResolver(), nil)
	require.NoError(t, topo.SubscribeEvent(context.Background(), "weather"))
	require.NoError(t, topo.SubscribeEvent(context.Background(), "election"))

	_, ok := topo.Lookup("r-yes")
	assert.True(t, ok)
	assert.Len(t, topo.InstrumentIDs(), 6)
}

func TestSubscribeMarketNarrows(t *testing.T) {
	topo := New(newResolver(), nil)
	require.NoError(t, topo.SubscribeEvent(context.Background(), "election"))

	ids, err := topo.Resolve(context.Background(), "election", "candidate-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b-yes", "b-no"}, ids)

	_, ok := topo.Lookup("a-yes")
	assert.False(t, ok)
	assert.Len(t, topo.Markets(), 1)
}

func TestSubscribeMarketUsesKnownSlug(t *testing.T) {
	r := newResolver()
	topo := New(r, nil)
	require.NoError(t, topo.SubscribeEvent(context.Background(), "election"))
	require.Equal(t, 1, r.calls)

	require.NoError(t, topo.SubscribeMarket(context.Background(), "election", "candidate-a"))
	assert.Equal(t, 1, r.calls)

	require.NoError(t, topo.SubscribeMarket(context.Background(), "weather", "rain"))
	assert.Equal(t, 2, r.calls)
	assert.Equal(t, []string{"r-yes", "r-no"}, topo.InstrumentIDs())
}

func TestSubscribeMarketNotFound(t *testing.T) {
	topo := New(newResolver(), nil)
	err := topo.SubscribeMarket(context.Background(), "election", "candidate-z")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Contains(t, err.Error(), "candidate-z")
	assert.Empty(t, topo.InstrumentIDs())
}

func TestEmptyEventFails(t *testing.T) {
	topo := New(newResolver(), nil)
	err := topo.SubscribeEvent(context.Background(), "nothing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolverErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	topo := New(&fakeResolver{err: boom}, nil)
	_, err := topo.Resolve(context.Background(), "election", "")
	assert.ErrorIs(t, err, boom)
}

func TestDuplicateInstrumentKeepsFirstMarket(t *testing.T) {
	topo := New(&fakeResolver{events: map[string]map[string]domain.MarketInstruments{
		"e": {
			"alpha": {Yes: "shared", No: "alpha-no"},
			"beta":  {Yes: "shared", No: "beta-no"},
		},
	}}, nil)
	require.NoError(t, topo.SubscribeEvent(context.Background(), "e"))

	ref, ok := topo.Lookup("shared")
	require.True(t, ok)
	assert.Equal(t, "alpha", ref.Market)
	assert.Equal(t, []string{"shared", "alpha-no", "beta-no"}, topo.InstrumentIDs())
}
