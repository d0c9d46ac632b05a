package advisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

func TestDecide(t *testing.T) {
	var got domain.DecisionInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"action":"BUY","outcome":" Yes ","price":0.55,"size":3,"reason":"momentum"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", 0)
	in := domain.DecisionInput{
		Market:  "rain",
		Yes:     &domain.BookSnapshot{InstrumentID: "Y", Bids: []domain.PriceLevel{{Price: 0.5, Size: 1}}},
		Signals: []domain.Signal{{ID: "s1", Text: "clouds"}},
		Limits:  domain.Limits{MaxSize: 5, MaxPosition: 5},
	}
	dec, err := c.Decide(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, domain.IOCDecision{
		Action: domain.ActionBuy, Outcome: domain.OutcomeYes, Price: 0.55, Size: 3, Reason: "momentum",
	}, dec)
	assert.Equal(t, "rain", got.Market)
	assert.Equal(t, "Y", got.Yes.InstrumentID)
	assert.Equal(t, 5.0, got.Limits.MaxPosition)
	require.Len(t, got.Signals, 1)
}

func TestDecideErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", domain.ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, "", domain.ErrUnauthorized},
		{"not found", http.StatusNotFound, "", domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", 0).Decide(context.Background(), domain.DecisionInput{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecideBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", 0).Decide(context.Background(), domain.DecisionInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode decision")
}
