package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

type captureSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (c *captureSender) Send(_ context.Context, title, message string) error {
	c.titles = append(c.titles, title)
	c.bodies = append(c.bodies, message)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, []string{" replay_finished "}, nil)

	require.NoError(t, n.OrderPlaced(context.Background(), domain.Order{}, domain.OrderResult{}))
	require.NoError(t, n.ReplayFinished(context.Background(), domain.ReplayRun{Source: "f.jsonl", Strategy: "threshold", Trades: 3}))

	require.Len(t, s.titles, 1)
	assert.Equal(t, "Replay finished", s.titles[0])
	assert.Contains(t, s.bodies[0], "3 trades")
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	ok := &captureSender{name: "ok"}
	bad := &captureSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, nil, nil)

	err := n.FeedClosed(context.Background(), []string{"rain"}, errors.New("eof"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, ok.titles, 1, "later senders still run")
	assert.Contains(t, ok.bodies[0], "cause: eof")
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Notify(context.Background(), EventFeedClosed, "t", "m"))
}

func TestSenders(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("tok", "42")
	tg.baseURL = srv.URL
	require.NoError(t, tg.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])

	require.NoError(t, NewDiscordSender(srv.URL+"/hook").Send(context.Background(), "Title", "body"))
	assert.Equal(t, "**Title**\nbody", got["content"])
}

func TestSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
