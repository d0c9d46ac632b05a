package domain

import "time"

// Signal is an external item (post, headline) fed into the decision window.
type Signal struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
}

// SignalChannel is the pub/sub channel carrying signals for market.
func SignalChannel(market string) string {
	return "signals:" + market
}

// SignalStream is the stream that keeps published signals for late readers.
func SignalStream(market string) string {
	return "signals:" + market + ":log"
}
