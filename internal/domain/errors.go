package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidOrder     = errors.New("invalid order parameters")
	ErrBelowMinNotional = errors.New("order notional below venue minimum")
	ErrSigningFailed    = errors.New("signing failed")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrFeedClosed       = errors.New("feed closed")
	ErrNoInstruments    = errors.New("no instruments to subscribe")
	ErrUnsupportedInput = errors.New("unsupported input format")
	ErrLockHeld         = errors.New("lock held by another process")
)
