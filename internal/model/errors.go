package model

import "errors"

// Error kinds from spec section 7. All are sentinel values matched with
// errors.Is; the first eight are user-recoverable (no mutation happened,
// the caller can retry or correct the request). Internal is fatal for
// the enclosing request.
var (
	ErrInvalidParameters  = errors.New("invalid parameters")
	ErrMarketClosed       = errors.New("market closed")
	ErrInvalidOutcome     = errors.New("invalid outcome")
	ErrOrderAlreadyExists = errors.New("order already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoSuchOrder        = errors.New("no such order")
	ErrAlreadyResolved    = errors.New("market already resolved")
	ErrNotOracle          = errors.New("caller is not the market oracle")
	ErrInternal           = errors.New("internal error")
)
