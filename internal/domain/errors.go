package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidMarket         = errors.New("invalid market")
	ErrInvalidOptions        = errors.New("invalid options")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidDuration       = errors.New("invalid duration")
	ErrUnknownOutcome        = errors.New("unknown outcome")
	ErrMarketClosed          = errors.New("market closed")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrAlreadyVoted          = errors.New("already voted")
	ErrVotingNotOpen         = errors.New("voting not open")
	ErrNotResolver           = errors.New("voter may not resolve markets")
	ErrAlreadySettled        = errors.New("market already settled")
	ErrNotSettled            = errors.New("market not settled")
	ErrLedgerFailure         = errors.New("ledger failure")
)
