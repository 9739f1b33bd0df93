package market

import "errors"

// Core failure taxonomy. Every failure surfaced by the registry, the
// lifecycle controller, and the trade executor maps to one of these
// sentinels; callers classify with errors.Is.
var (
	// Lifecycle violations.
	ErrMarketNotFound        = errors.New("market not found")
	ErrMarketNotTradable     = errors.New("market not tradable")
	ErrMarketAlreadyResolved = errors.New("market already resolved")
	ErrIllegalTransition     = errors.New("illegal lifecycle transition")

	// Trade-admission violations.
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidOutcome       = errors.New("invalid outcome")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrSlippageExceeded     = errors.New("slippage exceeded")

	// Fatal per-mutation: the in-memory mutation is rolled back and the
	// error propagates to the request handler.
	ErrPersistenceFailure = errors.New("persistence failure")

	// Admin and oracle-only operations.
	ErrAuthorizationDenied = errors.New("authorization denied")
)
