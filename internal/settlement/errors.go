package settlement

import "errors"

var (
	// ErrNoRequest is returned when a signature is submitted for a market
	// with no open collection window.
	ErrNoRequest = errors.New("no signature request open for market")

	// ErrSignatureInvalid is returned when a submitted signature is
	// malformed or does not recover to the claimed signer.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrSignatureDeadlineExpired is returned when a signature arrives
	// after the collection deadline.
	ErrSignatureDeadlineExpired = errors.New("signature deadline expired")

	// ErrSignerNotRequired is returned when the signer is not in the
	// required participant set.
	ErrSignerNotRequired = errors.New("signer not in required set")

	// ErrSignerAlreadyResponded is returned on a duplicate submission.
	ErrSignerAlreadyResponded = errors.New("signer already responded")

	// ErrPayoutMismatch is returned when computed payouts do not
	// reconcile with the market's total volume.
	ErrPayoutMismatch = errors.New("payout sum does not reconcile with total volume")

	// ErrNotResolved is returned when settlement is requested for a
	// market that has not reached RESOLVED.
	ErrNotResolved = errors.New("market is not resolved")
)
