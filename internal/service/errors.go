package service

import "errors"

var (
	// ErrRevokeInFlight means another revoke attempt for the same
	// (account, token, spender) triple is currently running; the new
	// attempt is collapsed into it rather than double-spending sponsorship.
	ErrRevokeInFlight = errors.New("revoke already in flight for this approval")

	// ErrVerificationMismatch means the operation was included on chain
	// but the re-read allowance is still non-zero. High severity: the
	// inner call reverted or targeted the wrong approval. Never coerced
	// into success.
	ErrVerificationMismatch = errors.New("inclusion succeeded but allowance unchanged")

	// ErrAlreadyDeployed means the smart account already has bytecode on
	// chain. Deploying again signals stale caller state, not a no-op.
	ErrAlreadyDeployed = errors.New("smart account already deployed")

	// ErrDeployRateLimited means the per-owner deployment budget for the
	// current window is exhausted.
	ErrDeployRateLimited = errors.New("deployment rate limit exceeded for owner")
)
