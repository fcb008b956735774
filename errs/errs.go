// Package errs defines the typed failure taxonomy shared by every coordination
// component. Inbound protocol failures are logged and dropped by the
// dispatcher; outward-facing failures (store, executor, RPC) are returned to
// callers wrapped with context via fmt.Errorf's %w.
package errs

import "errors"

var (
	// MalformedMessage indicates a wire envelope failed codec validation.
	MalformedMessage = errors.New("malformed message")
	// UnauthenticatedPeer indicates a message arrived before handshake completion.
	UnauthenticatedPeer = errors.New("unauthenticated peer")
	// IdentityMismatch indicates the transport-level sender does not match the claimed pubkey.
	IdentityMismatch = errors.New("identity mismatch")
	// BannedPeer indicates the sender is subject to an effective ban.
	BannedPeer = errors.New("banned peer")
	// RateLimited indicates a per-peer or global rate limit rejected the action.
	RateLimited = errors.New("rate limited")
	// SchemaMismatch indicates a persisted schema version disagrees with the running binary.
	SchemaMismatch = errors.New("schema mismatch")
	// StoreBusy indicates a transaction could not be acquired or committed.
	StoreBusy = errors.New("store busy")
	// IntentConflict indicates a lock could not be granted due to a losing tie-break.
	IntentConflict = errors.New("intent conflict")
	// ExecutorUnavailable indicates the circuit breaker rejected an executor call.
	ExecutorUnavailable = errors.New("executor unavailable")
	// QuorumFailure indicates a vote did not reach the required threshold in time.
	QuorumFailure = errors.New("quorum failure")
	// PeriodAlreadySettled indicates a settlement period has already reached a terminal state.
	PeriodAlreadySettled = errors.New("period already settled")
	// BudgetExceeded indicates a proposed action would exceed a configured spend guard.
	BudgetExceeded = errors.New("budget exceeded")
	// Timeout indicates an operation exceeded its deadline.
	Timeout = errors.New("timeout")
)
