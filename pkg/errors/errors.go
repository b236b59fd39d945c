// Package errors defines sentinel errors used across the proxy.
package errors

import "errors"

// Sentinel errors for client-facing routing decisions.
var (
	// ErrMoved indicates the key belongs to a peer proxy permanently.
	ErrMoved = errors.New("MOVED")

	// ErrAsk indicates the key is mid-migration and should be retried at dst with ASKING.
	ErrAsk = errors.New("ASK")

	// ErrCrossSlot indicates keys in a multi-key request don't hash to the same slot.
	ErrCrossSlot = errors.New("CROSSSLOT Keys in request don't hash to the same slot")

	// ErrNoAuth indicates a dbname-requiring command arrived on a session with no AUTH.
	ErrNoAuth = errors.New("NOAUTH Authentication required")
)

// Sentinel errors for UMCTL control-plane operations.
var (
	// ErrStaleEpoch indicates an UMCTL update's epoch did not exceed the stored epoch.
	ErrStaleEpoch = errors.New("stale epoch")

	// ErrInvalidSlotMap indicates a slot map failed coverage, overlap, or range validation.
	ErrInvalidSlotMap = errors.New("invalid slot map")

	// ErrUnknownDB indicates a session's dbname has no slot map on this proxy.
	ErrUnknownDB = errors.New("unknown dbname")
)

// Sentinel errors for back-end connectivity.
var (
	// ErrBackendUnavailable indicates the back end could not be reached or timed out.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")
)
