// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/relay layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing, malformed or expired identity token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the client is temporarily blocked after repeated auth failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation indicates a malformed client event (missing recipient, empty content).
	ErrValidation = errors.New("validation")

	// ErrStoreUnavailable indicates the pending store is not configured or failed.
	ErrStoreUnavailable = errors.New("pending store unavailable")

	// ErrQueueFull indicates the recipient reached the per-recipient pending cap.
	ErrQueueFull = errors.New("pending queue full")

	// ErrHandleClosed indicates a push to a connection that has already terminated.
	ErrHandleClosed = errors.New("connection closed")

	// ErrSlowConsumer indicates the outbound buffer overflowed and the connection was dropped.
	ErrSlowConsumer = errors.New("slow consumer")
)
