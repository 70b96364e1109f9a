package engine

import "errors"

// Failure taxonomy of the reshape engine. Every one of these aborts the
// whole session; nothing is retried internally and no partial result
// persists.
var (
	// ErrUnauthorized means the caller is neither the position's owner nor
	// an authorized delegate.
	ErrUnauthorized = errors.New("caller not authorized for position")

	// ErrNotFound means the position id is unknown.
	ErrNotFound = errors.New("position not found")

	// ErrInvalidRange means a target range has lower >= upper or bounds
	// not aligned to the pool's tick spacing.
	ErrInvalidRange = errors.New("invalid target range")

	// ErrRangeBlocked means a target range straddles the pool's active
	// tick on a position that already held allocations; deploying it would
	// take on swap exposure mid-reshape.
	ErrRangeBlocked = errors.New("target range straddles active tick")

	// ErrImbalanced means the session's net delta exceeded the dust
	// tolerance on a reshape of a non-empty position.
	ErrImbalanced = errors.New("net delta exceeds dust tolerance")

	// ErrSlippageExceeded means a first deployment's debt exceeded the
	// caller's per-asset bound.
	ErrSlippageExceeded = errors.New("settlement debt exceeds slippage bound")

	// ErrUntrustedCaller means the session callback was invoked by a party
	// other than the configured venue, or outside a session this engine
	// opened.
	ErrUntrustedCaller = errors.New("session callback from untrusted caller")
)
