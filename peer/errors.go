package peer

import "errors"

var (
	// ErrSwarmExhausted means no remaining swarm member can supply the
	// chunks still missing. Surfaced to the caller instead of retrying
	// indefinitely.
	ErrSwarmExhausted = errors.New("swarm exhausted")
	// ErrPeerUnreachable means a remote peer's connection was refused,
	// reset, or lost. Recoverable: its in-flight requests are released and
	// the rest of the swarm is tried.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrProtocolViolation means a remote peer broke the session protocol.
	// The offending session is closed; the local peer carries on.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrTrackerUnreachable means the tracker could not be reached. At
	// download start this is a hard failure, never a degraded mode.
	ErrTrackerUnreachable = errors.New("tracker unreachable")
)
