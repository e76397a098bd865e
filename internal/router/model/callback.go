package model

// MessageCallback is the minimal ack/nack surface a queue adapter must
// provide for a message it handed to the router.
type MessageCallback interface {
	Ack(msg *MessagePointer)
	Nack(msg *MessagePointer)
}

// MessageVisibilityControl is an optional capability a MessageCallback may
// also implement. The router detects it at runtime via a type assertion
// and calls it only when present, so adapters that cannot change broker
// visibility remain compatible with the base MessageCallback surface.
type MessageVisibilityControl interface {
	// SetVisibilityDelay delays redelivery by seconds (transient error with
	// a retry hint).
	SetVisibilityDelay(msg *MessagePointer, seconds int)
	// ResetVisibilityToDefault restores the broker's default visibility
	// (connection error).
	ResetVisibilityToDefault(msg *MessagePointer)
	// SetFastFailVisibility requests a short requeue delay (batch-group
	// auto-nack).
	SetFastFailVisibility(msg *MessagePointer)
}

// Mediator performs the side effect for a message and returns a
// classified outcome. Implementations MUST NOT hold references to router
// state and MUST be safe for concurrent use.
type Mediator interface {
	Process(msg *MessagePointer) *MediationOutcome
}
