package milter

import "fmt"

// UnsupportedVersionError is returned during option negotiation when the
// effective milter protocol version (the minimum of both sides' offers)
// falls below the versions this library implements.
type UnsupportedVersionError struct {
	Theirs, Ours uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("milter: negotiate: unsupported protocol version: peer offered %d, we support down to %d", e.Theirs, e.Ours)
}

// CapabilityViolationError is returned when a caller tries to use a
// protocol feature that was not negotiated: sending a command the peer
// declared it does not want, or a server handler returning an action the
// negotiated protocol mask does not allow (e.g. ActionSkip without
// OptSkip).
type CapabilityViolationError struct {
	Capability string
}

func (e *CapabilityViolationError) Error() string {
	return fmt.Sprintf("milter: capability violation: %s was not negotiated", e.Capability)
}

// ProtocolViolationError is returned by the server dispatch loop when a
// command arrives that is not legal in the session's current phase.
type ProtocolViolationError struct {
	State string
	Got   byte
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("milter: protocol violation: command %q is not legal in state %s", rune(e.Got), e.State)
}

// UserError wraps an error returned by a user-supplied [Milter] handler so
// callers can distinguish it from protocol/transport failures with
// errors.As.
type UserError struct {
	Cause error
}

func (e *UserError) Error() string {
	return fmt.Sprintf("milter: handler error: %s", e.Cause)
}

func (e *UserError) Unwrap() error {
	return e.Cause
}

// MalformedMacroError is returned when a CodeMacro packet carries an odd
// number of NUL-terminated strings (a name with no paired value) for the
// given stage. The session pads the dangling name with an empty value and
// continues; this error is only used for logging the anomaly.
type MalformedMacroError struct {
	Stage MacroStage
}

func (e *MalformedMacroError) Error() string {
	return fmt.Sprintf("milter: macro: stage %d has an odd number of name/value strings, padding with an empty value", e.Stage)
}

// UnknownPacketKindError is returned when a peer sends a command code this
// library does not recognize.
type UnknownPacketKindError struct {
	Kind byte
}

func (e *UnknownPacketKindError) Error() string {
	return fmt.Sprintf("milter: unrecognized command code: %c", e.Kind)
}
