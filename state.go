package milter

import "github.com/inboxforge/milter/internal/wire"

// serverPhase enumerates the server-side protocol phases of spec.md's
// state machine (ignoring Start/Negotiated, which are handled entirely
// inside serverSession.negotiate before a protoState is constructed).
type serverPhase int

const (
	phasePerConnection serverPhase = iota
	phaseEnvelope
	phaseData
	phaseHeaders
	phaseEndOfHeader
	phaseBody
	phaseEndOfMessage
)

func (p serverPhase) String() string {
	switch p {
	case phasePerConnection:
		return "PerConnection"
	case phaseEnvelope:
		return "PerMessage.Envelope"
	case phaseData:
		return "PerMessage.Data"
	case phaseHeaders:
		return "PerMessage.Headers"
	case phaseEndOfHeader:
		return "PerMessage.EndOfHeader"
	case phaseBody:
		return "PerMessage.Body"
	case phaseEndOfMessage:
		return "PerMessage.EndOfMessage"
	default:
		return "Unknown"
	}
}

// protoState tracks the legal-command state machine for one serverSession,
// from the moment option negotiation completes until the connection closes.
// Macro and Unknown commands are legal in every phase and never move the
// state (the negotiated protocol_mask, not the phase, governs whether the
// MTA sends them); every other command is checked against the table in
// spec.md section 4.6.
type protoState struct {
	phase serverPhase
}

func newProtoState() *protoState {
	return &protoState{phase: phasePerConnection}
}

// transition validates that code is legal in the current phase and, if so,
// advances the state machine. It returns a *ProtocolViolationError when the
// command is not legal here.
func (s *protoState) transition(code wire.Code) error {
	// Legal in every phase; never change the state.
	if code == wire.CodeMacro || code == wire.CodeUnknown {
		return nil
	}

	// A code outside the known command set is not a state-machine legality
	// question - the dispatch loop decides on its own (version-gated)
	// policy whether to ignore it or close the connection.
	if !isKnownCommandCode(code) {
		return nil
	}

	switch s.phase {
	case phasePerConnection:
		switch code {
		case wire.CodeConn, wire.CodeHelo, wire.CodeQuit, wire.CodeQuitNewConn:
			return nil
		case wire.CodeMail:
			s.phase = phaseEnvelope
			return nil
		}
	case phaseEnvelope:
		switch code {
		case wire.CodeRcpt, wire.CodeAbort:
			if code == wire.CodeAbort {
				s.phase = phasePerConnection
			}
			return nil
		case wire.CodeData:
			s.phase = phaseData
			return nil
		}
	case phaseData:
		switch code {
		case wire.CodeBody, wire.CodeAbort:
			if code == wire.CodeAbort {
				s.phase = phasePerConnection
			}
			return nil
		case wire.CodeHeader:
			s.phase = phaseHeaders
			return nil
		case wire.CodeEOH:
			s.phase = phaseEndOfHeader
			return nil
		}
	case phaseHeaders:
		switch code {
		case wire.CodeHeader, wire.CodeAbort:
			if code == wire.CodeAbort {
				s.phase = phasePerConnection
			}
			return nil
		case wire.CodeEOH:
			s.phase = phaseEndOfHeader
			return nil
		}
	case phaseEndOfHeader:
		switch code {
		case wire.CodeAbort:
			s.phase = phasePerConnection
			return nil
		case wire.CodeBody:
			s.phase = phaseBody
			return nil
		case wire.CodeEOB:
			s.phase = phaseEndOfMessage
			return nil
		}
	case phaseBody:
		switch code {
		case wire.CodeBody, wire.CodeAbort:
			if code == wire.CodeAbort {
				s.phase = phasePerConnection
			}
			return nil
		case wire.CodeEOB:
			s.phase = phaseEndOfMessage
			return nil
		}
	case phaseEndOfMessage:
		// the terminal action for EndOfMessage was already written by the
		// time the next frame arrives; the dispatch loop resets phase to
		// phasePerConnection itself (see HandleMilterCommands), so this
		// phase is never observed by transition in practice.
	}

	return &ProtocolViolationError{State: s.phase.String(), Got: byte(code)}
}

// reset returns the state machine to PerConnection, e.g. after the
// terminal action of an EndOfMessage has been sent.
func (s *protoState) reset() {
	s.phase = phasePerConnection
}

// isKnownCommandCode reports whether code is one of the command codes this
// library recognizes (CodeOptNeg is handled separately by the caller before
// transition is ever invoked).
func isKnownCommandCode(code wire.Code) bool {
	switch code {
	case wire.CodeOptNeg, wire.CodeMacro, wire.CodeConn, wire.CodeQuit, wire.CodeHelo,
		wire.CodeMail, wire.CodeRcpt, wire.CodeHeader, wire.CodeEOH, wire.CodeBody,
		wire.CodeEOB, wire.CodeAbort, wire.CodeData, wire.CodeQuitNewConn, wire.CodeUnknown:
		return true
	default:
		return false
	}
}
