package milter

import "fmt"

// CommandKind identifies which milter wire command a [Command] describes.
type CommandKind int

const (
	CmdConn CommandKind = iota
	CmdHelo
	CmdMail
	CmdRcpt
	CmdDataStart
	CmdHeaderField
	CmdHeaderEnd
	CmdBodyChunk
	CmdEnd
	CmdUnknown
	CmdAbort
)

// Command is a generic, explicit description of one milter wire command, for
// callers that want a single dispatch entry point instead of calling the
// per-command [ClientSession] methods directly. Only the fields relevant to
// Kind are read; the rest are ignored.
type Command struct {
	Kind CommandKind

	// CmdConn
	Hostname string
	Family   ProtoFamily
	Port     uint16
	Addr     string

	// CmdHelo
	Helo string

	// CmdMail, CmdRcpt
	Address  string
	EsmtpArg string

	// CmdHeaderField
	HeaderName  string
	HeaderValue string

	// CmdBodyChunk
	BodyChunk []byte

	// CmdUnknown
	UnknownCmd string

	// CmdHeaderField, CmdUnknown, CmdAbort
	Macros map[MacroName]string
}

// commandProtocolOpt maps each CommandKind onto the OptProtocol bit the MTA
// sets to declare it will never send that command. It is empty for kinds
// with no corresponding "don't send" bit (CmdEnd, CmdHeaderEnd always fire;
// CmdAbort is never suppressed).
var commandProtocolOpt = map[CommandKind]struct {
	opt  OptProtocol
	name string
}{
	CmdConn:        {OptNoConnect, "SMFIP_NOCONNECT"},
	CmdHelo:        {OptNoHelo, "SMFIP_NOHELO"},
	CmdMail:        {OptNoMailFrom, "SMFIP_NOMAIL"},
	CmdRcpt:        {OptNoRcptTo, "SMFIP_NORCPT"},
	CmdDataStart:   {OptNoData, "SMFIP_NODATA"},
	CmdHeaderField: {OptNoHeaders, "SMFIP_NOHDRS"},
	CmdBodyChunk:   {OptNoBody, "SMFIP_NOBODY"},
	CmdUnknown:     {OptNoUnknown, "SMFIP_NOUNKNOWN"},
}

// Command dispatches cmd to the matching typed [ClientSession] method.
//
// Unlike those methods - which silently synthesize a continue action when
// the MTA declared it will not send a given command, so they stay usable as
// a drop-in event source even when protocol options are negotiated off -
// Command rejects the call outright with *CapabilityViolationError when the
// caller explicitly asks for a command the negotiated protocol mask marks
// as unsupported. Use the typed methods directly if you want the permissive
// behavior.
func (s *ClientSession) Command(cmd Command) (*Action, []ModifyAction, error) {
	if gate, ok := commandProtocolOpt[cmd.Kind]; ok && s.ProtocolOption(gate.opt) {
		return nil, nil, &CapabilityViolationError{Capability: gate.name}
	}

	switch cmd.Kind {
	case CmdConn:
		act, err := s.Conn(cmd.Hostname, cmd.Family, cmd.Port, cmd.Addr)
		return act, nil, err
	case CmdHelo:
		act, err := s.Helo(cmd.Helo)
		return act, nil, err
	case CmdMail:
		act, err := s.Mail(cmd.Address, cmd.EsmtpArg)
		return act, nil, err
	case CmdRcpt:
		act, err := s.Rcpt(cmd.Address, cmd.EsmtpArg)
		return act, nil, err
	case CmdDataStart:
		act, err := s.DataStart()
		return act, nil, err
	case CmdHeaderField:
		act, err := s.HeaderField(cmd.HeaderName, cmd.HeaderValue, cmd.Macros)
		return act, nil, err
	case CmdHeaderEnd:
		act, err := s.HeaderEnd()
		return act, nil, err
	case CmdBodyChunk:
		act, err := s.BodyChunk(cmd.BodyChunk)
		return act, nil, err
	case CmdEnd:
		mods, act, err := s.End()
		return act, mods, err
	case CmdUnknown:
		act, err := s.Unknown(cmd.UnknownCmd, cmd.Macros)
		return act, nil, err
	case CmdAbort:
		return nil, nil, s.Abort(cmd.Macros)
	default:
		return nil, nil, fmt.Errorf("milter: command: unknown command kind %d", cmd.Kind)
	}
}
