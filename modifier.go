package milter

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/inboxforge/milter/internal/wire"
	"github.com/inboxforge/milter/milterutil"
)

type ActionType int

const (
	ActionAccept ActionType = iota + 1
	ActionContinue
	ActionDiscard
	ActionReject
	ActionTempFail
	ActionSkip
	ActionRejectWithCode
)

type Action struct {
	Type ActionType

	// SMTP code if milter wants to abort the connection/message. Zero otherwise.
	SMTPCode uint16
	// Properly formatted reply text if milter wants to abort the connection/message. Empty string otherwise.
	SMTPReply string
}

// StopProcessing returns true when the milter wants to immediately stop this SMTP connection.
// You can use [Action.SMTPReply] to send as reply to the current SMTP command.
func (a Action) StopProcessing() bool {
	return a.SMTPCode > 0
}

var actionTypeByWireCode = map[wire.ActionCode]ActionType{
	wire.ActAccept:    ActionAccept,
	wire.ActContinue:  ActionContinue,
	wire.ActDiscard:   ActionDiscard,
	wire.ActReject:    ActionReject,
	wire.ActTempFail:  ActionTempFail,
	wire.ActSkip:      ActionSkip,
	wire.ActReplyCode: ActionRejectWithCode,
}

// parseAction decodes the wire-level payload via [wire.DecodeAction] and
// maps it onto the public Action type.
func parseAction(msg *wire.Message) (*Action, error) {
	decoded, err := wire.DecodeAction(msg)
	if err != nil {
		return nil, err
	}
	typ, ok := actionTypeByWireCode[decoded.Code]
	if !ok {
		return nil, fmt.Errorf("action read: unexpected code: %c", msg.Code)
	}
	if decoded.Code == wire.ActReplyCode {
		if len(msg.Data) == 0 || msg.Data[len(msg.Data)-1] != 0 {
			return nil, fmt.Errorf("action read: missing terminating null-byte")
		}
		if decoded.SMTPCode < 400 || decoded.SMTPCode > 599 {
			return nil, fmt.Errorf("action read: invalid SMTP code: %d", decoded.SMTPCode)
		}
		decoded.SMTPReply = strings.TrimRight(decoded.SMTPReply, "\r\n")
	}
	return &Action{
		Type:      typ,
		SMTPCode:  decoded.SMTPCode,
		SMTPReply: decoded.SMTPReply,
	}, nil
}

type ModifyActionType int

const (
	ActionAddRcpt ModifyActionType = iota + 1
	ActionDelRcpt
	ActionQuarantine
	ActionReplaceBody
	ActionChangeFrom
	ActionAddHeader
	ActionChangeHeader
	ActionInsertHeader
)

type ModifyAction struct {
	Type ModifyActionType

	// Recipient to add/remove if Type == ActionAddRcpt or ActionDelRcpt.
	// This value already includes the necessary <>.
	Rcpt string

	// ESMTP arguments for recipient address if Type = ActionAddRcpt.
	RcptArgs string

	// New envelope sender if Type = ActionChangeFrom.
	// This value already includes the necessary <>.
	From string

	// ESMTP arguments for envelope sender if Type = ActionChangeFrom.
	FromArgs string

	// Portion of body to be replaced if Type == ActionReplaceBody.
	Body []byte

	// Index of the header field to be changed if Type = ActionChangeHeader or Type = ActionInsertHeader.
	// Index is 1-based.
	//
	// If Type = ActionChangeHeader the index is per canonical value of HdrName.
	// E.g. HeaderIndex = 3 and HdrName = "DKIM-Signature" mean "change third field with the canonical header name Dkim-Signature".
	// Order is the same as of HeaderField calls.
	//
	// If Type = ActionInsertHeader the index is global to all headers, 1-based and means "insert after the HeaderIndex header".
	// A HeaderIndex of 0 has the special meaning "at the very beginning".
	//
	// Deleted headers (Type = ActionChangeHeader and HeaderValue == "") may change the indexes of the other headers.
	// Postfix MTA removes the header from the linked list (and thus change the indexes of headers coming after the deleted header).
	// Sendmail on the other hand will only mark the header as deleted.
	HeaderIndex uint32

	// Header field name to be added/changed if Type == ActionAddHeader or
	// ActionChangeHeader or ActionInsertHeader.
	HeaderName string

	// Header field value to be added/changed if Type == ActionAddHeader or
	// ActionChangeHeader or ActionInsertHeader. If set to empty string - the field
	// should be removed.
	HeaderValue string

	// Quarantine reason if Type == ActionQuarantine.
	Reason string
}

var modifyActionTypeByWireCode = map[wire.ModifyActCode]ModifyActionType{
	wire.ActAddRcpt:      ActionAddRcpt,
	wire.ActAddRcptPar:   ActionAddRcpt,
	wire.ActDelRcpt:      ActionDelRcpt,
	wire.ActQuarantine:   ActionQuarantine,
	wire.ActReplBody:     ActionReplaceBody,
	wire.ActChangeFrom:   ActionChangeFrom,
	wire.ActAddHeader:    ActionAddHeader,
	wire.ActChangeHeader: ActionChangeHeader,
	wire.ActInsertHeader: ActionInsertHeader,
}

// parseModifyAct decodes the wire-level payload via [wire.DecodeModification]
// and maps it onto the public ModifyAction type.
func parseModifyAct(msg *wire.Message) (*ModifyAction, error) {
	decoded, err := wire.DecodeModification(msg)
	if err != nil {
		return nil, err
	}
	typ, ok := modifyActionTypeByWireCode[decoded.Code]
	if !ok {
		return nil, fmt.Errorf("read modify action: unexpected message code: %c", msg.Code)
	}
	return &ModifyAction{
		Type:        typ,
		Rcpt:        decoded.Rcpt,
		RcptArgs:    decoded.RcptArgs,
		From:        decoded.From,
		FromArgs:    decoded.FromArgs,
		Body:        decoded.Body,
		HeaderIndex: decoded.HeaderIndex,
		HeaderName:  decoded.HeaderName,
		HeaderValue: decoded.HeaderValue,
		Reason:      decoded.Reason,
	}, nil
}

// Modifier provides access to [Macros] to callback handlers. It also defines a
// number of functions that can be used by callback handlers to modify processing of the email message.
// Besides [Modifier.Progress] they can only be called in the EndOfMessage callback.
type Modifier struct {
	Macros              Macros
	writeProgressPacket func(*wire.Message) error
	writePacket         func(*wire.Message) error
	actions             OptAction
	maxDataSize         DataSize
}

func hasHats(str string) bool {
	return len(str) > 1 && str[0] == '<' && str[len(str)-1] == '>'
}

// AddAngle wraps str in angle brackets if it isn't already.
func AddAngle(str string) string {
	if hasHats(str) {
		return str
	} else {
		return fmt.Sprintf("<%s>", str)
	}
}

// RemoveAngle strips the surrounding angle brackets from str if present.
func RemoveAngle(str string) string {
	if hasHats(str) {
		return str[1 : len(str)-1]
	} else {
		return str
	}
}

var ErrModificationNotAllowed = errors.New("milter: modification not allowed via milter protocol negotiation")

// validHeaderName reports whether name is usable as an RFC 5322 field name:
// non-empty, printable ASCII, no spaces, no colon.
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= 0x20 || c > 0x7e || c == ':' {
			return false
		}
	}
	return true
}

// sanitizeLine replaces a NUL byte or any line break in s with a single
// space, so the value cannot corrupt or truncate the wire's NUL-terminated,
// line-oriented encoding.
func sanitizeLine(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 0, '\n':
			b.WriteByte(' ')
		case '\r':
			b.WriteByte(' ')
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// sanitizeNul replaces NUL bytes in s with a space.
func sanitizeNul(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", " ")
}

// AddRecipient appends a new envelope recipient for current message.
// You can optionally specify esmtpArgs to pass along. You need to negotiate this via [OptAddRcptWithArgs] with the MTA.
func (m *Modifier) AddRecipient(r string, esmtpArgs string) error {
	if m.actions&OptAddRcpt == 0 && m.actions&OptAddRcptWithArgs == 0 {
		return ErrModificationNotAllowed
	}
	if esmtpArgs != "" && m.actions&OptAddRcptWithArgs == 0 {
		return ErrModificationNotAllowed
	}
	d := &wire.DecodedModification{Code: wire.ActAddRcpt, Rcpt: AddAngle(sanitizeLine(r))}
	// send wire.ActAddRcptPar when that is the only allowed action, or we need to send it because esmtpArgs is set
	if (esmtpArgs != "" && m.actions&OptAddRcptWithArgs != 0) || (esmtpArgs == "" && m.actions&OptAddRcpt == 0) {
		d.Code = wire.ActAddRcptPar
		d.RcptArgs = sanitizeLine(esmtpArgs)
	}
	return m.writePacket(wire.EncodeModification(d))
}

// DeleteRecipient removes an envelope recipient address from message
func (m *Modifier) DeleteRecipient(r string) error {
	if m.actions&OptRemoveRcpt == 0 {
		return ErrModificationNotAllowed
	}
	return m.writePacket(wire.EncodeModification(&wire.DecodedModification{Code: wire.ActDelRcpt, Rcpt: AddAngle(sanitizeLine(r))}))
}

// ReplaceBodyRawChunk sends one chunk of the body replacement.
//
// The chunk get send as-is. Caller needs to ensure that the chunk does not exceed the maximum configured data size (defaults to [DataSize64K])
//
// You should do the ReplaceBodyRawChunk calls all in one go without intersecting it with other modification actions.
// MTAs like Postfix do not allow that.
func (m *Modifier) ReplaceBodyRawChunk(chunk []byte) error {
	if m.actions&OptChangeBody == 0 {
		return ErrModificationNotAllowed
	}
	if len(chunk) > int(m.maxDataSize) {
		return fmt.Errorf("milter: body chunk too large: %d > %d", len(chunk), m.maxDataSize)
	}
	return m.writePacket(wire.EncodeModification(&wire.DecodedModification{Code: wire.ActReplBody, Body: chunk}))
}

// ReplaceBody reads from r and send its contents in the least amount of chunks to the MTA.
//
// This function does not do any CR LF line ending canonicalization or maximum line length enforcements.
// If you need that you can use the various transform.Transformers of the milterutil package to wrap your reader.
//
//	t := transform.Chain(&milterutil.CrLfCanonicalizationTransformer{}, &milterutil.MaximumLineLengthTransformer{})
//	wrappedR := transform.NewReader(r, t)
//	m.ReplaceBody(wrappedR)
//
// This function tries to use as few calls to [Modifier.ReplaceBodyRawChunk] as possible.
//
// You can call ReplaceBody multiple times. The MTA will combine all those calls into one message.
//
// You should do the ReplaceBody calls all in one go without intersecting it with other modification actions.
// MTAs like Postfix do not allow that.
func (m *Modifier) ReplaceBody(r io.Reader) error {
	scanner := milterutil.GetFixedBufferScanner(uint32(m.maxDataSize), r)
	defer scanner.Close()
	for scanner.Scan() {
		err := m.ReplaceBodyRawChunk(scanner.Bytes())
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Quarantine a message by giving a reason to hold it
func (m *Modifier) Quarantine(reason string) error {
	if m.actions&OptQuarantine == 0 {
		return ErrModificationNotAllowed
	}
	return m.writePacket(wire.EncodeModification(&wire.DecodedModification{Code: wire.ActQuarantine, Reason: sanitizeLine(reason)}))
}

// AddHeader appends a new email message header to the message
//
// Unfortunately when interacting with Sendmail it is not guaranteed that the header
// will be added at the end. If Sendmail has a (maybe deleted) header of the same name
// in the list of headers, this header will be altered/re-used instead of adding a new
// header at the end.
//
// If you always want to add the header at the very end you need to use InsertHeader with
// a very high index.
func (m *Modifier) AddHeader(name, value string) error {
	if m.actions&OptAddHeader == 0 {
		return ErrModificationNotAllowed
	}
	if !validHeaderName(name) {
		return fmt.Errorf("milter: invalid header name: %q", name)
	}
	d := &wire.DecodedModification{Code: wire.ActAddHeader, HeaderName: name, HeaderValue: sanitizeNul(milterutil.CrLfToLf(value))}
	return m.writePacket(wire.EncodeModification(d))
}

// ChangeHeader replaces the header at the specified position with a new one.
// The index is per canonical name and one-based. To delete a header pass an empty value.
// If the index is bigger than there are headers with that name, then ChangeHeader will actually
// add a new header at the end of the header list (With the same semantic as AddHeader).
func (m *Modifier) ChangeHeader(index int, name, value string) error {
	if m.actions&OptChangeHeader == 0 {
		return ErrModificationNotAllowed
	}
	if index < 0 || index > math.MaxUint32 {
		return fmt.Errorf("milter: header index out of range: %d", index)
	}
	if !validHeaderName(name) {
		return fmt.Errorf("milter: invalid header name: %q", name)
	}
	d := &wire.DecodedModification{
		Code:        wire.ActChangeHeader,
		HeaderIndex: uint32(index),
		HeaderName:  name,
		HeaderValue: sanitizeNul(milterutil.CrLfToLf(value)),
	}
	return m.writePacket(wire.EncodeModification(d))
}

// InsertHeader inserts the header at the specified position.
// index is one-based. The index 0 means at the very beginning.
//
// Unfortunately when interacting with Sendmail the index is used to find the position
// in Sendmail's internal list of headers. Not all of those internal headers get send to the milter.
// Thus, you cannot really add a header at a specific position when the milter client is Sendmail.
func (m *Modifier) InsertHeader(index int, name, value string) error {
	// Insert header does not have its own action flag
	if m.actions&OptChangeHeader == 0 && m.actions&OptAddHeader == 0 {
		return ErrModificationNotAllowed
	}
	if index < 0 || index > math.MaxUint32 {
		return fmt.Errorf("milter: header index out of range: %d", index)
	}
	if !validHeaderName(name) {
		return fmt.Errorf("milter: invalid header name: %q", name)
	}
	d := &wire.DecodedModification{
		Code:        wire.ActInsertHeader,
		HeaderIndex: uint32(index),
		HeaderName:  name,
		HeaderValue: sanitizeNul(milterutil.CrLfToLf(value)),
	}
	return m.writePacket(wire.EncodeModification(d))
}

// ChangeFrom replaces the FROM envelope header with a new one
func (m *Modifier) ChangeFrom(value string, esmtpArgs string) error {
	if m.actions&OptChangeFrom == 0 {
		return ErrModificationNotAllowed
	}
	d := &wire.DecodedModification{Code: wire.ActChangeFrom, From: AddAngle(sanitizeLine(value)), FromArgs: sanitizeLine(esmtpArgs)}
	return m.writePacket(wire.EncodeModification(d))
}

// Progress tells the client that there is progress in a long operation
func (m *Modifier) Progress() error {
	return m.writeProgressPacket(respProgress.Response())
}

func errorWriteReadOnly(m *wire.Message) error {
	return fmt.Errorf("tried to send action %c in read-only state", m.Code)
}

// newModifier creates a new [Modifier] instance from s. If it is readOnly then all modification actions will throw an error.
func newModifier(s *serverSession, readOnly bool) *Modifier {
	writePacket := s.writePacket
	if readOnly {
		writePacket = errorWriteReadOnly
	}
	return &Modifier{
		Macros:              &macroReader{macrosStages: s.macros},
		writePacket:         writePacket,
		writeProgressPacket: s.writePacket,
		actions:             s.actions,
		maxDataSize:         s.maxDataSize,
	}
}

// NewTestModifier is only exported for unit-tests. It can only be use internally since it uses the internal package [wire].
func NewTestModifier(macros Macros, writePacket, writeProgress func(msg *wire.Message) error, actions OptAction, maxDataSize DataSize) *Modifier {
	return &Modifier{
		Macros:              macros,
		writePacket:         writePacket,
		writeProgressPacket: writeProgress,
		actions:             actions,
		maxDataSize:         maxDataSize,
	}
}
