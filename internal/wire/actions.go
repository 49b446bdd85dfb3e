package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
)

// DecodedAction is the wire-level view of a SMFIR_* action message sent by
// a milter in reply to a command.
type DecodedAction struct {
	Code ActionCode

	// SMTPCode/SMTPReply are only set when Code is ActReplyCode.
	SMTPCode  uint16
	SMTPReply string
}

// DecodeAction decodes msg as a SMFIR_* action reply. It is total over the
// payload: the fixed no-payload variants reject any leftover bytes with
// *TrailingBytesError rather than silently ignoring them.
func DecodeAction(msg *Message) (*DecodedAction, error) {
	code := ActionCode(msg.Code)
	switch code {
	case ActAccept, ActContinue, ActDiscard, ActReject, ActTempFail, ActSkip:
		if len(msg.Data) != 0 {
			return nil, &TrailingBytesError{Kind: byte(msg.Code), Extra: len(msg.Data)}
		}
		return &DecodedAction{Code: code}, nil

	case ActReplyCode:
		if len(msg.Data) <= 4 {
			return nil, fmt.Errorf("action read: unexpected data length: %d", len(msg.Data))
		}
		checker := textproto.NewReader(bufio.NewReader(bytes.NewReader(msg.Data)))
		// this also accepts FTP style multi-line responses as valid.
		// It's highly unlikely that milter sends one of those, so we ignore this false positive.
		smtpCode, _, err := checker.ReadResponse(0)
		if err != nil {
			return nil, fmt.Errorf("action read: malformed SMTP response: %q", msg.Data)
		}
		return &DecodedAction{
			Code:      code,
			SMTPCode:  uint16(smtpCode),
			SMTPReply: ReadCString(msg.Data), // raw response, as formatted by the milter
		}, nil

	default:
		return nil, fmt.Errorf("action read: unexpected code: %c", msg.Code)
	}
}

// EncodeAction builds the wire Message for d. Only ActReplyCode carries a
// payload; every other action code is sent bare.
func EncodeAction(d *DecodedAction) *Message {
	if d.Code != ActReplyCode {
		return &Message{Code: Code(d.Code)}
	}
	return &Message{Code: Code(d.Code), Data: []byte(d.SMTPReply)}
}
