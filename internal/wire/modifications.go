package wire

import (
	"encoding/binary"
	"fmt"
)

// DecodedModification is the wire-level view of a SMFIR_* modification
// action a milter sends to change the message or envelope.
type DecodedModification struct {
	Code ModifyActCode

	// Rcpt/RcptArgs are set for ActAddRcpt/ActAddRcptPar/ActDelRcpt. Rcpt
	// already includes the <> envelope brackets.
	Rcpt     string
	RcptArgs string

	// From/FromArgs are set for ActChangeFrom. From already includes <>.
	From     string
	FromArgs string

	// Body is set for ActReplBody. It aliases msg.Data - no copy is made.
	Body []byte

	// HeaderIndex/HeaderName/HeaderValue are set for ActAddHeader,
	// ActChangeHeader and ActInsertHeader. HeaderIndex is only populated
	// for the latter two and is 1-based; an ActInsertHeader index of 0 means
	// the very beginning, an ActChangeHeader index of 0 is read as 1.
	HeaderIndex uint32
	HeaderName  string
	HeaderValue string

	// Reason is set for ActQuarantine.
	Reason string
}

// DecodeModification decodes msg as a SMFIR_* modification action. It is
// total over the payload: every variant that fully consumes a known shape
// rejects leftover bytes with *TrailingBytesError instead of ignoring them.
func DecodeModification(msg *Message) (*DecodedModification, error) {
	code := ModifyActCode(msg.Code)
	d := &DecodedModification{Code: code}
	c := NewCursor(msg.Data)

	switch code {
	case ActAddRcpt:
		rcpt, err := c.TrySplitNulTerminated()
		if err != nil {
			return nil, fmt.Errorf("read modify action: ActAddRcpt: %w", err)
		}
		d.Rcpt = string(rcpt)
		if c.Len() != 0 {
			return nil, &TrailingBytesError{Kind: byte(msg.Code), Extra: c.Len()}
		}

	case ActAddRcptPar:
		rcpt, err := c.TrySplitNulTerminated()
		if err != nil {
			return nil, fmt.Errorf("read modify action: ActAddRcptPar: %w", err)
		}
		d.Rcpt = string(rcpt)
		if c.Len() > 0 {
			args, err := c.TrySplitNulTerminated()
			if err != nil {
				return nil, fmt.Errorf("read modify action: ActAddRcptPar: %w", err)
			}
			d.RcptArgs = string(args)
			if c.Len() != 0 {
				return nil, &TrailingBytesError{Kind: byte(msg.Code), Extra: c.Len()}
			}
		}

	case ActDelRcpt:
		rcpt, err := readRestAsCString(c, byte(msg.Code))
		if err != nil {
			return nil, err
		}
		d.Rcpt = rcpt

	case ActQuarantine:
		reason, err := readRestAsCString(c, byte(msg.Code))
		if err != nil {
			return nil, err
		}
		d.Reason = reason

	case ActReplBody:
		d.Body = c.Remaining()

	case ActChangeFrom:
		from, err := c.TrySplitNulTerminated()
		if err != nil {
			return nil, fmt.Errorf("read modify action: ActChangeFrom: %w", err)
		}
		d.From = string(from)
		if c.Len() > 0 {
			args, err := c.TrySplitNulTerminated()
			if err != nil {
				return nil, fmt.Errorf("read modify action: ActChangeFrom: %w", err)
			}
			d.FromArgs = string(args)
			if c.Len() != 0 {
				return nil, &TrailingBytesError{Kind: byte(msg.Code), Extra: c.Len()}
			}
		}

	case ActChangeHeader, ActInsertHeader:
		index, err := c.TryUint32()
		if err != nil {
			return nil, fmt.Errorf("read modify action: missing header index: %w", err)
		}
		d.HeaderIndex = index
		// Sendmail 8 compatibility: a ActChangeHeader index of 0 means "first".
		if code == ActChangeHeader && d.HeaderIndex == 0 {
			d.HeaderIndex = 1
		}
		name, value, err := decodeHeaderNameValue(c, byte(msg.Code))
		if err != nil {
			return nil, err
		}
		d.HeaderName, d.HeaderValue = name, value

	case ActAddHeader:
		name, value, err := decodeHeaderNameValue(c, byte(msg.Code))
		if err != nil {
			return nil, err
		}
		d.HeaderName, d.HeaderValue = name, value

	default:
		return nil, fmt.Errorf("read modify action: unexpected message code: %c", msg.Code)
	}

	return d, nil
}

func decodeHeaderNameValue(c *Cursor, kind byte) (name, value string, err error) {
	n, err := c.TrySplitNulTerminated()
	if err != nil {
		return "", "", fmt.Errorf("read modify action: header name: %w", err)
	}
	v, err := c.TrySplitNulTerminated()
	if err != nil {
		return "", "", fmt.Errorf("read modify action: header value: %w", err)
	}
	if c.Len() != 0 {
		return "", "", &TrailingBytesError{Kind: kind, Extra: c.Len()}
	}
	return string(n), string(v), nil
}

// readRestAsCString reads the single remaining field as a NUL-terminated C
// string. Decode is total over the payload: a missing terminator or bytes
// left after it are both rejected rather than silently accepted.
func readRestAsCString(c *Cursor, kind byte) (string, error) {
	if c.Len() == 0 {
		return "", nil
	}
	s, err := c.TrySplitNulTerminated()
	if err != nil {
		return "", fmt.Errorf("read modify action: %c: %w", kind, err)
	}
	if c.Len() != 0 {
		return "", &TrailingBytesError{Kind: kind, Extra: c.Len()}
	}
	return string(s), nil
}

// EncodeModification builds the wire Message for d from its Code and
// populated fields.
func EncodeModification(d *DecodedModification) *Message {
	msg := &Message{Code: Code(d.Code)}
	switch d.Code {
	case ActAddRcpt:
		msg.Data = AppendCString(msg.Data, d.Rcpt)
	case ActAddRcptPar:
		msg.Data = AppendCString(msg.Data, d.Rcpt)
		msg.Data = AppendCString(msg.Data, d.RcptArgs)
	case ActDelRcpt:
		msg.Data = AppendCString(msg.Data, d.Rcpt)
	case ActQuarantine:
		msg.Data = AppendCString(msg.Data, d.Reason)
	case ActReplBody:
		msg.Data = d.Body
	case ActChangeFrom:
		msg.Data = AppendCString(msg.Data, d.From)
		if d.FromArgs != "" {
			msg.Data = AppendCString(msg.Data, d.FromArgs)
		}
	case ActChangeHeader, ActInsertHeader:
		msg.Data = make([]byte, 4)
		binary.BigEndian.PutUint32(msg.Data, d.HeaderIndex)
		msg.Data = AppendCString(msg.Data, d.HeaderName)
		msg.Data = AppendCString(msg.Data, d.HeaderValue)
	case ActAddHeader:
		msg.Data = AppendCString(msg.Data, d.HeaderName)
		msg.Data = AppendCString(msg.Data, d.HeaderValue)
	}
	return msg
}
