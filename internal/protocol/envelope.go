// Package protocol defines the envelope exchanged between relay clients and
// the server, and its newline-delimited JSON wire encoding.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type tags the kind of an Envelope. Values outside the known set are kept
// verbatim so the router can treat them as unrecognized.
type Type string

// Envelope types understood by the relay.
const (
	TypeJoin       Type = "join"
	TypeLeave      Type = "leave"
	TypeMsg        Type = "msg"
	TypePM         Type = "pm"
	TypeTyping     Type = "typing"
	TypeStopTyping Type = "stoptyping"
	TypeSys        Type = "sys"
	TypeUserList   Type = "userlist"
)

// Known reports whether t is one of the protocol's defined types.
func (t Type) Known() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeMsg, TypePM, TypeTyping, TypeStopTyping, TypeSys, TypeUserList:
		return true
	}
	return false
}

// Envelope is one protocol message. From, To and Text are optional and empty
// when absent. Timestamp is in Unix seconds.
type Envelope struct {
	Type      Type
	From      string
	To        string
	Text      string
	Timestamp int64
}

// Time returns the envelope timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.Unix(e.Timestamp, 0)
}

// wireEnvelope is the JSON shape on the wire. Absent optional fields are
// encoded as null.
type wireEnvelope struct {
	Type Type    `json:"type"`
	From *string `json:"from"`
	To   *string `json:"to"`
	Text *string `json:"text"`
	TS   int64   `json:"ts"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Encode renders e as a single JSON record terminated by one line feed.
// Newlines inside field values are escaped by the JSON encoder, so the
// record never spans lines. HTML characters are written as is.
func Encode(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(wireEnvelope{
		Type: e.Type,
		From: optional(e.From),
		To:   optional(e.To),
		Text: optional(e.Text),
		TS:   e.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return buf.Bytes(), nil
}

// DecodeError reports a record that could not be parsed. The connection
// that produced it stays open; the record is discarded.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses one record. ok is false, with a nil error, when the line is
// blank and there is nothing to process. Keys match case-insensitively and
// unknown keys are ignored.
func Decode(line []byte) (env Envelope, ok bool, err error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Envelope{}, false, nil
	}

	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Envelope{}, false, &DecodeError{Line: string(trimmed), Err: err}
	}

	return Envelope{
		Type:      w.Type,
		From:      deref(w.From),
		To:        deref(w.To),
		Text:      deref(w.Text),
		Timestamp: w.TS,
	}, true, nil
}

// System builds a server-originated notice.
func System(text string, now time.Time) Envelope {
	return Envelope{Type: TypeSys, Text: text, Timestamp: now.Unix()}
}

// UserList builds a userlist envelope. names must already be sorted; they are
// joined with commas.
func UserList(names []string, now time.Time) Envelope {
	return Envelope{Type: TypeUserList, Text: strings.Join(names, ","), Timestamp: now.Unix()}
}
