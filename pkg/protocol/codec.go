package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownKind = errors.New("unknown message kind")
)

// DecodeReason says why Decode rejected its input.
type DecodeReason int

const (
	Malformed DecodeReason = iota + 1
	UnknownKind
)

func (r DecodeReason) String() string {
	switch r {
	case Malformed:
		return "malformed"
	case UnknownKind:
		return "unknown_kind"
	}
	return "unknown"
}

// DecodeError is returned by Decode (and by frame readers for oversized
// frames). For UnknownKind the envelope was well formed, so Kind and Seq
// are populated.
type DecodeError struct {
	Reason DecodeReason
	Kind   Kind
	Seq    uint64
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Reason == UnknownKind {
		return fmt.Sprintf("%v %q (seq %d)", ErrUnknownKind, e.Kind, e.Seq)
	}
	return fmt.Sprintf("%v: %s", ErrMalformed, e.Detail)
}

// Unwrap lets errors.Is match ErrMalformed / ErrUnknownKind.
func (e *DecodeError) Unwrap() error {
	if e.Reason == UnknownKind {
		return ErrUnknownKind
	}
	return ErrMalformed
}

// ErrorKind maps the decode failure onto the ERROR reply kind.
func (e *DecodeError) ErrorKind() ErrorKind {
	if e.Reason == UnknownKind {
		return ErrKindUnknownKind
	}
	return ErrKindMalformed
}

// MalformedError builds a Malformed DecodeError.
func MalformedError(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: Malformed, Detail: fmt.Sprintf(format, args...)}
}

type envelope struct {
	Kind Kind   `json:"kind"`
	Seq  uint64 `json:"seq"`
	Body Body   `json:"body"`
}

// Encode serializes m. Every Body type consists of strings, integers,
// booleans, string maps and slices of plain structs, so marshaling cannot
// fail; a nil Body is a programming error and panics.
func Encode(m Message) []byte {
	if m.Body == nil {
		panic("protocol: Encode called with nil Body")
	}
	data, err := json.Marshal(envelope{Kind: m.Body.Kind(), Seq: m.Seq, Body: m.Body})
	if err != nil {
		panic(fmt.Sprintf("protocol: encode %s: %v", m.Body.Kind(), err))
	}
	return data
}

type decoder func(raw []byte) (Body, error)

func decodeAs[T Body](raw []byte) (Body, error) {
	var b T
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return b, nil
}

var decoders = map[Kind]decoder{
	KindJoin:       decodeAs[Join],
	KindLeave:      decodeAs[Leave],
	KindCommand:    decodeAs[Command],
	KindHeartbeat:  decodeAs[Heartbeat],
	KindWelcome:    decodeAs[Welcome],
	KindAck:        decodeAs[Ack],
	KindError:      decodeAs[Error],
	KindJoined:     decodeAs[Joined],
	KindLeft:       decodeAs[Left],
	KindRenamed:    decodeAs[Renamed],
	KindBroadcast:  decodeAs[Broadcast],
	KindRoom:       decodeAs[Room],
	KindDisconnect: decodeAs[Disconnect],
}

// Known reports whether k has a registered body type.
func Known(k Kind) bool {
	_, ok := decoders[k]
	return ok
}

// Decode parses one encoded message. Unknown fields are ignored; an
// unregistered kind yields a DecodeError with Reason UnknownKind.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, MalformedError("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Message{}, MalformedError("envelope is not an object")
	}

	kindRes := root.Get("kind")
	if kindRes.Type != gjson.String || kindRes.Str == "" {
		return Message{}, MalformedError("missing kind tag")
	}
	kind := Kind(kindRes.Str)

	seqRes := root.Get("seq")
	if seqRes.Type != gjson.Number {
		return Message{}, MalformedError("missing or non-numeric seq")
	}
	seq, err := strconv.ParseUint(seqRes.Raw, 10, 64)
	if err != nil {
		return Message{}, MalformedError("seq %s is not an unsigned integer", seqRes.Raw)
	}

	dec, ok := decoders[kind]
	if !ok {
		return Message{}, &DecodeError{Reason: UnknownKind, Kind: kind, Seq: seq}
	}

	raw := []byte("{}")
	if bodyRes := root.Get("body"); bodyRes.Exists() && bodyRes.Type != gjson.Null {
		if !bodyRes.IsObject() {
			return Message{}, MalformedError("%s body is not an object", kind)
		}
		raw = []byte(bodyRes.Raw)
	}

	body, err := dec(raw)
	if err != nil {
		return Message{}, MalformedError("%s body: %v", kind, err)
	}
	return Message{Seq: seq, Body: body}, nil
}
