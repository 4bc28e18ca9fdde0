package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Errors returned while decoding inbound socket frames.
var (
	ErrZeroEvent    = errors.New("event: zero event")
	ErrMalformed    = errors.New("event: malformed frame")
	ErrUnknownEvent = errors.New("event: unknown event name")
	ErrEmptyMessage = errors.New("event: empty message")
)

// MessageEvent is the socket event name used for chat messages in both
// directions.
const MessageEvent = "message"

// AnonymousUser is substituted when an inbound chat omits the username.
const AnonymousUser = "anonymous"

// WireName maps an event kind to the socket event name it is sent under.
func WireName(k Kind) string {
	if k == KindChat {
		return MessageEvent
	}
	return string(k)
}

type outbound struct {
	Event string `json:"event" msgpack:"event"`
	Data  any    `json:"data" msgpack:"data"`
}

type chatIn struct {
	Username string `json:"username" msgpack:"username"`
	Message  string `json:"message" msgpack:"message"`
}

type inbound struct {
	Event string `json:"event" msgpack:"event"`
	Data  chatIn `json:"data" msgpack:"data"`
}

// Codec encodes outbound events and decodes inbound chat frames for one
// socket framing.
type Codec interface {
	// Name is the websocket subprotocol the codec is negotiated under.
	Name() string
	// Binary reports whether frames are binary rather than text.
	Binary() bool
	Encode(ev Event) ([]byte, error)
	// DecodeChat validates an inbound frame and stamps it with at.
	DecodeChat(frame []byte, at time.Time) (Event, error)
}

var (
	// JSON is the default text codec.
	JSON Codec = jsonCodec{}
	// Msgpack is the binary codec negotiated with the "msgpack" subprotocol.
	Msgpack Codec = msgpackCodec{}
)

// Codecs lists the available codecs in subprotocol preference order.
func Codecs() []Codec {
	return []Codec{JSON, Msgpack}
}

// CodecFor returns the codec registered under a subprotocol name. Unknown
// or empty names fall back to JSON.
func CodecFor(subprotocol string) Codec {
	for _, c := range Codecs() {
		if c.Name() == subprotocol {
			return c
		}
	}
	return JSON
}

func envelope(ev Event) (outbound, error) {
	if ev.IsZero() {
		return outbound{}, ErrZeroEvent
	}
	return outbound{Event: WireName(ev.Kind()), Data: ev.Payload()}, nil
}

func validateChat(in inbound, at time.Time) (Event, error) {
	if in.Event != MessageEvent {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, in.Event)
	}
	// The body is relayed verbatim; only an empty one is refused.
	msg := in.Data.Message
	if msg == "" {
		return Event{}, ErrEmptyMessage
	}
	user := strings.TrimSpace(in.Data.Username)
	if user == "" {
		user = AnonymousUser
	}
	return NewChat(at, user, msg), nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(ev Event) ([]byte, error) {
	env, err := envelope(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (jsonCodec) DecodeChat(frame []byte, at time.Time) (Event, error) {
	var in inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return validateChat(in, at)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Encode(ev Event) ([]byte, error) {
	env, err := envelope(ev)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(env)
}

func (msgpackCodec) DecodeChat(frame []byte, at time.Time) (Event, error) {
	var in inbound
	if err := msgpack.Unmarshal(frame, &in); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return validateChat(in, at)
}
