// Package event defines the events pushed to connected clients.
//
// An Event is an immutable tagged union over three kinds: periodic ticks
// produced by the stream endpoint, chat messages relayed by the socket
// gateway, and task results produced by the request handlers. Each kind
// carries its own fixed payload struct; there is no free-form map.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindTick       Kind = "tick"
	KindChat       Kind = "chat"
	KindTaskResult Kind = "task-result"
)

// TimeLayout is the wall-clock format used in every event payload.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t using TimeLayout.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// Tick is the payload of a KindTick event.
type Tick struct {
	Message string
}

// Chat is the payload of a KindChat event.
type Chat struct {
	Username string
	Message  string
}

// TaskResult is the payload of a KindTaskResult event. Error is empty when
// the task succeeded.
type TaskResult struct {
	TaskID  int
	Message string
	Error   string
}

// Event is a timestamped, kind-tagged payload. The zero value is not a
// valid event; use the constructors.
type Event struct {
	at     time.Time
	kind   Kind
	tick   Tick
	chat   Chat
	result TaskResult
}

// NewTick builds a tick carrying the current server time.
func NewTick(at time.Time) Event {
	return Event{
		at:   at,
		kind: KindTick,
		tick: Tick{Message: "Server time update: " + FormatTime(at)},
	}
}

// NewChat builds a chat event as relayed to every connection.
func NewChat(at time.Time, username, message string) Event {
	return Event{
		at:   at,
		kind: KindChat,
		chat: Chat{Username: username, Message: message},
	}
}

// NewTaskResult builds the result event for task id. A non-nil err marks
// the result as failed.
func NewTaskResult(at time.Time, id int, err error) Event {
	r := TaskResult{TaskID: id}
	if err != nil {
		r.Message = fmt.Sprintf("Task %d failed", id)
		r.Error = err.Error()
	} else {
		r.Message = fmt.Sprintf("Task %d has been processed", id)
	}
	return Event{at: at, kind: KindTaskResult, result: r}
}

// Time returns the moment the event was constructed.
func (e Event) Time() time.Time { return e.at }

// Kind returns the event's tag.
func (e Event) Kind() Kind { return e.kind }

// Tick returns the tick payload and whether the event is a tick.
func (e Event) Tick() (Tick, bool) { return e.tick, e.kind == KindTick }

// Chat returns the chat payload and whether the event is a chat message.
func (e Event) Chat() (Chat, bool) { return e.chat, e.kind == KindChat }

// TaskResult returns the task-result payload and whether the event is one.
func (e Event) TaskResult() (TaskResult, bool) { return e.result, e.kind == KindTaskResult }

// IsZero reports whether e was never constructed.
func (e Event) IsZero() bool { return e.kind == "" }

type tickWire struct {
	Time    string `json:"time" msgpack:"time"`
	Message string `json:"message" msgpack:"message"`
}

type chatWire struct {
	Time     string `json:"time" msgpack:"time"`
	Username string `json:"username" msgpack:"username"`
	Message  string `json:"message" msgpack:"message"`
}

type taskResultWire struct {
	TaskID  int    `json:"task_id" msgpack:"task_id"`
	Time    string `json:"time" msgpack:"time"`
	Message string `json:"message" msgpack:"message"`
	Error   string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Payload returns the flat wire representation of the event.
func (e Event) Payload() any {
	ts := FormatTime(e.at)
	switch e.kind {
	case KindTick:
		return tickWire{Time: ts, Message: e.tick.Message}
	case KindChat:
		return chatWire{Time: ts, Username: e.chat.Username, Message: e.chat.Message}
	case KindTaskResult:
		return taskResultWire{
			TaskID:  e.result.TaskID,
			Time:    ts,
			Message: e.result.Message,
			Error:   e.result.Error,
		}
	default:
		return nil
	}
}

// MarshalJSON encodes the event as its flat payload.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.IsZero() {
		return nil, ErrZeroEvent
	}
	return json.Marshal(e.Payload())
}

// String is used in logs.
func (e Event) String() string {
	return fmt.Sprintf("%s@%s", e.kind, FormatTime(e.at))
}
