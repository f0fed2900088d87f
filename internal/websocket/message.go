package websocket

import (
	"time"

	"github.com/google/uuid"

	"github.com/jrjohn/engage-cloud-go/internal/jobs/worker"
)

// MessageType represents the type of a stream message
type MessageType string

const (
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeError       MessageType = "error"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeAck         MessageType = "ack"
)

// Message is one frame of the job event stream. Queue doubles as the room
// a client subscribes to.
type Message struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Event     string      `json:"event,omitempty"`
	Queue     string      `json:"queue,omitempty"`
	Data      any         `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobEvent is the payload of a job lifecycle message
type JobEvent struct {
	JobID        string `json:"job_id"`
	JobName      string `json:"job_name,omitempty"`
	AttemptsMade int    `json:"attempts_made,omitempty"`
	Result       any    `json:"result,omitempty"`
	Progress     any    `json:"progress,omitempty"`
	Error        string `json:"error,omitempty"`
	WillRetry    bool   `json:"will_retry,omitempty"`
}

// NewEventMessage converts a worker pool event
func NewEventMessage(ev worker.Event) *Message {
	data := JobEvent{
		JobID:     ev.JobID,
		Result:    ev.Result,
		Progress:  ev.Progress,
		WillRetry: ev.WillRetry,
	}
	if ev.Job != nil {
		data.JobName = ev.Job.Name
		data.AttemptsMade = ev.Job.AttemptsMade
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeEvent,
		Event:     string(ev.Type),
		Queue:     ev.Queue,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func newAck(action, queue string) *Message {
	return &Message{
		Type:      MessageTypeAck,
		Queue:     queue,
		Data:      map[string]string{"action": action},
		Timestamp: time.Now().UTC(),
	}
}
