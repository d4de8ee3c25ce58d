// Package broker provides durable delayed delivery on Redis.
//
// Delayed messages wait in a sorted set scored by their delivery time. A promoter moves due
// messages into the ready stream; cancellations go straight to the cancel stream. Both streams
// are read by one consumer group, so each message is handled by one consumer and stays pending
// until it is acked.
package broker

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindFire   Kind = "fire"
	KindWarn   Kind = "warn"
	KindCancel Kind = "cancel"
)

type Message struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	SubjectID   string          `json:"subject_id"`
	TaskID      string          `json:"task_id"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	DeliverAt   time.Time       `json:"deliver_at"`
	PublishedAt time.Time       `json:"published_at"`
}

// Delivery is a message read from one of the broker streams. It must be acked once handled.
type Delivery struct {
	Stream  string
	ID      string
	Message Message
}
