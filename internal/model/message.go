package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageHeaders identify a published message. They are assigned by the bus
// at publish time; caller-supplied headers are merged into Extra untouched.
type MessageHeaders struct {
	MessageID uuid.UUID         `json:"message_id"`
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Message is one published bus message. Messages are immutable once
// published; the bus hands every subscriber the same value.
type Message struct {
	Headers MessageHeaders  `json:"headers"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage stamps headers onto a payload for the given topic.
func NewMessage(topic string, payload json.RawMessage, extra map[string]string) Message {
	return Message{
		Headers: MessageHeaders{
			MessageID: uuid.New(),
			Topic:     topic,
			Timestamp: time.Now().UTC(),
			Extra:     extra,
		},
		Payload: payload,
	}
}

// ChannelInfo is the public description of a bus channel.
type ChannelInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Subscribers int       `json:"subscribers"`
	HistoryLen  int       `json:"history_len"`
}

// Well-known registry topics published by the hub itself.
const (
	TopicComponentRegistered = "registry.component_registered"
	TopicComponentRemoved    = "registry.component_removed"
)
