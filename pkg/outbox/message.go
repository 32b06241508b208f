// Package outbox is the durable queue of events that were committed with
// the data they describe but not yet published.
package outbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aether-platform/eventing/pkg/events"
	"gorm.io/datatypes"
)

// Keys of Message.ExtraProperties.
const (
	PropTopic      = "topic"
	PropPubSubName = "pubsub_name"
	PropSchema     = "schema"
	PropSource     = "source"
	PropVersion    = "version"
)

const maxLastErrorLen = 1024

// Message is one row of outbox_messages. EventData holds the encoded
// envelope exactly as it goes on the wire.
type Message struct {
	ID              string            `gorm:"primaryKey;size:64"`
	EventName       string            `gorm:"size:256;not null"`
	EventData       []byte            `gorm:"not null"`
	CreatedAt       time.Time         `gorm:"not null"`
	ProcessedAt     *time.Time        `gorm:"index:idx_outbox_messages_queue,priority:1"`
	RetryCount      int               `gorm:"not null;default:0"`
	LastError       *string
	NextRetryAt     *time.Time        `gorm:"index:idx_outbox_messages_queue,priority:3"`
	LockOwner       *string           `gorm:"size:128"`
	LockExpiry      *time.Time        `gorm:"index:idx_outbox_messages_queue,priority:2"`
	ExtraProperties datatypes.JSONMap
}

func (Message) TableName() string { return "outbox_messages" }

// NewMessage encodes env for storage, carrying the routing metadata of desc.
func NewMessage(env events.Envelope, desc events.Descriptor) (*Message, error) {
	if env.ID == "" {
		return nil, errors.New("envelope id is required")
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	props := datatypes.JSONMap{
		PropTopic:      desc.Topic,
		PropPubSubName: desc.PubSubName,
		PropSource:     env.Source,
		PropVersion:    desc.Version,
	}
	if env.Schema != "" {
		props[PropSchema] = env.Schema
	}
	return &Message{
		ID:              env.ID,
		EventName:       env.Type,
		EventData:       data,
		ExtraProperties: props,
	}, nil
}

// Topic returns the stored destination topic.
func (m Message) Topic() string { return m.prop(PropTopic) }

func (m Message) PubSubName() string { return m.prop(PropPubSubName) }

func (m Message) Schema() string { return m.prop(PropSchema) }

func (m Message) prop(key string) string {
	v, ok := m.ExtraProperties[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Pending reports whether the message still waits for a successful publish.
func (m Message) Pending() bool { return m.ProcessedAt == nil }

// Exhausted reports whether automatic retries gave up on the message.
func (m Message) Exhausted(maxRetryCount int) bool {
	return m.Pending() && maxRetryCount > 0 && m.RetryCount >= maxRetryCount
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if len(msg) > maxLastErrorLen {
		return msg[:maxLastErrorLen]
	}
	return msg
}
