// Package inbox records every received event by id so handlers run once per
// event even though the transport delivers at least once.
package inbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/aether-platform/eventing/pkg/events"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusProcessed  Status = "Processed"
	StatusDiscarded  Status = "Discarded"
)

// Terminal reports whether no further handling will happen.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusDiscarded
}

// Keys of Message.ExtraProperties.
const (
	PropSource  = "source"
	PropSubject = "subject"
	PropSchema  = "schema"
)

const maxLastErrorLen = 1024

// Message is one row of inbox_messages. ID is the producer's event id.
type Message struct {
	ID              string     `gorm:"primaryKey;size:64"`
	EventName       string     `gorm:"size:256;not null"`
	EventData       []byte     `gorm:"not null"`
	Status          Status     `gorm:"size:16;not null;index:idx_inbox_messages_queue,priority:1;index:idx_inbox_messages_cleanup,priority:1"`
	CreatedAt       time.Time  `gorm:"not null"`
	HandledTime     *time.Time `gorm:"index:idx_inbox_messages_cleanup,priority:2"`
	RetryCount      int        `gorm:"not null;default:0"`
	NextRetryTime   *time.Time `gorm:"index:idx_inbox_messages_queue,priority:3"`
	LockOwner       *string    `gorm:"size:128"`
	LockExpiry      *time.Time `gorm:"index:idx_inbox_messages_queue,priority:2"`
	LastError       *string
	ExtraProperties datatypes.JSONMap
}

func (Message) TableName() string { return "inbox_messages" }

// NewMessage records a received envelope as pending.
func NewMessage(env events.Envelope) (*Message, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	props := datatypes.JSONMap{PropSource: env.Source}
	if env.Subject != "" {
		props[PropSubject] = env.Subject
	}
	if env.Schema != "" {
		props[PropSchema] = env.Schema
	}
	return &Message{
		ID:              env.ID,
		EventName:       env.Type,
		EventData:       data,
		Status:          StatusPending,
		ExtraProperties: props,
	}, nil
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
