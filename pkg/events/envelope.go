package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const ContentTypeJSON = "application/json"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the CloudEvents-shaped wire wrapper. Schema carries the tenant
// schema across the broker boundary.
type Envelope struct {
	Type            string          `json:"type" validate:"required"`
	Source          string          `json:"source" validate:"required"`
	Subject         string          `json:"subject,omitempty"`
	ID              string          `json:"id" validate:"required"`
	Time            time.Time       `json:"time" validate:"required"`
	DataContentType string          `json:"datacontenttype" validate:"required"`
	Schema          string          `json:"schema,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// NewEnvelope wraps evt for the wire. Data that is already raw JSON is kept
// as is.
func NewEnvelope(evt DomainEvent, source, schema string) (Envelope, error) {
	var data json.RawMessage
	switch v := evt.Data.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = json.RawMessage(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", evt.Name, err)
		}
		data = encoded
	}

	occurred := evt.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	env := Envelope{
		Type:            evt.Name,
		Source:          source,
		Subject:         evt.Subject,
		ID:              evt.ID,
		Time:            occurred.UTC(),
		DataContentType: ContentTypeJSON,
		Schema:          schema,
		Data:            data,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the required CloudEvent attributes.
func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a wire envelope. Malformed input is
// never retryable.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, NewNonRetryableError(err)
	}
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Envelope{}, NewNonRetryableError(fmt.Errorf("payload missing for %s", env.Type))
	}
	return env, nil
}
