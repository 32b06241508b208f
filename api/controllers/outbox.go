package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aether-platform/eventing/api/responses"
	"github.com/aether-platform/eventing/api/validators"
	pkgerrors "github.com/aether-platform/eventing/pkg/errors"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/outbox"
	"github.com/aether-platform/eventing/pkg/uow"
)

const (
	defaultExhaustedLimit = 50
	maxExhaustedLimit     = 500
)

type outboxAdminRepository interface {
	ListExhausted(ctx context.Context, maxRetryCount, limit int) ([]outbox.Message, error)
	Requeue(ctx context.Context, id string) error
}

type scopeRunner interface {
	Run(ctx context.Context, opts uow.Options, fn func(ctx context.Context) error) error
}

type exhaustedMessage struct {
	ID          string     `json:"id"`
	EventName   string     `json:"event_name"`
	CreatedAt   time.Time  `json:"created_at"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// AdminOutboxExhausted lists outbox messages that ran out of retries.
func AdminOutboxExhausted(repo outboxAdminRepository, maxRetryCount int, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "outbox repository unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", defaultExhaustedLimit, 1, maxExhaustedLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		msgs, err := repo.ListExhausted(r.Context(), maxRetryCount, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list exhausted messages"))
			return
		}

		out := make([]exhaustedMessage, 0, len(msgs))
		for _, msg := range msgs {
			out = append(out, exhaustedMessage{
				ID:          msg.ID,
				EventName:   msg.EventName,
				CreatedAt:   msg.CreatedAt,
				RetryCount:  msg.RetryCount,
				LastError:   msg.LastError,
				NextRetryAt: msg.NextRetryAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}

// AdminOutboxRequeue resets the retry budget of one message.
func AdminOutboxRequeue(repo outboxAdminRepository, runner scopeRunner, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil || runner == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "outbox repository unavailable"))
			return
		}

		id := chi.URLParam(r, "messageID")
		if id == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "message id required"))
			return
		}

		opts := uow.Options{Name: "outbox.requeue", Scope: uow.Required, IsTransactional: true}
		err := runner.Run(r.Context(), opts, func(ctx context.Context) error {
			return repo.Requeue(ctx, id)
		})
		switch {
		case errors.Is(err, outbox.ErrNotFound):
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "pending outbox message not found"))
			return
		case err != nil:
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "requeue message"))
			return
		}
		responses.WriteSuccess(w, map[string]string{"id": id, "status": "requeued"})
	}
}
