package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aether-platform/eventing/api/responses"
	pkgerrors "github.com/aether-platform/eventing/pkg/errors"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/uow"
)

type UnitOfWorkParams struct {
	Manager *uow.Manager
	Logger  *logger.Logger
	// Transactional activates the request slot before the handler runs, so
	// every read joins the request transaction.
	Transactional bool
	Timeout       time.Duration
}

// UnitOfWork reserves a request-scoped unit of work. The first command that
// runs with a Required scope claims the slot; its commit is deferred until
// the handler has produced a successful response. The response is buffered
// so a failed commit can still be reported to the client.
func UnitOfWork(params UnitOfWorkParams) func(http.Handler) http.Handler {
	mgr := params.Manager
	logg := params.Logger
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if params.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, params.Timeout)
				defer cancel()
			}

			ctx, slot := mgr.Prepare(ctx, uow.RequestReservation, false)
			defer slot.Dispose(context.WithoutCancel(ctx))

			if params.Transactional {
				mgr.TryBeginPrepared(ctx, uow.RequestReservation, uow.Options{
					Name:            uow.RequestReservation,
					Scope:           uow.Required,
					IsTransactional: true,
				})
			}

			buf := &bufferedWriter{ResponseWriter: w}
			next.ServeHTTP(buf, r.WithContext(ctx))

			status := defaultStatus(buf.status)
			if slot.Activated() && status < http.StatusBadRequest {
				if err := slot.Commit(ctx); err != nil {
					var dispatchErr *uow.DispatchError
					if !errors.As(err, &dispatchErr) {
						responses.WriteError(ctx, logg, w, commitFailure(err))
						return
					}
					if logg != nil {
						logg.Warn(logg.WithField(ctx, "error", err.Error()), "request.events_pending")
					}
				}
			}
			buf.flush(status)
		})
	}
}

func commitFailure(err error) error {
	if errors.Is(err, uow.ErrAborted) {
		return pkgerrors.Wrap(pkgerrors.CodeAborted, err, "request was aborted by an inner scope")
	}
	var commitErr *uow.CommitError
	if errors.As(err, &commitErr) {
		return pkgerrors.Wrap(pkgerrors.CodeCoordination, err, "commit request").
			WithDetails(map[string]any{"partial": commitErr.Partial()})
	}
	return pkgerrors.Wrap(pkgerrors.CodeCoordination, err, "commit request")
}

// bufferedWriter holds the status and body until the unit of work has been
// resolved. Headers are written straight through since nothing is sent
// before flush.
type bufferedWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) flush(status int) {
	b.ResponseWriter.WriteHeader(status)
	if b.body.Len() > 0 {
		_, _ = b.ResponseWriter.Write(b.body.Bytes())
	}
}
