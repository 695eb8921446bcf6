// Package httpapi exposes an entity node over HTTP and replicates to peers
// over HTTP.
//
// Protocol routes take and return msgpack-encoded protocol.Envelope bodies:
//
//	POST /v1/init        Init          -> InitReply
//	POST /v1/commands    Command       -> CommandResult
//	POST /v1/replicate   DeltaUpdate | StateSnapshot | Deleted | SyncRequest
//
// A plain route serves clients that only need the reply payload:
//
//	POST /v1/entities/{id}/{command}   body is the payload, reply payload is returned
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/entity"
	"github.com/mgudmund/cloudstate/pkg/protocol"
	"github.com/mgudmund/cloudstate/pkg/replication"
)

const (
	contentType     = "application/msgpack"
	maxBodyBytes    = 4 << 20
	headerAction    = "X-Client-Action"
	headerTarget    = "X-Forward-Target"
	headerForwardTo = "X-Forward-Command"
	headerCommandID = "X-Command-Id"
)

type api struct {
	rt             *entity.Runtime
	engine         *replication.Engine
	logger         *slog.Logger
	commandTimeout time.Duration
}

// RouterOption configures NewRouter.
type RouterOption func(*api)

// WithCommandTimeout bounds how long a command request waits for its result.
func WithCommandTimeout(d time.Duration) RouterOption {
	return func(a *api) {
		a.commandTimeout = d
	}
}

// NewRouter creates the node's HTTP handler.
func NewRouter(rt *entity.Runtime, engine *replication.Engine, logger *slog.Logger, opts ...RouterOption) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &api{rt: rt, engine: engine, logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/init", a.init)
		r.Post("/replicate", a.replicate)
		r.Group(func(r chi.Router) {
			if a.commandTimeout > 0 {
				r.Use(middleware.Timeout(a.commandTimeout))
			}
			r.Post("/commands", a.command)
			r.Post("/entities/{id}/{command}", a.plainCommand)
		})
	})
	return r
}

func (a *api) init(w http.ResponseWriter, r *http.Request) {
	msg, ok := a.readMessage(w, r, protocol.KindInit)
	if !ok {
		return
	}
	reply, err := a.rt.Init(r.Context(), msg.(protocol.Init).EntityID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeMessage(w, *reply)
}

func (a *api) command(w http.ResponseWriter, r *http.Request) {
	msg, ok := a.readMessage(w, r, protocol.KindCommand)
	if !ok {
		return
	}
	res, err := a.rt.Handle(r.Context(), msg.(protocol.Command))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeMessage(w, *res)
}

func (a *api) plainCommand(w http.ResponseWriter, r *http.Request) {
	payload, ok := readBody(w, r)
	if !ok {
		return
	}
	var err error
	var commandID int64
	if raw := r.Header.Get(headerCommandID); raw != "" {
		if commandID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			http.Error(w, "invalid "+headerCommandID, http.StatusBadRequest)
			return
		}
	}

	res, err := a.rt.Handle(r.Context(), protocol.Command{
		EntityID:  chi.URLParam(r, "id"),
		CommandID: commandID,
		Name:      chi.URLParam(r, "command"),
		Payload:   payload,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}

	w.Header().Set(headerAction, res.Action.Kind.String())
	w.Header().Set("X-Entity-Version", strconv.FormatUint(res.Version, 10))
	switch res.Action.Kind {
	case protocol.ActionReply:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Action.Payload)
	case protocol.ActionForward:
		w.Header().Set(headerTarget, res.Action.Target)
		w.Header().Set(headerForwardTo, res.Action.Command)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(res.Action.Payload)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *api) replicate(w http.ResponseWriter, r *http.Request) {
	env, ok := a.readEnvelope(w, r)
	if !ok {
		return
	}
	if err := a.engine.Handle(r.Context(), env); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) readEnvelope(w http.ResponseWriter, r *http.Request) (protocol.Envelope, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return protocol.Envelope{}, false
	}
	env, err := protocol.Unmarshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return protocol.Envelope{}, false
	}
	return env, true
}

// readBody reads the request body, answering 413 when it exceeds
// maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (a *api) readMessage(w http.ResponseWriter, r *http.Request, want protocol.Kind) (protocol.Message, bool) {
	env, ok := a.readEnvelope(w, r)
	if !ok {
		return nil, false
	}
	if env.Kind != want {
		http.Error(w, "expected "+want.String()+", got "+env.Kind.String(), http.StatusBadRequest)
		return nil, false
	}
	msg, err := env.Open()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return msg, true
}

func (a *api) writeMessage(w http.ResponseWriter, msg protocol.Message) {
	data, err := protocol.Encode("", msg)
	if err != nil {
		a.logger.Error("failed to encode response", slog.Any("error", err))
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
	}
	http.Error(w, err.Error(), status)
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	// The command itself succeeded; only its synchronous effects failed.
	var effErr *entity.EffectError
	if errors.As(err, &effErr) {
		return http.StatusBadGateway
	}

	switch {
	case errors.Is(err, entity.ErrEntityDeleted):
		return http.StatusGone
	case errors.Is(err, entity.ErrAlreadyCreated), errors.Is(err, entity.ErrConflictingAction):
		return http.StatusConflict
	case errors.Is(err, entity.ErrUnknownCommand), errors.Is(err, entity.ErrNotCreated):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrMailboxFull):
		return http.StatusTooManyRequests
	case errors.Is(err, entity.ErrRuntimeClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, crdt.ErrUnmergeable), errors.Is(err, crdt.ErrInvalidData),
		errors.Is(err, protocol.ErrUnknownKind), errors.Is(err, replication.ErrUnexpectedMessage):
		return http.StatusUnprocessableEntity
	}
	var cmdErr *entity.CommandError
	if errors.As(err, &cmdErr) {
		var panicErr *entity.PanicError
		if errors.As(err, &panicErr) {
			return http.StatusInternalServerError
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
