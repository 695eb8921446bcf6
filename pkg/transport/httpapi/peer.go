package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/mgudmund/cloudstate/pkg/config"
	"github.com/mgudmund/cloudstate/pkg/protocol"
	"github.com/mgudmund/cloudstate/pkg/replication"
)

// PeerTransport sends replication envelopes to peers over HTTP. Each peer
// has its own circuit breaker, so one dead node does not slow down the
// others.
type PeerTransport struct {
	client   *http.Client
	peers    []string
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	logger   *slog.Logger
}

// NewPeerTransport creates a transport for the configured peer base URLs.
func NewPeerTransport(cfg config.ReplicationConfig, logger *slog.Logger) *PeerTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &PeerTransport{
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}], len(cfg.Peers)),
		logger:   logger,
	}
	for _, peer := range cfg.Peers {
		peer = strings.TrimRight(peer, "/")
		t.peers = append(t.peers, peer)
		t.breakers[peer] = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:         peer,
			MaxRequests:  cfg.CircuitBreaker.HalfOpenLimit,
			Timeout:      cfg.CircuitBreaker.Timeout,
			IsSuccessful: breakerSuccess,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.CircuitBreaker.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					slog.String("peer", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		})
	}
	return t
}

func (t *PeerTransport) Peers() []string { return t.peers }

// Send posts env to peer's replicate route.
func (t *PeerTransport) Send(ctx context.Context, peer string, env protocol.Envelope) error {
	cb, ok := t.breakers[peer]
	if !ok {
		return fmt.Errorf("%w: %s is not configured", replication.ErrPeerUnreachable, peer)
	}
	body, err := protocol.Marshal(env)
	if err != nil {
		return err
	}

	_, err = cb.Execute(func() (struct{}, error) {
		return struct{}{}, t.post(ctx, peer, env.Kind, body)
	})
	return err
}

func (t *PeerTransport) post(ctx context.Context, peer string, kind protocol.Kind, body []byte) error {
	ctx, span := otel.GetTracerProvider().Tracer("httpapi").Start(ctx, "replicate "+kind.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("peer", peer)),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/v1/replicate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %s: %v", replication.ErrPeerUnreachable, peer, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &StatusError{Peer: peer, Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// State reports the breaker state of peer.
func (t *PeerTransport) State(peer string) gobreaker.State {
	cb, ok := t.breakers[peer]
	if !ok {
		return gobreaker.StateOpen
	}
	return cb.State()
}

// StatusError is a non-2xx answer from a peer.
type StatusError struct {
	Peer    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer %s answered %d: %s", e.Peer, e.Code, e.Message)
}

// breakerSuccess counts a peer that rejected a message as healthy. Only
// transport failures and server errors trip the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Code < http.StatusInternalServerError
}
