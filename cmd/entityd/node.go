package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mgudmund/cloudstate/pkg/config"
	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/entity"
	"github.com/mgudmund/cloudstate/pkg/hlc"
	"github.com/mgudmund/cloudstate/pkg/replication"
	"github.com/mgudmund/cloudstate/pkg/store"
	"github.com/mgudmund/cloudstate/pkg/tombstone"
	"github.com/mgudmund/cloudstate/pkg/transport/httpapi"
)

var replicaIDKey = []byte("meta/replica_id")

// node is one running replica: storage, runtime, replication and the HTTP
// listener.
type node struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	table   *entity.Table
	runtime *entity.Runtime
	engine  *replication.Engine
	server  *httpapi.Server
	handler http.Handler
}

func newNode(cfg *config.Config, logger *slog.Logger, handlers entity.Handlers) (*node, error) {
	opts := []store.BadgerOption{store.WithSyncWrites(!cfg.Node.InMemory)}
	if cfg.Node.InMemory {
		opts = append(opts, store.WithInMemory())
	}
	s, err := store.NewBadgerStore(cfg.Node.DataDir, opts...)
	if err != nil {
		return nil, err
	}

	n, err := assemble(cfg, logger, s, handlers)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return n, nil
}

func assemble(cfg *config.Config, logger *slog.Logger, s store.Store, handlers entity.Handlers) (*node, error) {
	replicaID, err := resolveReplicaID(s, cfg.Node.ReplicaID)
	if err != nil {
		return nil, err
	}
	ledger, err := tombstone.NewStoreLedger(s)
	if err != nil {
		return nil, err
	}

	table := entity.NewTable(
		crdt.Replica{ID: replicaID, Clock: hlc.New()},
		ledger,
		entity.WithStateStore(entity.NewStoreStateStore(s)),
	)

	engine := replication.New(table,
		httpapi.NewPeerTransport(cfg.Replication, logger),
		replication.WithName(advertiseURL(cfg.HTTP)),
		replication.WithSendTimeout(cfg.Replication.RequestTimeout),
		replication.WithLogger(logger),
	)

	rtOpts := []entity.Option{
		entity.WithReplicator(engine),
		entity.WithLocalEffects(),
		entity.WithWorkers(cfg.Runtime.Workers),
		entity.WithMailboxSize(cfg.Runtime.MailboxSize),
		entity.WithLogger(logger),
	}
	rt := entity.NewRuntime(table, handlers, rtOpts...)

	handler := httpapi.NewRouter(rt, engine, logger, httpapi.WithCommandTimeout(cfg.Runtime.CommandTimeout))
	logger.Info("node assembled",
		slog.String("replica_id", replicaID),
		slog.String("advertise_url", engine.Name()),
		slog.Int("peers", len(cfg.Replication.Peers)),
	)
	return &node{
		cfg:     cfg,
		logger:  logger,
		store:   s,
		table:   table,
		runtime: rt,
		engine:  engine,
		server:  httpapi.NewServer(cfg.HTTP, handler, logger),
		handler: handler,
	}, nil
}

// resolveReplicaID returns the configured id, or the one this data directory
// was first started with, or a new one. The result is stored so a restarted
// node keeps writing the same counter and vote slots.
func resolveReplicaID(s store.Store, configured string) (string, error) {
	var id string
	err := s.Update(func(tx store.Tx) error {
		stored, err := tx.Get(replicaIDKey)
		switch {
		case errors.Is(err, store.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			id = string(stored)
		}
		if configured != "" {
			id = configured
		}
		if id == "" {
			id = uuid.NewString()
		}
		if id == string(stored) {
			return nil
		}
		return tx.Set(replicaIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("resolve replica id: %w", err)
	}
	return id, nil
}

func advertiseURL(cfg config.HTTPConfig) string {
	if cfg.AdvertiseURL != "" {
		return strings.TrimRight(cfg.AdvertiseURL, "/")
	}
	host, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return "http://" + cfg.ListenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// start restores persisted entities and asks peers for their state when this
// node has nothing of its own.
func (n *node) start(ctx context.Context) error {
	restored, err := n.table.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore entities: %w", err)
	}
	n.logger.Info("entities restored", slog.Int("count", restored))

	if restored == 0 && len(n.cfg.Replication.Peers) > 0 {
		if err := n.engine.RequestSync(ctx); err != nil {
			n.logger.Warn("initial sync request failed", slog.Any("error", err))
		}
	}
	return nil
}

// run serves until ctx is cancelled or the listener fails, then shuts down.
// The listener is bound before start so that peers answering the initial
// sync request can already reach this node.
func (n *node) run(ctx context.Context) error {
	ln, err := n.server.Listen()
	if err != nil {
		return errors.Join(err, n.close(ctx))
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- n.server.Serve(ln)
	}()

	runErr := n.start(ctx)
	if runErr == nil {
		select {
		case <-ctx.Done():
			n.logger.Info("shutdown requested")
		case err := <-serverErr:
			if err != nil {
				runErr = fmt.Errorf("server failed: %w", err)
			}
			serverErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := n.server.Shutdown(shutdownCtx); err != nil {
		n.logger.Error("server shutdown error", slog.Any("error", err))
	}
	if serverErr != nil {
		<-serverErr
	}
	return errors.Join(runErr, n.close(shutdownCtx))
}

func (n *node) close(ctx context.Context) error {
	var errs []error
	if err := n.runtime.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close runtime: %w", err))
	}
	if err := n.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close replication: %w", err))
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
