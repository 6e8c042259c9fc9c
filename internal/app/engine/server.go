// Package engine hosts the contract lifecycle runtime: storage, the
// confirmation aggregator, the signature verifier, the escrow
// coordinator, the notifier, and the state machine, behind a gRPC
// process surface exposing the standard health service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/voicepact/voicepact/internal/confirmation"
	"github.com/voicepact/voicepact/internal/contract/machine"
	"github.com/voicepact/voicepact/internal/escrow"
	"github.com/voicepact/voicepact/internal/notify"
	"github.com/voicepact/voicepact/internal/signature"
	"github.com/voicepact/voicepact/internal/storage"
	"github.com/voicepact/voicepact/internal/storage/integrity"
	"github.com/voicepact/voicepact/internal/storage/sqlite"
)

// Config holds the engine runtime configuration.
type Config struct {
	Port   int    `env:"VOICEPACT_PORT" envDefault:"8090"`
	Addr   string `env:"VOICEPACT_ADDR"`
	DBPath string `env:"VOICEPACT_DB_PATH"`

	Confirmation confirmation.Config
	Escrow       escrow.Config
	Machine      machine.Config
}

// Server hosts the VoicePact contract engine.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	store      storage.Store
	machine    *machine.Machine
	aggregator *confirmation.Aggregator
}

// New creates a configured engine server listening on the address
// derived from cfg.
func New(cfg Config) (*Server, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	store, err := openContractStore(cfg.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	aggregator, err := confirmation.NewAggregator(store, confirmation.LogSender{}, cfg.Confirmation, nil)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	verifier, err := signature.NewVerifier(store, nil)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	coordinator, err := escrow.NewCoordinator(store, escrow.NewSandboxProvider(), cfg.Escrow, nil, nil)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	stateMachine, err := machine.New(store, aggregator, verifier, coordinator, notify.NewNotifier(), cfg.Machine, nil)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		store:      store,
		machine:    stateMachine,
		aggregator: aggregator,
	}, nil
}

// Addr returns the listener address for the engine server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Machine exposes the state machine for embedding callers.
func (s *Server) Machine() *machine.Machine {
	if s == nil {
		return nil
	}
	return s.machine
}

// Aggregator exposes the confirmation aggregator for embedding callers.
func (s *Server) Aggregator() *confirmation.Aggregator {
	if s == nil {
		return nil
	}
	return s.aggregator
}

// Serve verifies journal integrity, then blocks serving until the
// context ends or the server stops.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeStore()

	s.verifyJournals(ctx)

	log.Printf("engine listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		s.machine.Notifier().Close()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		return handleErr(err)
	case err := <-serveErr:
		return handleErr(err)
	}
}

// verifyJournals recomputes every audit chain at startup. Each diverged
// contract is quarantined so its writes halt; the rest keep serving.
func (s *Server) verifyJournals(ctx context.Context) {
	diverged, err := s.store.VerifyAllChains(ctx)
	if err != nil {
		log.Printf("verify audit chains: %v", err)
		return
	}
	for _, divergence := range diverged {
		log.Printf("audit chain divergence contract_id=%s seq=%d field=%s: contract quarantined",
			divergence.ContractID, divergence.Seq, divergence.Field)
		s.machine.Quarantine(divergence.ContractID)
	}
}

// Run creates and serves an engine server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

func openContractStore(path string) (storage.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "voicepact.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	keyring, err := integrity.KeyringFromEnv()
	if err != nil {
		return nil, err
	}
	store, err := sqlite.Open(path, keyring)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close contract store: %v", err)
	}
}
