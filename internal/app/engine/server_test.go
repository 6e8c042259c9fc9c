package engine

import (
	"context"
	"database/sql"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/voicepact/voicepact/internal/confirmation"
	"github.com/voicepact/voicepact/internal/contract/event"
	"github.com/voicepact/voicepact/internal/contract/machine"
	"github.com/voicepact/voicepact/internal/escrow"
)

// TestServeStopsOnContext verifies the server serves and stops on cancel.
func TestServeStopsOnContext(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx)
	}()

	conn := dialServer(t, server.Addr())
	defer conn.Close()

	healthClient := grpc_health_v1.NewHealthClient(conn)
	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	if _, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{}); err != nil {
		t.Fatalf("health check: %v", err)
	}

	cancel()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

// TestHealthCheckReportsServing ensures gRPC health checks report SERVING.
func TestHealthCheckReportsServing(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx)
	}()

	conn := dialServer(t, server.Addr())
	defer conn.Close()

	healthClient := grpc_health_v1.NewHealthClient(conn)
	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	resp, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", resp.GetStatus())
	}

	cancel()
	select {
	case <-serveErr:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

// TestStartupQuarantinesEveryDivergedJournal tampers two contracts'
// journals and checks the startup sweep halts writes on both, not just
// the first it finds.
func TestStartupQuarantinesEveryDivergedJournal(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	store, err := openContractStore(cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, id := range []string{"contract-a", "contract-b"} {
		for i := 0; i < 2; i++ {
			if _, err := store.AppendEvent(ctx, event.Event{
				ContractID:  id,
				Type:        event.TypeStatusChanged,
				ActorType:   event.ActorTypeSystem,
				PayloadJSON: []byte(`{}`),
			}); err != nil {
				t.Fatalf("append %s %d: %v", id, i, err)
			}
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	for _, id := range []string{"contract-a", "contract-b"} {
		if _, err := db.Exec(
			"UPDATE events SET payload_json = ? WHERE contract_id = ? AND seq = ?",
			[]byte(`{"tampered":true}`), id, 1,
		); err != nil {
			t.Fatalf("tamper %s: %v", id, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	server, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.closeStore()
	defer server.listener.Close()

	server.verifyJournals(ctx)

	for _, id := range []string{"contract-a", "contract-b"} {
		if !server.machine.Quarantined(id) {
			t.Fatalf("contract %s not quarantined", id)
		}
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()

	t.Setenv("VOICEPACT_EVENT_HMAC_KEY", "test-root-key")
	return Config{
		Addr:   "127.0.0.1:0",
		DBPath: filepath.Join(t.TempDir(), "voicepact.db"),
		Confirmation: confirmation.Config{
			CodeTTL:     24 * time.Hour,
			MaxAttempts: 3,
		},
		Escrow: escrow.Config{
			MaxAttempts:  3,
			RetryBackoff: time.Millisecond,
		},
		Machine: machine.Config{ReleaseRequiresDelivery: true},
	}
}

func dialServer(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split address %q: %v", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	conn, err := grpc.NewClient(
		net.JoinHostPort(host, port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	return conn
}
