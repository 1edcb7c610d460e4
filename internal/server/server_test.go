// Integration tests for Digby's gRPC health/reflection server
package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/markmckeown/digby/internal/logger"
	"github.com/markmckeown/digby/pkg/digby"
)

const bufSize = 1024 * 1024

func setupTestServer(t *testing.T) (*Server, healthpb.HealthClient, func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "digby.db")
	db, err := digby.Open(dbPath, digby.Options{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	srv := NewServer(db, logger.GetGlobalLogger(), nil)

	lis := bufconn.Listen(bufSize)
	go func() {
		_ = srv.GrpcServer().Serve(lis)
	}()

	bufDialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}
	ctx := context.Background()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(bufDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial bufnet: %v", err)
	}

	client := healthpb.NewHealthClient(conn)

	cleanup := func() {
		_ = conn.Close()
		srv.Stop()
		_ = db.Close()
	}

	return srv, client, cleanup
}

func TestHealthCheckServing(t *testing.T) {
	_, client, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.Status)
	}
}

func TestHealthCheckReflectsSetServing(t *testing.T) {
	srv, client, cleanup := setupTestServer(t)
	defer cleanup()

	srv.SetServing(false)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.Status)
	}

	srv.SetServing(true)

	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING after recovery, got %v", resp.Status)
	}
}

func TestHealthWatch(t *testing.T) {
	_, client, cleanup := setupTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.Status)
	}
}
