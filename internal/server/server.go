// Package server implements Digby's operator-facing gRPC transport surface:
// a standard health-check service plus reflection, not a bespoke storage
// API (spec scopes the real client binding out — see SPEC_FULL.md §10.3).
package server

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/markmckeown/digby/internal/logger"
	"github.com/markmckeown/digby/pkg/digby"
)

// Server registers a grpc.health.v1.Health service alongside a live
// Database. The reported status is not derived from the database: it is
// SERVING from construction and changes only when SetServing is called.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	db         *digby.Database
	log        *logger.Logger

	mu sync.Mutex
}

// NewServer builds a gRPC server registering health and reflection
// against db. The caller still owns db's lifecycle — closing the
// gRPC server does not close the database.
func NewServer(db *digby.Database, log *logger.Logger, interceptor grpc.UnaryServerInterceptor) *Server {
	var opts []grpc.ServerOption
	if interceptor != nil {
		opts = append(opts, grpc.UnaryInterceptor(interceptor))
	}
	grpcServer := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	s := &Server{grpcServer: grpcServer, health: healthServer, db: db, log: log}
	s.SetServing(true)
	return s
}

// SetServing updates the health service's overall status. Nothing in the
// server or the database calls it on its own; a commit or Verify error
// does not change the status.
func (s *Server) SetServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}

// GrpcServer exposes the underlying *grpc.Server for callers that need
// to Serve it on a net.Listener.
func (s *Server) GrpcServer() *grpc.Server { return s.grpcServer }

// Stop gracefully stops the gRPC server without touching the database.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
