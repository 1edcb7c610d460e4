// Digby server: exposes health checks and observability over an embedded
// copy-on-write B+tree store. The real storage API binding is out of
// scope (see SPEC_FULL.md §10.3) — this binary only carries the ambient
// operator surface: health/reflection, metrics, and pprof.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/markmckeown/digby/internal/logger"
	"github.com/markmckeown/digby/internal/metrics"
	"github.com/markmckeown/digby/internal/server"
	"github.com/markmckeown/digby/pkg/digby"
)

var (
	port       = flag.Int("port", 50051, "gRPC health/reflection port")
	obsPort    = flag.Int("obs-port", 9090, "Observability HTTP port (/metrics, /health, /ready, pprof)")
	dbPath     = flag.String("db", "digby.db", "Database file path")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logPretty  = flag.Bool("log-pretty", false, "Pretty-print logs for local development")
	verifyOnly = flag.Bool("verify", false, "Verify the database's integrity and exit")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: *logLevel, Pretty: *logPretty})
	log := logger.GetGlobalLogger()
	m := metrics.NewMetrics()

	db, err := digby.Open(*dbPath, digby.Options{Logger: log, Metrics: m})
	if err != nil {
		log.Fatal("failed to open database").Err(err).Send()
		os.Exit(1)
	}
	defer db.Close()

	if *verifyOnly {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := db.Verify(ctx); err != nil {
			log.Fatal("verify failed").Err(err).Send()
			os.Exit(1)
		}
		log.Info("verify passed").Send()
		return
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatal("failed to listen").Err(err).Send()
		os.Exit(1)
	}

	interceptor := server.GrpcMetricsInterceptor(m, log)
	grpcSrv := server.NewServer(db, log, interceptor)

	obs := server.NewObservabilityServer(*obsPort, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("observability server stopped").Err(err).Send()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.LogServerShutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = obs.Shutdown(ctx)
		grpcSrv.Stop()
	}()

	log.LogServerStart(*port, *dbPath)
	log.LogServerReady(*port)
	if err := grpcSrv.GrpcServer().Serve(lis); err != nil && err != grpc.ErrServerStopped {
		log.Fatal("gRPC server failed").Err(err).Send()
		os.Exit(1)
	}
}
