package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jordanhubbard/tripdesk/internal/api"
	"github.com/jordanhubbard/tripdesk/internal/engine"
	"github.com/jordanhubbard/tripdesk/internal/telemetry"
	"github.com/jordanhubbard/tripdesk/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tripdesk v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(context.Background(),
			cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, cfg.Telemetry.Environment)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Initialize(runCtx); err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}

	apiServer := api.NewServer(eng, cfg, eng.GetMetrics())
	handler := otelhttp.NewHandler(apiServer.SetupRoutes(), "tripdesk-http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("tripdesk API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// gRPC health service for orchestrators that probe over gRPC
	var grpcSrv *grpc.Server
	healthSrv := health.NewServer()
	if cfg.Server.GRPCPort > 0 {
		grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			log.Printf("Warning: failed to start gRPC listener on :%d: %v", cfg.Server.GRPCPort, err)
		} else {
			grpcSrv = grpc.NewServer()
			healthpb.RegisterHealthServer(grpcSrv, healthSrv)
			log.Printf("gRPC health service listening on :%d", cfg.Server.GRPCPort)
			go func() {
				if err := grpcSrv.Serve(grpcListener); err != nil {
					log.Printf("gRPC server stopped: %v", err)
				}
			}()
			go watchHealth(runCtx, eng, healthSrv)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)
	healthSrv.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	eng.Shutdown(shutdownCtx)
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && path == "config.yaml" {
		log.Printf("No config.yaml found, using defaults")
		return config.DefaultConfig(), nil
	}
	return nil, err
}

// watchHealth mirrors engine health into the gRPC health service
func watchHealth(ctx context.Context, eng *engine.Engine, srv *health.Server) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if !eng.Healthy(ctx) {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", status)
		srv.SetServingStatus("tripdesk", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
