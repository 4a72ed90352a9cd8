package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-lo-verification/internal/client"
	"github.com/pesio-ai/be-lo-verification/internal/config"
	"github.com/pesio-ai/be-lo-verification/internal/database"
	"github.com/pesio-ai/be-lo-verification/internal/handler"
	"github.com/pesio-ai/be-lo-verification/internal/logger"
	"github.com/pesio-ai/be-lo-verification/internal/metrics"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/repository/memory"
	"github.com/pesio-ai/be-lo-verification/internal/service"
)

// stores bundles the persistence backend selected by store.driver.
type stores struct {
	applications service.ApplicationStore
	records      service.VerificationStore
	health       func(ctx context.Context) error
	close        func()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})

	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Driver).
		Bool("monotonic_amounts", cfg.Pipeline.EnforceMonotonicAmounts).
		Msg("Starting Loan Verification Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.close()

	// Events are optional; without NATS the pipeline runs unchanged.
	var events service.EventPublisher
	if cfg.NATS.URL != "" {
		nc, err := client.Connect(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		events = client.NewEventPublisher(nc, cfg.NATS.SubjectPrefix, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS event publishing enabled")
	}

	m := metrics.New("loan_verification")

	// Initialize services
	drafts := service.NewDraftManager(st.records, log, m, service.DraftOptions{
		MaxTries:       cfg.Pipeline.DraftSaveMaxTries,
		InitialBackoff: cfg.Pipeline.DraftSaveInitialBackoff,
	})
	trail := service.NewAuditTrailBuilder(st.applications, st.records)
	pipeline := service.NewPipelineController(st.applications, st.records, drafts, trail, events, log, m, service.PipelineOptions{
		EnforceMonotonicAmounts: cfg.Pipeline.EnforceMonotonicAmounts,
	})

	// HTTP server
	httpHandler := handler.NewHTTPHandler(pipeline, log, m, handler.HTTPOptions{
		RequestTimeout: cfg.Server.RequestTimeout,
		Health:         st.health,
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryLoggingInterceptor(log.Logger)))
	grpcServer.RegisterService(&handler.VerificationServiceDesc, handler.NewGRPCHandler(pipeline, log.Logger))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.VerificationServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		s := memory.New()
		return &stores{applications: s, records: s, close: func() {}}, nil
	}

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("host", cfg.Database.Host).Msg("Database connection established")

	return &stores{
		applications: repository.NewApplicationRepository(db),
		records:      repository.NewVerificationRepository(db),
		health:       db.Ping,
		close:        db.Close,
	}, nil
}
