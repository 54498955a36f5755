package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/bus"
	"github.com/chargeplatform/control-plane/internal/config"
	"github.com/chargeplatform/control-plane/internal/dataaccess"
	"github.com/chargeplatform/control-plane/internal/events"
	"github.com/chargeplatform/control-plane/internal/lifecycle"
	"github.com/chargeplatform/control-plane/internal/logger"
	ocppsession "github.com/chargeplatform/control-plane/internal/ocpp/session"
	"github.com/chargeplatform/control-plane/internal/payment"
	"github.com/chargeplatform/control-plane/internal/reconciler"
	"github.com/chargeplatform/control-plane/internal/registry"
	"github.com/chargeplatform/control-plane/internal/rest"
	"github.com/chargeplatform/control-plane/internal/router"
	"github.com/chargeplatform/control-plane/internal/transport/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if _, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("logger initialized")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	da, err := dataaccess.Open(ctx, cfg.Database)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open data-access gateway")
	}
	log.Info().Msg("data-access gateway initialized")

	b, err := bus.NewRedisBus(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize bus")
	}
	log.Info().Msg("bus initialized")

	publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.UpstreamTopic)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize event publisher")
	}
	log.Info().Msg("event publisher initialized")

	heartbeatTTL := 2*cfg.OCPP.HeartbeatInterval + 30*time.Second
	reg := registry.New(b, cfg.PodID, heartbeatTTL)
	rtr := router.New(b)
	engine := lifecycle.New(da, rtr, reg, cfg.Lifecycle, publisher)
	log.Info().Msg("charging lifecycle engine initialized")

	var provider payment.Provider
	switch cfg.Payment.ProviderKind {
	case "provider-a", "stripe":
		provider = payment.NewStripeProvider(cfg.Payment.ProviderA)
	default:
		provider = payment.NewLocalProvider(cfg.Payment.ProviderB)
	}
	payments := payment.New(da, provider, cfg.Lifecycle, publisher)
	log.Info().Str("provider", provider.Kind()).Msg("payment provider adapter initialized")

	recon := reconciler.New(da, b, cfg.Lifecycle, cfg.PodID)
	reconCtx, reconCancel := context.WithCancel(context.Background())
	go recon.Run(reconCtx)
	log.Info().Msg("reconciler started")

	sessionCfg := ocppsession.DefaultConfig()
	sessionCfg.CallTimeout = cfg.Lifecycle.CallTimeout
	sessionCfg.HeartbeatInterval = cfg.OCPP.HeartbeatInterval
	sessionCfg.BootAccept = cfg.Lifecycle.BootAccept
	sessionCfg.MaxConsecutiveReject = 3

	wsCfg := &websocket.Config{
		ReadBufferSize:           cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:          cfg.WebSocket.WriteBufferSize,
		HandshakeTimeout:         cfg.WebSocket.HandshakeTimeout,
		ReadTimeout:              cfg.Server.ReadTimeout,
		WriteTimeout:             cfg.Server.WriteTimeout,
		PingInterval:             cfg.WebSocket.PingInterval,
		MaxMessageSize:           cfg.WebSocket.MaxMessageSize,
		EnableCompression:        cfg.WebSocket.EnableCompression,
		MaxConnectionsPerProcess: cfg.Lifecycle.MaxSocketsPerProcess,
		CheckOrigin:              cfg.WebSocket.CheckOrigin,
		AllowedOrigins:           cfg.WebSocket.AllowedOrigins,
	}
	wsManager := websocket.NewManager(wsCfg, reg, rtr, da, engine, sessionCfg)
	log.Info().Msg("websocket manager initialized")

	restServer := rest.New(engine, payments, da)

	mainRouter := chi.NewRouter()
	mainRouter.Mount("/", restServer.Router())
	mainRouter.HandleFunc("/ws/{stationID}", func(w http.ResponseWriter, r *http.Request) {
		wsManager.ServeWS(w, r, chi.URLParam(r, "stationID"))
	})
	mainRouter.Get("/health", wsManager.HandleHealthCheck)

	httpServer := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      mainRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("main server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("main server failed")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.GetMetricsAddr(), Handler: metricsMux}
	go func() {
		log.Info().Str("addr", metricsServer.Addr).Msg("metrics server starting")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	log.Info().Msg("control plane started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	reconCancel()

	if err := wsManager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down websocket manager")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down main server")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down metrics server")
	}
	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("error closing event publisher")
	}
	da.Close()

	log.Info().Msg("control plane stopped")
}
