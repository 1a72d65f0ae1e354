package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/app"
	"github.com/ariefcatur/go-checkout-payments/internal/config"
	"github.com/ariefcatur/go-checkout-payments/internal/httpx"
	kafkax "github.com/ariefcatur/go-checkout-payments/internal/kafka"
	"github.com/ariefcatur/go-checkout-payments/internal/telemetry"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.ServiceName)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTel, err := telemetry.Init(ctx, telemetry.Config{Enabled: cfg.OTelEnabled, ServiceName: cfg.ServiceName, Endpoint: cfg.OTelEndpoint})
	if err != nil {
		log.Error("telemetry init", "err", err)
		os.Exit(1)
	}

	// Storage
	backend, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("storage", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	// Redis
	caches := app.OpenCaches(ctx, cfg, log)
	defer caches.Close()

	// Kafka producer: domain events and worker wakes
	deps := app.ServiceDeps{Caches: caches}
	var prod *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start(ctx)
		deps.Events = prod
		deps.Waker = &kafkax.WakePublisher{P: prod, Producer: cfg.ServiceName, Log: log}
	}

	adapters, err := app.Adapters(cfg, log)
	if err != nil {
		log.Error("payment gateways", "err", err)
		os.Exit(1)
	}
	deps.Adapters = adapters

	svc := app.NewServices(cfg, backend, deps, log)
	limiter := httpx.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	router := httpx.NewRouter(*app.HTTPDeps(cfg, backend, svc, caches, limiter, log))

	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Sweep(10 * time.Minute)
			}
		}
	}()

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	// graceful shutdown
	go func() {
		log.Info("HTTP listening", "addr", cfg.HTTPAddr, "providers", adapters.Providers())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	if prod != nil {
		prod.Close() // close inbox, flush and close writer
		cancel()
		prod.WaitClosed()
	}
	if err := shutdownTel(ctx2); err != nil {
		log.Warn("telemetry shutdown", "err", err)
	}
}
