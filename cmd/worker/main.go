package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/app"
	"github.com/ariefcatur/go-checkout-payments/internal/config"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	kafkax "github.com/ariefcatur/go-checkout-payments/internal/kafka"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/telemetry"
	"github.com/joho/godotenv"
)

const expireBatch = 200

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	cfg.ServiceName += "-worker"
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.ServiceName)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTel, err := telemetry.Init(ctx, telemetry.Config{Enabled: cfg.OTelEnabled, ServiceName: cfg.ServiceName, Endpoint: cfg.OTelEndpoint})
	if err != nil {
		log.Error("telemetry init", "err", err)
		os.Exit(1)
	}

	backend, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("storage", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	caches := app.OpenCaches(ctx, cfg, log)
	defer caches.Close()

	deps := app.ServiceDeps{Caches: caches}
	var prod *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start(ctx)
		deps.Events = prod
	}
	// the worker never talks to a gateway; refunds are manual
	svc := app.NewServices(cfg, backend, deps, log)

	wake := jobs.NewSignal()

	// Consumer: payment.verified wakes the worker ahead of its sweep
	if len(cfg.KafkaBrokers) > 0 {
		group := getenv("WORKER_GROUP", "order-worker")
		workers := mustAtoi(os.Getenv("WORKER_CONSUMERS"), "4")
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicPaymentVerified, workers, log)

		handler := kafkax.WakeHandler(wake, caches.Dedup, log)
		go func() {
			log.Info("wake consumer started", "group", group, "topic", orders.TopicPaymentVerified, "workers", workers)
			if err := cons.Start(ctx, handler); err != nil {
				// the sweep still drains the queue
				log.Error("consumer exit", "err", err)
			}
		}()
	}

	// expire abandoned intents and give their stock back
	go func() {
		t := time.NewTicker(cfg.WorkerSweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				n, err := svc.Expirer.ExpireStale(ctx, now, expireBatch)
				if err != nil && ctx.Err() == nil {
					log.Error("expire intents", "err", err)
				}
				if n > 0 {
					log.Info("expired intents", "count", n)
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("order worker started", "worker_id", cfg.WorkerID, "sweep", cfg.WorkerSweepInterval)
		svc.Worker.Run(ctx, wake.C(), cfg.WorkerSweepInterval, cfg.WorkerMaxJobs)
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down worker")
	cancel()
	<-done
	if prod != nil {
		prod.WaitClosed()
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := shutdownTel(ctx2); err != nil {
		log.Warn("telemetry shutdown", "err", err)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
