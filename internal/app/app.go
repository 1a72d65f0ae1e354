// Package app wires configuration into the stores, caches and services the
// binaries share.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/checkout"
	"github.com/ariefcatur/go-checkout-payments/internal/config"
	"github.com/ariefcatur/go-checkout-payments/internal/dynamo"
	"github.com/ariefcatur/go-checkout-payments/internal/fulfillment"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/httpx"
	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/memstore"
	"github.com/ariefcatur/go-checkout-payments/internal/notify"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/ariefcatur/go-checkout-payments/internal/postgres"
	"github.com/ariefcatur/go-checkout-payments/internal/redisx"
	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
)

// Store is what one storage backend provides.
type Store interface {
	cart.Catalog
	payments.IntentStore
	payments.RecordStore
	inventory.Store
	jobs.Queue
	orders.Store
}

type Backend struct {
	Store Store
	// Records is Store unless verification records live in DynamoDB.
	Records payments.RecordStore
	ForUser func(userID string) httpx.UserData
	Archive *dynamo.VerificationArchive

	closers []func()
}

func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// Open connects the configured storage and audit backends. The Postgres
// schema and the DynamoDB table are created when missing.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*Backend, error) {
	b := &Backend{}
	switch cfg.StorageBackend {
	case BackendMemory:
		s := memstore.New()
		b.Store = s
		b.ForUser = func(id string) httpx.UserData { return s.ForUser(id) }
	case BackendPostgres:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			b.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		s := &postgres.Store{DB: db}
		b.Store = s
		b.ForUser = func(id string) httpx.UserData { return s.ForUser(id) }
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	b.Records = b.Store

	switch cfg.AuditBackend {
	case "", BackendPostgres:
	case BackendDynamo:
		ddb, err := dynamo.Connect(ctx, cfg.AWSRegion, cfg.DynamoEndpoint)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("dynamodb: %w", err)
		}
		a := dynamo.NewVerificationArchive(ddb, cfg.VerificationTable)
		if err := a.EnsureTable(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("dynamodb table: %w", err)
		}
		b.Archive = a
		b.Records = a
	default:
		b.Close()
		return nil, fmt.Errorf("unknown AUDIT_BACKEND %q", cfg.AuditBackend)
	}
	log.Info("storage ready", "storage", cfg.StorageBackend, "audit", cfg.AuditBackend)
	return b, nil
}

// Adapters builds every gateway that has credentials. Unconfigured gateways
// are left out and checkout rejects them as unsupported.
func Adapters(cfg config.Config, log *slog.Logger) (*gateway.Registry, error) {
	var list []gateway.Adapter
	add := func(p gateway.Provider, a gateway.Adapter, err error) error {
		if errors.Is(err, gateway.ErrNotConfigured) {
			log.Warn("payment gateway disabled", "provider", p)
			return nil
		}
		if err != nil {
			return err
		}
		list = append(list, a)
		return nil
	}

	es, err := gateway.NewEsewa(gateway.EsewaOptions{
		ProductCode: cfg.Esewa.ProductCode,
		SecretKey:   gateway.Secret(cfg.Esewa.SecretKey),
		FormURL:     cfg.Esewa.FormURL,
		StatusURL:   cfg.Esewa.StatusURL,
	}, log)
	if err := add(gateway.ProviderEsewa, es, err); err != nil {
		return nil, err
	}
	kh, err := gateway.NewKhalti(gateway.KhaltiOptions{
		SecretKey: gateway.Secret(cfg.Khalti.SecretKey),
		BaseURL:   cfg.Khalti.BaseURL,
	}, log)
	if err := add(gateway.ProviderKhalti, kh, err); err != nil {
		return nil, err
	}
	np, err := gateway.NewNPS(gateway.NPSOptions{
		MerchantID:   cfg.NPS.MerchantID,
		MerchantName: cfg.NPS.MerchantName,
		APIUsername:  cfg.NPS.APIUsername,
		APIPassword:  gateway.Secret(cfg.NPS.APIPassword),
		SecretKey:    gateway.Secret(cfg.NPS.SecretKey),
		APIURL:       cfg.NPS.APIURL,
		GatewayURL:   cfg.NPS.GatewayURL,
	}, log)
	if err := add(gateway.ProviderNPS, np, err); err != nil {
		return nil, err
	}
	return gateway.NewRegistry(list...), nil
}

// Caches are all nil when REDIS_ADDR is empty.
type Caches struct {
	Client       *redis.Client
	Verification payments.ResultCache
	Orders       *redisx.OrderCache
	Dedup        *redisx.Dedup
}

func OpenCaches(ctx context.Context, cfg config.Config, log *slog.Logger) *Caches {
	if cfg.RedisAddr == "" {
		return &Caches{}
	}
	rdb := redisx.New(cfg.RedisAddr)
	if err := redisx.Ping(ctx, rdb); err != nil {
		// every cache treats an outage as a miss
		log.Warn("redis unreachable, caches degrade to misses", "addr", cfg.RedisAddr, "err", err)
	}
	return &Caches{
		Client:       rdb,
		Verification: &redisx.VerificationCache{KV: rdb, Log: log},
		Orders:       &redisx.OrderCache{KV: rdb},
		Dedup:        &redisx.Dedup{KV: rdb, Service: cfg.ServiceName},
	}
}

func (c *Caches) Close() {
	if c.Client != nil {
		_ = c.Client.Close()
	}
}

// Services is the domain layer on top of one Backend.
type Services struct {
	Ledger      *inventory.Ledger
	Checkout    *checkout.Orchestrator
	Verifier    *payments.Verifier
	Fulfillment *fulfillment.Service
	Worker      *jobs.Worker
	Expirer     *payments.Expirer
}

// ServiceDeps are the optional collaborators of NewServices. Nil fields are
// skipped.
type ServiceDeps struct {
	Adapters *gateway.Registry
	Caches   *Caches
	Events   orders.Publisher
	Waker    jobs.Waker
}

func NewServices(cfg config.Config, b *Backend, d ServiceDeps, log *slog.Logger) *Services {
	ledger := inventory.NewLedger(b.Store, 0, log)

	var (
		results payments.ResultCache
		status  fulfillment.StatusCache
	)
	if d.Caches != nil && d.Caches.Client != nil {
		results = d.Caches.Verification
		status = d.Caches.Orders
	}
	var notifier notify.Notifier = notify.Log{L: log}
	if d.Events != nil {
		notifier = notify.Events{Pub: d.Events, Producer: cfg.ServiceName}
	}
	if d.Adapters == nil {
		d.Adapters = gateway.NewRegistry()
	}

	s := &Services{Ledger: ledger}
	s.Checkout = checkout.New(checkout.Deps{
		Adapters:        d.Adapters,
		Catalog:         b.Store,
		Intents:         b.Store,
		Ledger:          ledger,
		Jobs:            b.Store,
		Waker:           d.Waker,
		Pricing:         checkout.FlatPricing{ShippingCents: cfg.ShippingFlatCents, TaxBasisPoints: cfg.TaxBasisPoints},
		IntentTTL:       cfg.IntentTTL,
		PublicBaseURL:   cfg.PublicBaseURL,
		FrontendBaseURL: cfg.FrontendBaseURL,
		MaxAttempts:     cfg.JobMaxAttempts,
		Log:             log,
	})
	s.Verifier = payments.NewVerifier(payments.VerifierDeps{
		Adapters:    d.Adapters,
		Intents:     b.Store,
		Records:     b.Records,
		Jobs:        b.Store,
		Cache:       results,
		Waker:       d.Waker,
		Holds:       ledger,
		Log:         log,
		MaxAttempts: cfg.JobMaxAttempts,
	})
	s.Fulfillment = fulfillment.New(fulfillment.Deps{
		Intents:       b.Store,
		Orders:        b.Store,
		Ledger:        ledger,
		Jobs:          b.Store,
		Notifier:      notifier,
		Events:        d.Events,
		Cache:         status,
		CommitRetries: fulfillment.DefaultCommitRetries,
		MaxAttempts:   cfg.JobMaxAttempts,
		Producer:      cfg.ServiceName,
		Log:           log,
	})
	s.Worker = jobs.NewWorker(b.Store, cfg.WorkerID, cfg.WorkerLease, s.Fulfillment.Handlers(), log)
	s.Worker.OnFailed = s.Fulfillment.OnFailed
	s.Expirer = &payments.Expirer{Intents: b.Store, Holds: ledger, Log: log}
	return s
}

// HTTPDeps assembles the router dependencies for s.
func HTTPDeps(cfg config.Config, b *Backend, s *Services, c *Caches, limiter *httpx.RateLimiter, log *slog.Logger) *httpx.Deps {
	d := &httpx.Deps{
		Checkout:       s.Checkout,
		Verifier:       s.Verifier,
		Worker:         s.Worker,
		Jobs:           b.Store,
		Orders:         b.Store,
		ForUser:        b.ForUser,
		Auth:           httpx.Auth{JWTSecret: []byte(cfg.JWTSecret), ServiceKey: cfg.ServiceRoleKey},
		Limiter:        limiter,
		WorkerMaxJobs:  cfg.WorkerMaxJobs,
		JobMaxAttempts: cfg.JobMaxAttempts,
		Log:            log,
	}
	if c != nil && c.Client != nil {
		d.Cache = c.Orders
	}
	return d
}
