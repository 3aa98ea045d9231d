package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/config"
	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/redisclient"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// App holds the wired components shared by the server and the CLI
type App struct {
	Config *config.Config

	Repo     store.Repository
	Cache    store.Invalidator
	Redis    *redisclient.Client
	Producer *broker.Producer
	Events   service.EventPublisher
	Gateway  payment.Gateway
	Signer   *payment.Signer

	Carts      *service.CartService
	Engine     *service.TransactionEngine
	Checkout   *service.CheckoutService
	Reconciler *service.Reconciler

	closers []func() error
	logger  *zap.Logger
}

// New connects the backends selected by cfg and builds the services
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: util.Named("app")}

	base, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Repo = base
	a.Cache = store.NopInvalidator{}

	if cfg.Cache.Enabled {
		a.Redis = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisclient.Options{
			LockTTL:  cfg.Cache.LockTTL,
			LockWait: cfg.Cache.LockWait,
			LockPoll: cfg.Cache.LockPoll,
		})
		a.closers = append(a.closers, a.Redis.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.Redis.Ping(pingCtx); err != nil {
			// reads fall through to the store until Redis is back
			a.logger.Warn("Redis unreachable, serving from the store", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			a.logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
		}
		cancel()

		cached := store.NewCached(base, a.Redis, cfg.Cache.TTL, cfg.Cache.RegenThreshold)
		a.Repo = cached
		a.Cache = cached
	}

	a.Events = broker.NopPublisher{}
	if cfg.Kafka.Enabled {
		a.Producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		a.closers = append(a.closers, a.Producer.Close)
		a.Events = broker.NewEventPublisher(a.Producer)
		a.logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	a.Gateway, err = payment.New(cfg.Payment)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Signer = payment.NewSigner(cfg.Payment.CallbackSecret, cfg.Payment.PublicBaseURL)

	a.Carts = service.NewCartService(a.Repo)
	a.Engine = service.NewTransactionEngine(a.Repo, a.Cache, a.Events)
	a.Checkout = service.NewCheckoutService(a.Engine, a.Gateway, a.Signer, a.Cache)
	a.Reconciler = service.NewReconciler(a.Repo, a.Engine, a.Gateway, a.Signer, a.Cache, a.Events)

	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Repository, error) {
	switch a.Config.Database.Driver {
	case config.DriverMemory:
		m := store.NewMemory()
		SeedCatalog(m)
		a.logger.Info("Using in-memory store with demo catalog")
		return m, nil

	case config.DriverPostgres:
		pg, err := store.NewPostgres(a.Config.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, pg.Close)

		if a.Config.Database.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		a.logger.Info("Database connected")
		return pg, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", a.Config.Database.Driver)
	}
}

// Webhooks returns the webhook parser of the configured gateway, if any
func (a *App) Webhooks() (*payment.StripeGateway, bool) {
	g, ok := a.Gateway.(*payment.StripeGateway)
	return g, ok
}

// Close releases every backend connection in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// SeedCatalog loads the demo products used by the memory store
func SeedCatalog(m *store.Memory) {
	for _, p := range []models.Product{
		{ID: 1, Name: "Ceramic mug", Price: 2500, Stock: 40},
		{ID: 2, Name: "Logo t-shirt", Price: 5900, Stock: 25},
		{ID: 3, Name: "Hoodie", Price: 12900, Stock: 10},
		{ID: 4, Name: "Sticker pack", Price: 500, Stock: models.UnlimitedStock},
		{ID: 5, Name: "Limited print", Price: 19900, Stock: 1},
	} {
		m.PutProduct(p)
	}
}
