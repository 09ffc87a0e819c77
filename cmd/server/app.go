package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mathhhys/blue-byte-booster/internal/billing"
	"github.com/mathhhys/blue-byte-booster/internal/config"
	"github.com/mathhhys/blue-byte-booster/internal/database"
	"github.com/mathhhys/blue-byte-booster/internal/identity"
	"github.com/mathhhys/blue-byte-booster/internal/logging"
	"github.com/mathhhys/blue-byte-booster/internal/queue"
	"github.com/mathhhys/blue-byte-booster/internal/repository"
	"github.com/mathhhys/blue-byte-booster/internal/service"
)

// app holds the wired services shared by every subcommand.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	dialect database.Dialect
	rdb     *redis.Client

	ledger     *service.Ledger
	resync     *service.Resyncer
	seats      *service.SeatService
	invites    *service.InvitationService
	reconciler *service.Reconciler
	publisher  *queue.Publisher
}

// loadConfig reads the environment and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "entitlements"})
	return cfg, nil
}

// newApp opens the store and builds the services. withBroker enables the
// change publisher and Redis; one-shot commands leave both off.
func newApp(ctx context.Context, cfg *config.Config, withBroker bool) (*app, error) {
	db, dialect, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{cfg: cfg, db: db, dialect: dialect}
	if withBroker {
		a.rdb = config.NewRedisClient(cfg)
	}

	ents := repository.NewEntitlementRepo(db)
	seatRepo := repository.NewSeatRepo(db)
	credits := repository.NewCreditRepo(db)
	events := repository.NewProcessedEventRepo(db)
	customers := repository.NewBillingCustomerRepo(db)

	var provider billing.Provider
	if cfg.StripeAPIKey != "" {
		provider = billing.NewStripeProvider(cfg.StripeAPIKey)
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set; drift repair and provider lookups disabled")
	}

	a.ledger = service.NewLedger(db, ents, credits, seatRepo)
	a.resync = service.NewResyncer(db, ents, customers, provider, cfg.InviteTimeout)
	a.seats = service.NewSeatService(db, ents, seatRepo, a.resync, cfg.InvitationTTL)
	inviter := identity.NewClerkClient(cfg.ClerkAPIURL, cfg.ClerkSecretKey, cfg.InviteRedirect)
	a.invites = service.NewInvitationService(a.seats, seatRepo, inviter, cfg.InviteTimeout)

	deps := service.ReconcilerDeps{
		DB:        db,
		Guard:     service.NewGuard(events, credits, service.NewRedisLocker(a.rdb), cfg.EventLockTTL),
		Ledger:    a.ledger,
		Ents:      ents,
		Customers: customers,
		Resync:    a.resync,
		Provider:  provider,
		Timeout:   cfg.InviteTimeout,
	}
	if withBroker && cfg.RabbitMQURL != "" {
		a.publisher = queue.NewPublisher(cfg.RabbitMQURL, cfg.ChangesQueue)
		deps.Notifier = a.publisher
	}
	a.reconciler = service.NewReconciler(deps)
	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	_ = a.db.Close()
}
