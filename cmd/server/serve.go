package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mathhhys/blue-byte-booster/internal/config"
	"github.com/mathhhys/blue-byte-booster/internal/handler"
	"github.com/mathhhys/blue-byte-booster/internal/logging"
	"github.com/mathhhys/blue-byte-booster/internal/queue"
	"github.com/mathhhys/blue-byte-booster/internal/router"
	"github.com/mathhhys/blue-byte-booster/internal/service"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the expiry sweeper and the billing event consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	e := router.NewEcho()
	e.Use(echomw.Recover())
	e.Use(logging.RequestLogger())
	router.RegisterRoutes(e, a.db, handler.NewWebhookHandler(cfg.StripeWebhookSecret, a.reconciler))
	router.RegisterAPI(e, router.Handlers{
		Seats:       handler.NewSeatHandler(a.seats, a.invites),
		Entitlement: handler.NewEntitlementHandler(a.seats, a.resync),
		Credits:     handler.NewCreditHandler(a.ledger),
	}, router.Options{
		JWTSecret: cfg.JWTSecret,
		RateLimit: cfg.RateLimit,
		Redis:     a.rdb,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("env", cfg.Env).Str("db", string(a.dialect)).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		runSweeper(ctx, a.seats, cfg.SweepInterval)
		return nil
	})
	if cfg.ConsumeEvents {
		consumer := queue.NewConsumer(cfg.RabbitMQURL, cfg.BillingEventsQueue, a.reconciler)
		g.Go(func() error {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// runSweeper expires overdue seats every interval until ctx ends.
func runSweeper(ctx context.Context, seats *service.SeatService, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := seats.SweepExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("seat sweep failed")
				continue
			}
			if res.Revoked+res.Expired > 0 {
				log.Info().Int("revoked", res.Revoked).Int("expired", res.Expired).
					Int("reconciled", res.Reconciled).Msg("seat sweep")
			}
		}
	}
}
