package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerdneilsfield/imagegen-billing/internal/auth"
	"github.com/nerdneilsfield/imagegen-billing/internal/billing"
	"github.com/nerdneilsfield/imagegen-billing/internal/blobstore"
	"github.com/nerdneilsfield/imagegen-billing/internal/config"
	"github.com/nerdneilsfield/imagegen-billing/internal/i18n"
	"github.com/nerdneilsfield/imagegen-billing/internal/metrics"
	"github.com/nerdneilsfield/imagegen-billing/internal/notify"
	"github.com/nerdneilsfield/imagegen-billing/internal/server"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"github.com/nerdneilsfield/imagegen-billing/pkg/creem"
	"github.com/nerdneilsfield/imagegen-billing/pkg/imageapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const notifyTimeout = 10 * time.Second

func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP API",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(true)
			if err != nil {
				return err
			}
			defer env.Close()
			if verbose {
				config.PrintConfig(env.cfg)
			}
			env.logger.Info("Starting imagegen-billing", zap.String("version", version))
			return serve(cmd.Context(), env)
		},
	}
}

func serve(parent context.Context, env *environment) error {
	cfg, log := env.cfg, env.logger
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := i18n.NewManager(cfg.DefaultLanguage, log)
	if err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	var notifier notify.Notifier = notify.Nop{}
	var async *notify.Async
	if cfg.Telegram.Enabled() {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.AdminChatIDs, log)
		if err != nil {
			// notifications are best effort; the API runs without them
			log.Error("Telegram notifier disabled", zap.Error(err))
		} else {
			async = notify.NewAsync(tg, notifyTimeout, log)
			notifier = async
		}
	}

	if cfg.Creem.WebhookSecret == "" {
		log.Warn("creem.webhookSecret is not set, every payment webhook will be rejected")
	}

	var mirror billing.ImageMirror
	if cfg.S3.Enabled() {
		uploader, err := blobstore.NewUploader(cfg.S3)
		if err != nil {
			return fmt.Errorf("init s3 uploader: %w", err)
		}
		mirror = blobstore.NewMirror(uploader, log)
	}

	var checkout billing.CheckoutCreator
	if cfg.Creem.Enabled() {
		checkout = creem.NewClient(cfg.Creem.CheckoutURL, cfg.Creem.APIKey, cfg.Creem.ProductID, log)
	}

	ledger := storage.NewLedger(env.db, log)
	runner := billing.NewRunner(cfg.Generation.Workers, log)

	images := imageapi.NewClient(cfg.ImageAPI.URL, cfg.ImageAPI.APIKey, cfg.ImageAPI.Model,
		cfg.ImageAPI.Timeout.Duration, log, imageapi.WithQuality(cfg.ImageAPI.Quality))

	generations := billing.NewGenerationService(billing.GenerationConfig{
		Cost:            cfg.Credits.GenerationCost,
		RefundOnFailure: cfg.Credits.RefundOnFailure,
		Timeout:         cfg.Generation.Timeout.Duration,
		DefaultSize:     cfg.Generation.DefaultSize,
		AllowedSizes:    cfg.Generation.AllowedSizes,
	}, billing.GenerationDeps{
		Ledger:      ledger,
		Generations: storage.NewGenerationRepository(env.db),
		Images:      images,
		Runner:      runner,
		Mirror:      mirror,
		Notifier:    notifier,
		Metrics:     m,
		I18n:        tr,
		Logger:      log,
	})

	payments := billing.NewPaymentService(billing.Secrets{
		Callback: cfg.Creem.APIKey,
		Webhook:  cfg.Creem.WebhookSecret,
	}, billing.PaymentDeps{
		Ledger:   ledger,
		Orders:   storage.NewOrderRepository(env.db),
		Plans:    storage.NewPlanRepository(env.db),
		Coupons:  storage.NewCouponRepository(env.db),
		Checkout: checkout,
		Notifier: notifier,
		Metrics:  m,
		I18n:     tr,
		Logger:   log,
	})

	recovered, err := generations.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted generations: %w", err)
	}
	if recovered > 0 {
		log.Warn("Marked interrupted generations as failed", zap.Int("count", recovered))
	}

	srv := server.New(server.Deps{
		Config:      cfg,
		Ledger:      ledger,
		Generations: generations,
		Payments:    payments,
		Verifier:    auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.CookieName),
		Authorizer:  auth.NewAuthorizer(cfg.Auth.AdminUserIDs),
		I18n:        tr,
		Metrics:     metrics.Handler(reg),
		Logger:      log,
	})

	runErr := srv.Run(ctx)
	stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		log.Warn("Generation workers did not drain in time", zap.Error(err))
	}
	if async != nil {
		if err := async.Close(drainCtx); err != nil {
			log.Warn("Pending notifications dropped", zap.Error(err))
		}
	}
	log.Info("Shutdown complete")
	return runErr
}
