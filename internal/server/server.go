package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nerdneilsfield/imagegen-billing/internal/auth"
	"github.com/nerdneilsfield/imagegen-billing/internal/billing"
	"github.com/nerdneilsfield/imagegen-billing/internal/config"
	"github.com/nerdneilsfield/imagegen-billing/internal/i18n"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"go.uber.org/zap"
)

type Deps struct {
	Config      *config.Config
	Ledger      *storage.Ledger
	Generations *billing.GenerationService
	Payments    *billing.PaymentService
	Verifier    *auth.TokenVerifier
	Authorizer  *auth.Authorizer
	I18n        *i18n.Manager
	Metrics     http.Handler // optional /metrics handler
	Logger      *zap.Logger
}

type Server struct {
	Deps
	log    *zap.Logger
	router *chi.Mux
}

func New(deps Deps) *Server {
	r := chi.NewRouter()
	s := &Server{Deps: deps, log: deps.Logger.Named("http"), router: r}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/pricing-plans", s.handlePricingPlans)
		r.Post("/payment/webhook", s.handlePaymentWebhook)
		r.Get("/creem/callback", s.handleCreemCallback)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser(deps.Verifier, s.deny, s.log))
			r.Get("/user/balance", s.handleBalance)
			r.Get("/user/transactions", s.handleTransactions)
			r.Post("/generate-image", s.handleGenerate)
			r.Get("/generate-image/status/{id}", s.handleGenerationStatus)
			r.Get("/generate-image/history", s.handleGenerationHistory)
			r.Post("/payment/create-order", s.handleCreateOrder)

			r.With(auth.RequireAdmin(deps.Authorizer, s.deny, s.log)).Post("/admin/credits", s.handleAdminCredits)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.Config.Server
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout.Duration,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("HTTP shutdown error", zap.Error(err))
		return err
	}
	return <-errCh
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
