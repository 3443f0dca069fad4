package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nerdneilsfield/imagegen-billing/internal/i18n"
	"github.com/nerdneilsfield/imagegen-billing/internal/metrics"
	"github.com/nerdneilsfield/imagegen-billing/internal/notify"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"github.com/nerdneilsfield/imagegen-billing/pkg/imageapi"
	"go.uber.org/zap"
)

const maxPromptRunes = 4000

// ImageGenerator produces one image per call.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, size string) (*imageapi.Result, error)
}

// ImageMirror copies a provider URL to storage the service controls.
type ImageMirror interface {
	Mirror(ctx context.Context, owner, src string) (string, error)
}

type GenerationConfig struct {
	Cost            int
	RefundOnFailure bool
	Timeout         time.Duration
	DefaultSize     string
	AllowedSizes    []string
}

type GenerationDeps struct {
	Ledger      *storage.Ledger
	Generations *storage.GenerationRepository
	Images      ImageGenerator
	Runner      *Runner
	Mirror      ImageMirror // optional
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	I18n        *i18n.Manager
	Logger      *zap.Logger
}

// GenerationService charges for image generations and settles them in the
// background. Credits are taken before any work starts.
type GenerationService struct {
	cfg GenerationConfig
	GenerationDeps
	logger *zap.Logger
}

func NewGenerationService(cfg GenerationConfig, deps GenerationDeps) *GenerationService {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if cfg.DefaultSize == "" && len(cfg.AllowedSizes) > 0 {
		cfg.DefaultSize = cfg.AllowedSizes[0]
	}
	return &GenerationService{
		cfg:            cfg,
		GenerationDeps: deps,
		logger:         deps.Logger.Named("generation"),
	}
}

// Request charges the user and schedules the generation. It returns as soon
// as the PENDING record is committed; the outcome is observed by polling.
func (s *GenerationService) Request(ctx context.Context, userID, prompt, size string) (*storage.ImageGeneration, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if utf8.RuneCountInString(prompt) > maxPromptRunes {
		return nil, ErrPromptTooLong
	}
	size, err := s.resolveSize(size)
	if err != nil {
		return nil, err
	}

	gen := &storage.ImageGeneration{
		Model:       storage.Model{ID: uuid.NewString()},
		UserID:      userID,
		Prompt:      prompt,
		Size:        size,
		CreditsUsed: s.cfg.Cost,
	}
	err = storage.Atomic(ctx, s.Ledger.DB(), func(ctx context.Context) error {
		res, err := s.Ledger.Deduct(ctx, storage.Mutation{
			UserID:      userID,
			Amount:      s.cfg.Cost,
			Type:        storage.TransactionUsage,
			Description: "Image generation: " + truncateRunes(prompt, 50),
			ReferenceID: gen.ID,
		})
		if err != nil {
			return err
		}
		gen.ChargeID = res.Transaction.ID
		return s.Generations.Create(ctx, gen)
	})
	switch {
	case errors.Is(err, storage.ErrInsufficientCredits), errors.Is(err, storage.ErrAccountNotFound):
		s.Metrics.Deduction("insufficient")
		return nil, ErrInsufficientCredits
	case err != nil:
		s.Metrics.Deduction("error")
		return nil, fmt.Errorf("charge generation: %w", err)
	}
	s.Metrics.Deduction("success")

	pending := *gen
	if err := s.Runner.Go(func(ctx context.Context) { s.process(ctx, pending) }); err != nil {
		// nothing was attempted, so the charge goes back whatever the refund policy says
		s.logger.Warn("Runner refused generation", zap.String("generation_id", gen.ID), zap.Error(err))
		s.fail(context.WithoutCancel(ctx), pending, "service is shutting down", true)
		return nil, err
	}

	s.logger.Info("Generation accepted",
		zap.String("generation_id", gen.ID),
		zap.String("user_id", userID),
		zap.String("size", size),
		zap.Int("credits", s.cfg.Cost),
	)
	return gen, nil
}

func (s *GenerationService) resolveSize(size string) (string, error) {
	size = strings.TrimSpace(size)
	if size == "" {
		return s.cfg.DefaultSize, nil
	}
	for _, allowed := range s.cfg.AllowedSizes {
		if size == allowed {
			return size, nil
		}
	}
	return "", ErrInvalidSize
}

// AllowedSizes lists the sizes Request accepts.
func (s *GenerationService) AllowedSizes() []string {
	return append([]string(nil), s.cfg.AllowedSizes...)
}

func (s *GenerationService) process(ctx context.Context, gen storage.ImageGeneration) {
	start := time.Now()
	s.Metrics.GenerationStarted()
	// DB writes outlive the runner's cancellation so the record always ends terminal
	dbCtx := context.WithoutCancel(ctx)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Generation panicked", zap.String("generation_id", gen.ID), zap.Any("panic", p))
			s.fail(dbCtx, gen, "internal error", s.cfg.RefundOnFailure)
			s.Metrics.GenerationFinished(string(storage.GenerationFailed), time.Since(start))
		}
	}()

	if err := s.Generations.MarkProcessing(dbCtx, gen.ID); err != nil {
		s.logger.Error("Failed to mark generation processing", zap.String("generation_id", gen.ID), zap.Error(err))
		if !errors.Is(err, storage.ErrInvalidTransition) {
			s.fail(dbCtx, gen, "failed to start generation", s.cfg.RefundOnFailure)
		}
		s.Metrics.GenerationFinished(string(storage.GenerationFailed), time.Since(start))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	result, err := s.Images.Generate(callCtx, gen.Prompt, gen.Size)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err == nil && (result == nil || result.URL == "") {
		err = imageapi.ErrNoImage
	}

	if err != nil {
		msg := err.Error()
		if timedOut {
			msg = fmt.Sprintf("generation timed out after %s", s.cfg.Timeout)
		}
		s.logger.Warn("Image generation failed", zap.String("generation_id", gen.ID), zap.Error(err))
		s.fail(dbCtx, gen, msg, s.cfg.RefundOnFailure)
		s.Metrics.GenerationFinished(string(storage.GenerationFailed), time.Since(start))
		return
	}

	url := result.URL
	if s.Mirror != nil {
		mirrored, err := s.Mirror.Mirror(dbCtx, gen.UserID, url)
		if err != nil {
			s.logger.Warn("Failed to mirror image, keeping provider URL", zap.String("generation_id", gen.ID), zap.Error(err))
		} else {
			url = mirrored
		}
	}

	if err := s.Generations.Complete(dbCtx, gen.ID, []string{url}, result.RevisedPrompt); err != nil {
		s.logger.Error("Failed to complete generation", zap.String("generation_id", gen.ID), zap.Error(err))
		if !errors.Is(err, storage.ErrInvalidTransition) {
			s.fail(dbCtx, gen, "failed to store result", s.cfg.RefundOnFailure)
		}
		s.Metrics.GenerationFinished(string(storage.GenerationFailed), time.Since(start))
		return
	}
	s.Metrics.GenerationFinished(string(storage.GenerationCompleted), time.Since(start))
	s.logger.Info("Generation completed", zap.String("generation_id", gen.ID), zap.Duration("elapsed", time.Since(start)))
}

// fail records the terminal failure, refunds when asked to and tells the admins.
func (s *GenerationService) fail(ctx context.Context, gen storage.ImageGeneration, msg string, refund bool) {
	if err := s.Generations.Fail(ctx, gen.ID, msg); err != nil {
		s.logger.Error("Failed to mark generation failed", zap.String("generation_id", gen.ID), zap.Error(err))
		return
	}
	if refund {
		if err := s.refund(ctx, gen); err != nil {
			s.logger.Error("Failed to refund generation", zap.String("generation_id", gen.ID), zap.Error(err))
		}
	}
	s.Notifier.Notify(ctx, s.I18n.T("", "generation_failed_notice",
		"GenerationID", gen.ID,
		"UserID", gen.UserID,
		"Error", msg,
	))
}

// refund returns the charge of a failed generation. The REFUND entry is keyed
// by the generation id, so it is applied at most once.
func (s *GenerationService) refund(ctx context.Context, gen storage.ImageGeneration) error {
	err := storage.Atomic(ctx, s.Ledger.DB(), func(ctx context.Context) error {
		if _, err := s.Ledger.Add(ctx, storage.Mutation{
			UserID:      gen.UserID,
			Amount:      gen.CreditsUsed,
			Type:        storage.TransactionRefund,
			Description: "Refund for failed generation",
			ReferenceID: gen.ID,
		}); err != nil {
			return err
		}
		return s.Generations.MarkRefunded(ctx, gen.ID)
	})
	if errors.Is(err, storage.ErrDuplicateEntry) {
		return nil
	}
	if err != nil {
		return err
	}
	s.Metrics.CreditsAdded(string(storage.TransactionRefund), gen.CreditsUsed)
	s.logger.Info("Generation refunded", zap.String("generation_id", gen.ID), zap.Int("credits", gen.CreditsUsed))
	return nil
}

// Status returns the generation if it belongs to userID.
func (s *GenerationService) Status(ctx context.Context, userID, id string) (*storage.ImageGeneration, error) {
	gen, err := s.Generations.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if gen.UserID != userID {
		return nil, ErrGenerationNotFound
	}
	return gen, nil
}

func (s *GenerationService) History(ctx context.Context, userID string, offset, limit int) ([]storage.ImageGeneration, int64, error) {
	return s.Generations.ListByUser(ctx, userID, offset, limit)
}

// Recover fails generations a previous process left unfinished and applies
// the refund policy to them. It must run before the HTTP server starts.
func (s *GenerationService) Recover(ctx context.Context) (int, error) {
	stale, err := s.Generations.FailInterrupted(ctx, "interrupted by service restart")
	if err != nil {
		return 0, err
	}
	for _, gen := range stale {
		if s.cfg.RefundOnFailure {
			if err := s.refund(ctx, gen); err != nil {
				s.logger.Error("Failed to refund interrupted generation", zap.String("generation_id", gen.ID), zap.Error(err))
			}
		}
	}
	if len(stale) > 0 {
		s.logger.Warn("Failed interrupted generations", zap.Int("count", len(stale)))
	}
	return len(stale), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
