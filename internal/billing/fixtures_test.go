package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerdneilsfield/imagegen-billing/internal/i18n"
	"github.com/nerdneilsfield/imagegen-billing/internal/metrics"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage/storagetest"
	"github.com/nerdneilsfield/imagegen-billing/pkg/imageapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const webhookSecret = "whsec-test"

type fakeImages struct {
	mu      sync.Mutex
	prompts []string
	fn      func(ctx context.Context, prompt, size string) (*imageapi.Result, error)
}

func (f *fakeImages) Generate(ctx context.Context, prompt, size string) (*imageapi.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, prompt, size)
	}
	return &imageapi.Result{URL: "https://provider.example.com/" + size + ".png", RevisedPrompt: "revised " + prompt}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type env struct {
	*storagetest.Stores
	i18n     *i18n.Manager
	metrics  *metrics.Metrics
	notifier *recordingNotifier
	logger   *zap.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tr, err := i18n.NewManager("en", zap.NewNop())
	require.NoError(t, err)
	return &env{
		Stores:   storagetest.NewStores(t),
		i18n:     tr,
		metrics:  metrics.MustNewMetrics(prometheus.NewRegistry()),
		notifier: &recordingNotifier{},
		logger:   zap.NewNop(),
	}
}

func defaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Cost:         4,
		Timeout:      time.Second,
		DefaultSize:  "1024x1024",
		AllowedSizes: []string{"1024x1024", "1024x1792", "1792x1024"},
	}
}

func (e *env) generationService(cfg GenerationConfig, images ImageGenerator, mirror ImageMirror) (*GenerationService, *Runner) {
	runner := NewRunner(2, e.logger)
	return NewGenerationService(cfg, GenerationDeps{
		Ledger:      e.Ledger,
		Generations: e.Generations,
		Images:      images,
		Runner:      runner,
		Mirror:      mirror,
		Notifier:    e.notifier,
		Metrics:     e.metrics,
		I18n:        e.i18n,
		Logger:      e.logger,
	}), runner
}

func (e *env) paymentService(secret string, checkout CheckoutCreator) *PaymentService {
	return NewPaymentService(Secrets{Callback: secret, Webhook: webhookSecret}, PaymentDeps{
		Ledger:   e.Ledger,
		Orders:   e.Orders,
		Plans:    e.Plans,
		Coupons:  e.Coupons,
		Checkout: checkout,
		Notifier: e.notifier,
		Metrics:  e.metrics,
		I18n:     e.i18n,
		Logger:   e.logger,
	})
}

func drain(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}
