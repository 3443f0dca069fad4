package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("en", zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestNewManagerLoadsEmbeddedLocales(t *testing.T) {
	m := newManager(t)
	assert.Equal(t, []string{"en", "zh"}, m.GetAvailableLanguages())
	assert.Equal(t, "en", m.GetDefaultLanguageTag().String())
}

func TestNewManagerRejectsUnknownDefault(t *testing.T) {
	_, err := NewManager("fr", zap.NewNop())
	assert.Error(t, err)
}

func TestTranslate(t *testing.T) {
	m := newManager(t)

	assert.Equal(t, "Insufficient credits", m.T("", "insufficient_credits"))
	assert.Equal(t, "积分不足", m.T("zh", "insufficient_credits"))
	assert.Equal(t, "积分不足", m.T("zh-CN,zh;q=0.9,en;q=0.8", "insufficient_credits"))
	assert.Equal(t, "Insufficient credits", m.T("fr-FR,fr;q=0.9", "insufficient_credits"))
}

func TestTranslateTemplateData(t *testing.T) {
	m := newManager(t)

	assert.Equal(t,
		"This coupon requires a minimum purchase of 50.00",
		m.T("en", "coupon_min_purchase", "MinPurchase", "50.00"))
	assert.Equal(t,
		"Unsupported image size, choose one of: 1024x1024",
		m.T("en", "invalid_size", map[string]any{"Sizes": "1024x1024"}))
}

func TestTranslateMissingKeyReturnsKey(t *testing.T) {
	m := newManager(t)
	assert.Equal(t, "no_such_message", m.T("en", "no_such_message"))
}
