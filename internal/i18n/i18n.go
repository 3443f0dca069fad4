package i18n

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

//go:embed all:locales
var localeFS embed.FS

// Manager owns the message bundle and per-language localizers.
type Manager struct {
	bundle          *i18n.Bundle
	defaultLanguage language.Tag
	Logger          *zap.Logger
	localizers      map[string]*i18n.Localizer // cached per language code
	availableLangs  []string
}

// NewManager loads the embedded locales. defaultLang is used whenever a
// request names no supported language.
func NewManager(defaultLang string, logger *zap.Logger) (*Manager, error) {
	defaultLanguageTag, err := language.Parse(defaultLang)
	if err != nil {
		return nil, fmt.Errorf("invalid default language tag '%s': %w", defaultLang, err)
	}

	bundle := i18n.NewBundle(defaultLanguageTag)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	m := &Manager{
		bundle:          bundle,
		defaultLanguage: defaultLanguageTag,
		Logger:          logger.Named("i18n"),
		localizers:      make(map[string]*i18n.Localizer),
	}
	if err := m.LoadTranslations(); err != nil {
		return nil, err
	}

	for _, code := range m.availableLangs {
		m.localizers[code] = i18n.NewLocalizer(m.bundle, code)
	}
	if _, ok := m.localizers[defaultLanguageTag.String()]; !ok {
		return nil, fmt.Errorf("default language %q has no locale file", defaultLang)
	}

	m.Logger.Info("i18n Manager initialized",
		zap.String("default_language", defaultLanguageTag.String()),
		zap.Strings("languages", m.availableLangs),
	)
	return m, nil
}

func (m *Manager) LoadTranslations() error {
	files, err := fs.ReadDir(localeFS, "locales")
	if err != nil {
		return fmt.Errorf("failed to read embedded locales directory: %w", err)
	}

	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != ".toml" {
			continue
		}
		mf, err := m.bundle.LoadMessageFileFS(localeFS, "locales/"+name)
		if err != nil {
			m.Logger.Warn("Failed to load translation file", zap.String("file", name), zap.Error(err))
			continue
		}
		m.availableLangs = append(m.availableLangs, mf.Tag.String())
		m.Logger.Debug("Loaded translation file", zap.String("file", name), zap.Int("messages", len(mf.Messages)))
	}

	if len(m.availableLangs) == 0 {
		return errors.New("no valid translation files loaded")
	}
	sort.Strings(m.availableLangs)
	return nil
}

// T translates key. lang may be a language code or a raw Accept-Language
// header; unsupported or empty values fall back to the default language.
// args are either key/value pairs or a single map used as template data.
func (m *Manager) T(lang string, key string, args ...any) string {
	localizer := m.localizerFor(lang)

	cfg := &i18n.LocalizeConfig{MessageID: key}
	if data := templateData(args); len(data) > 0 {
		cfg.TemplateData = data
	}

	localized, err := localizer.Localize(cfg)
	if err != nil {
		var notFound *i18n.MessageNotFoundErr
		if !errors.As(err, &notFound) {
			m.Logger.Error("Failed to localize message", zap.String("key", key), zap.String("lang", lang), zap.Error(err))
		}
		return key
	}
	return localized
}

func (m *Manager) localizerFor(lang string) *i18n.Localizer {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return m.localizers[m.defaultLanguage.String()]
	}
	if l, ok := m.localizers[lang]; ok {
		return l
	}
	// go-i18n parses Accept-Language values itself and falls back to the
	// bundle default when nothing matches
	return i18n.NewLocalizer(m.bundle, lang)
}

func templateData(args []any) map[string]any {
	if len(args) == 1 {
		if data, ok := args[0].(map[string]any); ok {
			return data
		}
	}
	data := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok {
			data[k] = args[i+1]
		}
	}
	return data
}

// GetAvailableLanguages returns the loaded language codes.
func (m *Manager) GetAvailableLanguages() []string {
	return append([]string(nil), m.availableLangs...)
}

func (m *Manager) GetDefaultLanguageTag() language.Tag {
	return m.defaultLanguage
}
