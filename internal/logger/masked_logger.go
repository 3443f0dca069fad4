package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Kinds of sensitive values.
const (
	APIKey    = "api_key"
	Password  = "password"
	Token     = "token"
	Signature = "signature"
	DSN       = "dsn"
)

// MaskSensitiveInfo redacts info according to its kind.
func MaskSensitiveInfo(info string, infoType string) string {
	if info == "" {
		return ""
	}

	switch infoType {
	case APIKey, Password, Token, Signature:
		if len(info) <= 8 {
			return "****"
		}
		// keep the first and last four characters
		return info[:4] + strings.Repeat("*", len(info)-8) + info[len(info)-4:]
	case DSN:
		// credentials live before the last '@'
		if at := strings.LastIndex(info, "@"); at >= 0 {
			return "****" + info[at:]
		}
		return info
	default:
		return info
	}
}

// NewMaskedLogger wraps every core so that secret-bearing string fields are redacted.
func NewMaskedLogger(baseLogger *zap.Logger) *zap.Logger {
	return baseLogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &maskedCore{Core: core}
	}))
}

type maskedCore struct {
	zapcore.Core
}

func (c *maskedCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskedCore{Core: c.Core.With(maskFields(fields))}
}

func (c *maskedCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *maskedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(entry, maskFields(fields))
}

func maskFields(fields []zapcore.Field) []zapcore.Field {
	for i, field := range fields {
		if field.Type != zapcore.StringType {
			continue
		}
		if kind := fieldType(field.Key); kind != "" {
			fields[i] = zap.String(field.Key, MaskSensitiveInfo(field.String, kind))
		}
	}
	return fields
}

// fieldType maps a field key to a sensitive kind, or "" when the field is safe to log.
func fieldType(key string) string {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "api_key"), strings.Contains(key, "apikey"):
		return APIKey
	case strings.Contains(key, "password"):
		return Password
	case strings.Contains(key, "signature"):
		return Signature
	case key == "dsn":
		return DSN
	case strings.Contains(key, "token"), strings.Contains(key, "secret"), strings.Contains(key, "auth"):
		return Token
	}
	return ""
}
