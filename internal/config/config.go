package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server          ServerConfig     `toml:"server"`
	Database        DatabaseConfig   `toml:"database"`
	LogConfig       LogConfig        `toml:"logConfig"`
	Auth            AuthConfig       `toml:"auth"`
	Credits         CreditsConfig    `toml:"credits"`
	Generation      GenerationConfig `toml:"generation"`
	ImageAPI        ImageAPIConfig   `toml:"imageAPI"`
	Creem           CreemConfig      `toml:"creem"`
	Telegram        TelegramConfig   `toml:"telegram"`
	S3              S3Config         `toml:"s3"`
	DefaultLanguage string           `toml:"defaultLanguage"`
}

type ServerConfig struct {
	ListenAddr      string   `toml:"listenAddr"`
	ReadTimeout     Duration `toml:"readTimeout"`
	WriteTimeout    Duration `toml:"writeTimeout"`
	ShutdownTimeout Duration `toml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	Driver       string `toml:"driver"` // sqlite, postgres or mysql
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"maxOpenConns"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type AuthConfig struct {
	JWTSecret    string   `toml:"jwtSecret"`
	CookieName   string   `toml:"cookieName"`
	AdminUserIDs []string `toml:"adminUserIDs"`
}

type CreditsConfig struct {
	InitialBalance  int  `toml:"initialBalance"`
	GenerationCost  int  `toml:"generationCost"`
	RefundOnFailure bool `toml:"refundOnFailure"`
}

type GenerationConfig struct {
	DefaultSize  string   `toml:"defaultSize"`
	AllowedSizes []string `toml:"allowedSizes"`
	Timeout      Duration `toml:"timeout"`
	Workers      int      `toml:"workers"`
}

type ImageAPIConfig struct {
	URL     string   `toml:"url"`
	APIKey  string   `toml:"apiKey"`
	Model   string   `toml:"model"`
	Quality string   `toml:"quality"`
	Timeout Duration `toml:"timeout"`
}

type CreemConfig struct {
	CheckoutURL   string `toml:"checkoutURL"`
	APIKey        string `toml:"apiKey"`
	ProductID     string `toml:"productID"`
	SuccessURL    string `toml:"successURL"`
	FailureURL    string `toml:"failureURL"`
	WebhookSecret string `toml:"webhookSecret"` // HMAC key for webhook bodies; empty rejects every webhook
}

type TelegramConfig struct {
	BotToken     string  `toml:"botToken"`
	AdminChatIDs []int64 `toml:"adminChatIDs"`
}

type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	Region        string `toml:"region"`
	AccessKey     string `toml:"accessKey"`
	SecretKey     string `toml:"secretKey"`
	Bucket        string `toml:"bucket"`
	PublicBaseURL string `toml:"publicBaseURL"`
	UsePathStyle  bool   `toml:"usePathStyle"`
	Prefix        string `toml:"prefix"`
}

// Duration lets TOML files carry values like "30s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Enabled reports whether enough Telegram settings exist to send notifications.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && len(t.AdminChatIDs) > 0
}

// Enabled reports whether generated images should be mirrored to a bucket.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

// Enabled reports whether checkout sessions can be created.
func (c CreemConfig) Enabled() bool {
	return c.CheckoutURL != "" && c.APIKey != "" && c.ProductID != ""
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{30 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "imagegen.db",
			MaxOpenConns: 1,
		},
		LogConfig: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Auth: AuthConfig{
			CookieName: "auth_token",
		},
		Credits: CreditsConfig{
			GenerationCost: 4,
		},
		Generation: GenerationConfig{
			DefaultSize:  "1024x1024",
			AllowedSizes: []string{"1024x1024", "1024x1792", "1792x1024"},
			Timeout:      Duration{120 * time.Second},
			Workers:      4,
		},
		ImageAPI: ImageAPIConfig{
			Model:   "gpt-4o-image",
			Quality: "standard",
			Timeout: Duration{150 * time.Second},
		},
		Creem: CreemConfig{
			SuccessURL: "/payment/success",
			FailureURL: "/payment/failed",
		},
		S3: S3Config{
			Prefix: "generations",
		},
		DefaultLanguage: "en",
	}
}

// LoadConfig decodes the TOML file on top of Default and applies environment overrides.
// A .env file next to the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadEnvFile() error {
	path := ".env"
	if custom := os.Getenv("IMAGEGEN_ENV_FILE"); custom != "" {
		path = custom
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("access env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"IMAGEGEN_DATABASE_DSN":         &cfg.Database.DSN,
		"IMAGEGEN_JWT_SECRET":           &cfg.Auth.JWTSecret,
		"IMAGEGEN_IMAGE_API_KEY":        &cfg.ImageAPI.APIKey,
		"IMAGEGEN_CREEM_API_KEY":        &cfg.Creem.APIKey,
		"IMAGEGEN_CREEM_WEBHOOK_SECRET": &cfg.Creem.WebhookSecret,
		"IMAGEGEN_TELEGRAM_BOT_TOKEN":   &cfg.Telegram.BotToken,
		"IMAGEGEN_S3_ACCESS_KEY":        &cfg.S3.AccessKey,
		"IMAGEGEN_S3_SECRET_KEY":        &cfg.S3.SecretKey,
		"IMAGEGEN_LISTEN_ADDR":          &cfg.Server.ListenAddr,
	}
	for key, target := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*target = v
		}
	}
}

func ValidateURL(urlString string) bool {
	if urlString == "" {
		return false
	}
	u, err := url.Parse(urlString)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func MaskedPrint(str string) string {
	if len(str) <= 4 {
		return strings.Repeat("*", len(str))
	}
	// only show the last 4 characters
	return strings.Repeat("*", len(str)-4) + str[len(str)-4:]
}

func PrintConfig(cfg *Config) {
	fmt.Println()
	fmt.Println("--------------------------------")
	fmt.Println("Config:")
	fmt.Printf("\tServer: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("\tDatabase: %s\n", cfg.Database.Driver)
	fmt.Printf("\tLogConfig: %v\n", cfg.LogConfig)
	fmt.Printf("\tJWTSecret: %s\n", MaskedPrint(cfg.Auth.JWTSecret))
	fmt.Printf("\tAdmins: %v\n", cfg.Auth.AdminUserIDs)
	fmt.Printf("\tCredits: %+v\n", cfg.Credits)
	fmt.Printf("\tGeneration: size=%s timeout=%s workers=%d\n", cfg.Generation.DefaultSize, cfg.Generation.Timeout, cfg.Generation.Workers)
	fmt.Printf("\tImageAPI: %s (%s) key=%s\n", cfg.ImageAPI.URL, cfg.ImageAPI.Model, MaskedPrint(cfg.ImageAPI.APIKey))
	fmt.Printf("\tCreem: %s key=%s webhookSecret=%s\n", cfg.Creem.CheckoutURL, MaskedPrint(cfg.Creem.APIKey), MaskedPrint(cfg.Creem.WebhookSecret))
	fmt.Printf("\tTelegram: enabled=%t\n", cfg.Telegram.Enabled())
	fmt.Printf("\tS3: enabled=%t bucket=%s\n", cfg.S3.Enabled(), cfg.S3.Bucket)
	fmt.Println("--------------------------------")
	fmt.Println()
}

func ValidateConfig(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listenAddr is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required")
	}
	if cfg.LogConfig.Level == "" {
		return fmt.Errorf("logLevel is required")
	}
	if cfg.LogConfig.Format == "" {
		return fmt.Errorf("logFormat is required")
	}
	if cfg.Credits.InitialBalance < 0 {
		return fmt.Errorf("credits.initialBalance must not be negative")
	}
	if cfg.Credits.GenerationCost <= 0 {
		return fmt.Errorf("credits.generationCost must be greater than 0")
	}
	if len(cfg.Generation.AllowedSizes) == 0 {
		return fmt.Errorf("generation.allowedSizes is required")
	}
	if !contains(cfg.Generation.AllowedSizes, cfg.Generation.DefaultSize) {
		return fmt.Errorf("generation.defaultSize must be one of: %s", strings.Join(cfg.Generation.AllowedSizes, ", "))
	}
	if cfg.Generation.Timeout.Duration <= 0 {
		return fmt.Errorf("generation.timeout must be greater than 0")
	}
	if cfg.Generation.Workers <= 0 {
		return fmt.Errorf("generation.workers must be greater than 0")
	}
	if !ValidateURL(cfg.ImageAPI.URL) {
		return fmt.Errorf("imageAPI.url is required and must be a valid URL")
	}
	if cfg.ImageAPI.APIKey == "" {
		return fmt.Errorf("imageAPI.apiKey is required")
	}
	if cfg.Creem.APIKey == "" {
		return fmt.Errorf("creem.apiKey is required to verify payment callbacks")
	}
	if cfg.Creem.CheckoutURL != "" && !ValidateURL(cfg.Creem.CheckoutURL) {
		return fmt.Errorf("creem.checkoutURL must be a valid URL")
	}
	if cfg.Telegram.BotToken != "" && len(cfg.Telegram.AdminChatIDs) == 0 {
		return fmt.Errorf("telegram.adminChatIDs is required when telegram.botToken is set")
	}
	if cfg.S3.Enabled() {
		if cfg.S3.Region == "" || cfg.S3.AccessKey == "" || cfg.S3.SecretKey == "" {
			return fmt.Errorf("s3.region, s3.accessKey and s3.secretKey are required when s3.bucket is set")
		}
		if !ValidateURL(cfg.S3.PublicBaseURL) {
			return fmt.Errorf("s3.publicBaseURL must be a valid URL")
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
