package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`

	BRI       BRIConfig       `yaml:"bri"`
	BisonBank BisonBankConfig `yaml:"bison_bank"`
	Hambit    HambitConfig    `yaml:"hambit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

type HTTPConfig struct {
	Addr              string   `yaml:"addr"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes"`
	CallbackAllowlist []string `yaml:"callback_allowlist"`
	TLSCert           string   `yaml:"tls_cert"`
	TLSKey            string   `yaml:"tls_key"`
	TLSCA             string   `yaml:"tls_ca"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	ReplayTTL time.Duration `yaml:"replay_ttl"`
}

type AuthConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

type BRIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type BisonBankConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type HambitConfig struct {
	BaseURL        string `yaml:"base_url"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	VerifyCallback bool   `yaml:"verify_callback"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// TLSEnabled reports whether a serving certificate is configured.
func (h HTTPConfig) TLSEnabled() bool {
	return h.TLSCert != "" && h.TLSKey != ""
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{Driver: "postgres"},
		Redis:    RedisConfig{ReplayTTL: 10 * time.Minute},
		Auth:     AuthConfig{BcryptCost: 10},
		BRI:      BRIConfig{BaseURL: "https://partner.api.bri.co.id/sandbox/v2"},
		BisonBank: BisonBankConfig{
			BaseURL: "https://api.bisonbank.com",
		},
		Hambit: HambitConfig{
			BaseURL:        "https://api.hambit.co",
			VerifyCallback: true,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("FUNDGATE_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Environment, "APP_ENV")
	setString(&c.LogLevel, "LOG_LEVEL")

	setString(&c.HTTP.Addr, "API_ADDR")
	setString(&c.HTTP.TLSCert, "API_TLS_CERT")
	setString(&c.HTTP.TLSKey, "API_TLS_KEY")
	setString(&c.HTTP.TLSCA, "API_TLS_CA")
	if v := os.Getenv("API_CALLBACK_ALLOWLIST"); v != "" {
		c.HTTP.CallbackAllowlist = strings.Split(v, ",")
	}

	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")

	setString(&c.BRI.BaseURL, "BRI_API_BASE_URL")
	setString(&c.BRI.APIKey, "BRI_API_KEY")
	setString(&c.BisonBank.BaseURL, "BISON_BANK_API_BASE_URL")
	setString(&c.BisonBank.ClientID, "BISON_BANK_CLIENT_ID")
	setString(&c.BisonBank.ClientSecret, "BISON_BANK_CLIENT_SECRET")
	setString(&c.Hambit.BaseURL, "HAMBIT_API_BASE_URL")
	setString(&c.Hambit.AccessKey, "HAMBIT_ACCESS_KEY")
	setString(&c.Hambit.SecretKey, "HAMBIT_SECRET_KEY")
	setString(&c.Webhook.URL, "WEBHOOK_URL")
	setString(&c.Webhook.Secret, "WEBHOOK_SECRET")

	if v := os.Getenv("HAMBIT_CALLBACK_VERIFY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid HAMBIT_CALLBACK_VERIFY: %w", err)
		}
		c.Hambit.VerifyCallback = b
	}
	if v := os.Getenv("API_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid API_MAX_BODY_BYTES: %w", err)
		}
		c.HTTP.MaxBodyBytes = n
	}
	if v := os.Getenv("BCRYPT_COST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BCRYPT_COST: %w", err)
		}
		c.Auth.BcryptCost = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Webhook.URL != "" && c.Webhook.Secret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}
	if c.Hambit.VerifyCallback && c.Hambit.SecretKey == "" && c.isProduction() {
		missing = append(missing, "HAMBIT_SECRET_KEY")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	// Partner credentials are optional locally so the gateway can boot
	// against sandboxes that are not yet provisioned.
	if c.isProduction() {
		if c.BRI.APIKey == "" {
			missing = append(missing, "BRI_API_KEY")
		}
		if c.BisonBank.ClientID == "" {
			missing = append(missing, "BISON_BANK_CLIENT_ID")
		}
		if c.BisonBank.ClientSecret == "" {
			missing = append(missing, "BISON_BANK_CLIENT_SECRET")
		}
		if c.Hambit.AccessKey == "" {
			missing = append(missing, "HAMBIT_ACCESS_KEY")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q (want postgres or sqlite3)", c.Database.Driver)
	}

	if c.HTTP.MaxBodyBytes <= 0 {
		return errors.New("API_MAX_BODY_BYTES must be positive")
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return errors.New("API_TLS_CERT and API_TLS_KEY must be set together")
	}

	return nil
}

func (c *Config) isProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}
