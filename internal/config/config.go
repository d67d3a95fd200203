package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// EDM OAuth client settings.
	EDMTokenURL     string `mapstructure:"EDM_TOKEN_URL"`
	EDMPatientsURL  string `mapstructure:"EDM_PATIENTS_URL"`
	EDMClientID     string `mapstructure:"EDM_CLIENT_ID"`
	EDMClientSecret string `mapstructure:"EDM_CLIENT_SECRET"`

	// EDMEncryptionKey is the base64 encoding of the 32-byte AES-256 key that
	// protects stored tokens. Required; validated once at startup.
	EDMEncryptionKey string `mapstructure:"EDM_ENCRYPTION_KEY"`

	// SweepAdminSecret guards the HTTP sweep trigger and the credential admin
	// endpoints. Required in production.
	SweepAdminSecret string `mapstructure:"SWEEP_ADMIN_SECRET"`

	RefreshInterval time.Duration `mapstructure:"EDM_REFRESH_INTERVAL"`
	RetryBase       time.Duration `mapstructure:"EDM_RETRY_BASE"`
	RetryMax        time.Duration `mapstructure:"EDM_RETRY_MAX"`
	// FailureCeiling auto-revokes a credential after this many consecutive
	// failed exchanges. Zero disables auto-revocation.
	FailureCeiling int           `mapstructure:"EDM_FAILURE_CEILING"`
	SweepBatchSize int           `mapstructure:"EDM_SWEEP_BATCH_SIZE"`
	HTTPTimeout    time.Duration `mapstructure:"EDM_HTTP_TIMEOUT"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("EDM_REFRESH_INTERVAL", "8h")
	v.SetDefault("EDM_RETRY_BASE", "1h")
	v.SetDefault("EDM_RETRY_MAX", "8h")
	v.SetDefault("EDM_FAILURE_CEILING", 0)
	v.SetDefault("EDM_SWEEP_BATCH_SIZE", 100)
	v.SetDefault("EDM_HTTP_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("EDM_TOKEN_URL")
	v.BindEnv("EDM_PATIENTS_URL")
	v.BindEnv("EDM_CLIENT_ID")
	v.BindEnv("EDM_CLIENT_SECRET")
	v.BindEnv("EDM_ENCRYPTION_KEY")
	v.BindEnv("SWEEP_ADMIN_SECRET")
	v.BindEnv("EDM_REFRESH_INTERVAL")
	v.BindEnv("EDM_RETRY_BASE")
	v.BindEnv("EDM_RETRY_MAX")
	v.BindEnv("EDM_FAILURE_CEILING")
	v.BindEnv("EDM_SWEEP_BATCH_SIZE")
	v.BindEnv("EDM_HTTP_TIMEOUT")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = []string{origins}
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EncryptionKey decodes and length-checks EDM_ENCRYPTION_KEY. An absent or
// malformed key is a fatal configuration error: tokens can never be stored in
// plaintext, so there is no disabled mode.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.EDMEncryptionKey == "" {
		return nil, fmt.Errorf("EDM_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.EDMEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("EDM_ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("EDM_ENCRYPTION_KEY must be 32 bytes (base64-encoded), got %d bytes", len(key))
	}
	return key, nil
}

// Validate checks that the configuration is safe to run. The encryption key
// is always required; upstream endpoints and the admin secret are enforced
// outside development so the server refuses to start half-configured.
func (c *Config) Validate() error {
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}
	if c.EDMTokenURL == "" {
		return fmt.Errorf("EDM_TOKEN_URL is required")
	}
	if c.EDMClientID == "" || c.EDMClientSecret == "" {
		return fmt.Errorf("EDM_CLIENT_ID and EDM_CLIENT_SECRET are required")
	}
	if !c.IsDev() {
		if c.EDMPatientsURL == "" {
			return fmt.Errorf("EDM_PATIENTS_URL is required outside development")
		}
		if c.SweepAdminSecret == "" {
			return fmt.Errorf("SWEEP_ADMIN_SECRET is required outside development")
		}
	}
	if c.RefreshInterval <= 0 || c.RetryBase <= 0 || c.RetryMax <= 0 {
		return fmt.Errorf("EDM refresh intervals must be positive")
	}
	if c.RetryMax < c.RetryBase {
		return fmt.Errorf("EDM_RETRY_MAX must be >= EDM_RETRY_BASE")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("EDM_SWEEP_BATCH_SIZE must be positive")
	}
	return nil
}
