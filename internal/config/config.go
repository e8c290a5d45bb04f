package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	JWTSecret  string `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer  string `envconfig:"JWT_ISSUER" default:""`
	PolicyFile string `envconfig:"POLICY_FILE" default:""`

	RollbackWindowMinutes int `envconfig:"ROLLBACK_WINDOW_MINUTES" default:"30"`
	ScanMinConfidence     int `envconfig:"SCAN_MIN_CONFIDENCE" default:"40"`
	RecentActivityMinutes int `envconfig:"RECENT_ACTIVITY_MINUTES" default:"30"`

	SMTPHost            string        `envconfig:"SMTP_HOST" default:""`
	SMTPPort            int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername        string        `envconfig:"SMTP_USERNAME" default:""`
	SMTPPassword        string        `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom            string        `envconfig:"SMTP_FROM" default:"no-reply@dupehub.local"`
	NotifyRatePerSecond float64       `envconfig:"NOTIFY_RATE_PER_SECOND" default:"2"`
	NotifySendTimeout   time.Duration `envconfig:"NOTIFY_SEND_TIMEOUT" default:"10s"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if len(strings.TrimSpace(c.JWTSecret)) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if c.RollbackWindowMinutes < 1 {
		return fmt.Errorf("ROLLBACK_WINDOW_MINUTES must be >= 1")
	}
	if c.ScanMinConfidence < 0 || c.ScanMinConfidence > 100 {
		return fmt.Errorf("SCAN_MIN_CONFIDENCE must be between 0 and 100")
	}
	if c.RecentActivityMinutes < 0 {
		return fmt.Errorf("RECENT_ACTIVITY_MINUTES must be >= 0")
	}
	if strings.TrimSpace(c.SMTPHost) != "" {
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			return fmt.Errorf("SMTP_PORT must be between 1 and 65535")
		}
		if strings.TrimSpace(c.SMTPFrom) == "" {
			return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
		}
	}
	if c.NotifyRatePerSecond <= 0 {
		return fmt.Errorf("NOTIFY_RATE_PER_SECOND must be > 0")
	}
	if c.NotifySendTimeout < 0 {
		return fmt.Errorf("NOTIFY_SEND_TIMEOUT must be >= 0")
	}
	return nil
}

func (c *Config) RollbackWindow() time.Duration {
	if c == nil || c.RollbackWindowMinutes < 1 {
		return 30 * time.Minute
	}
	return time.Duration(c.RollbackWindowMinutes) * time.Minute
}

// SendTimeout bounds one notification delivery, dial included. Zero means the
// 10s default.
func (c *Config) SendTimeout() time.Duration {
	if c == nil || c.NotifySendTimeout <= 0 {
		return 10 * time.Second
	}
	return c.NotifySendTimeout
}

func (c *Config) RecentActivityWindow() time.Duration {
	if c == nil {
		return 30 * time.Minute
	}
	return time.Duration(c.RecentActivityMinutes) * time.Minute
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
