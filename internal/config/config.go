package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the backend configuration
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	Port        string `env:"PORT" envDefault:"8080"`

	JWTSecret string        `env:"JWT_SECRET,required,notEmpty"`
	JWTAlgo   string        `env:"JWT_ALGO" envDefault:"HS256"`
	JWTIssuer string        `env:"JWT_ISSUER" envDefault:"vpnpower"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"720h"`
	// OpaqueTTL bounds one-click tokens; zero issues non-expiring tokens.
	OpaqueTTL time.Duration `env:"OPAQUE_TOKEN_TTL" envDefault:"0s"`

	BrandName     string `env:"BRAND_NAME" envDefault:"VPNpower"`
	TrialDays     int    `env:"TRIAL_DAYS" envDefault:"3"`
	SubMaxDevices int    `env:"SUB_MAX_DEVICES" envDefault:"3"`
	SlotPolicy    string `env:"SLOT_POLICY" envDefault:"evict"`

	NodeSyncSecret string `env:"NODE_SYNC_SECRET"`
	TGLinkSecret   string `env:"TG_LINK_SECRET"`
	AdminSecret    string `env:"ADMIN_SECRET"`

	PublicBaseURL string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	NodeCacheTTL  time.Duration `env:"NODE_CACHE_TTL" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads configuration from the given variables instead of the
// process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.SubMaxDevices < 1 {
		return nil, fmt.Errorf("SUB_MAX_DEVICES must be at least 1, got %d", cfg.SubMaxDevices)
	}
	if cfg.TrialDays < 0 {
		return nil, fmt.Errorf("TRIAL_DAYS must not be negative, got %d", cfg.TrialDays)
	}
	switch cfg.SlotPolicy {
	case "evict", "reject":
	default:
		return nil, fmt.Errorf("SLOT_POLICY must be evict or reject, got %q", cfg.SlotPolicy)
	}
	return &cfg, nil
}
