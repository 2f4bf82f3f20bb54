package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// AgentConfig holds the node sync agent configuration
type AgentConfig struct {
	SubBaseURL     string `env:"SUB_BASE_URL,required,notEmpty"`
	NodeSyncSecret string `env:"NODE_SYNC_SECRET,required,notEmpty"`
	XrayConfig     string `env:"XRAY_CONFIG,required,notEmpty"`
	InboundTag     string `env:"INBOUND_TAG,required,notEmpty"`
	Flow           string `env:"XRAY_FLOW" envDefault:"xtls-rprx-vision"`

	Timeout       time.Duration `env:"AGENT_TIMEOUT" envDefault:"10s"`
	FetchAttempts uint64        `env:"AGENT_FETCH_ATTEMPTS" envDefault:"3"`
	ReloadCommand string        `env:"RELOAD_COMMAND" envDefault:"systemctl try-reload-or-restart xray"`
	ReloadTimeout time.Duration `env:"RELOAD_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// LoadAgent reads the agent configuration from environment variables
func LoadAgent() (*AgentConfig, error) {
	return parseAgent(env.Options{})
}

// LoadAgentFrom reads the agent configuration from the given variables
func LoadAgentFrom(environ map[string]string) (*AgentConfig, error) {
	return parseAgent(env.Options{Environment: environ})
}

func parseAgent(opts env.Options) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to load agent configuration: %w", err)
	}
	cfg.SubBaseURL = strings.TrimRight(cfg.SubBaseURL, "/")
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("AGENT_TIMEOUT must be positive, got %s", cfg.Timeout)
	}
	if cfg.ReloadTimeout <= 0 {
		return nil, fmt.Errorf("RELOAD_TIMEOUT must be positive, got %s", cfg.ReloadTimeout)
	}
	if cfg.FetchAttempts == 0 {
		cfg.FetchAttempts = 1
	}
	return &cfg, nil
}
