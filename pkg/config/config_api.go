package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// APIConfig configures the node HTTP API.
type APIConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
	BasePath   string `json:"base_path"`

	// TLS is required in production
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`

	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	MaxRequestSize    int64    `json:"max_request_size"`
	MaxConcurrentReqs int      `json:"max_concurrent_reqs"`
	IPAllowlist       []string `json:"ip_allowlist"`

	RateLimitEnabled   bool `json:"rate_limit_enabled"`
	RateLimitPerMinute int  `json:"rate_limit_per_minute"`
	RateLimitBurst     int  `json:"rate_limit_burst"`

	EnableTxSubmit bool `json:"enable_tx_submit"`
}

// TLSEnabled reports whether a certificate pair is configured.
func (c *APIConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// DefaultAPIConfig returns a disabled API on the conventional RPC port.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		ListenAddr:         ":10332",
		BasePath:           "/api/v1",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        60 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		MaxRequestSize:     1 << 20,
		MaxConcurrentReqs:  64,
		RateLimitEnabled:   true,
		RateLimitPerMinute: 600,
		RateLimitBurst:     60,
		EnableTxSubmit:     true,
	}
}

// LoadAPIConfig reads API_* keys.
func LoadAPIConfig(ctx context.Context, cm *utils.ConfigManager, environment string) (*APIConfig, error) {
	d := DefaultAPIConfig()
	cfg := &APIConfig{
		Enabled:            cm.GetBool("API_ENABLED", false),
		ListenAddr:         cm.GetString("API_LISTEN_ADDR", d.ListenAddr),
		BasePath:           strings.TrimSuffix(cm.GetString("API_BASE_PATH", d.BasePath), "/"),
		TLSCertFile:        cm.GetString("API_TLS_CERT_FILE", ""),
		TLSKeyFile:         cm.GetString("API_TLS_KEY_FILE", ""),
		ReadTimeout:        cm.GetDuration("API_READ_TIMEOUT", d.ReadTimeout),
		WriteTimeout:       cm.GetDuration("API_WRITE_TIMEOUT", d.WriteTimeout),
		IdleTimeout:        cm.GetDuration("API_IDLE_TIMEOUT", d.IdleTimeout),
		ShutdownTimeout:    cm.GetDuration("API_SHUTDOWN_TIMEOUT", d.ShutdownTimeout),
		MaxRequestSize:     cm.GetInt64("API_MAX_REQUEST_SIZE", d.MaxRequestSize),
		MaxConcurrentReqs:  cm.GetInt("API_MAX_CONCURRENT_REQUESTS", d.MaxConcurrentReqs),
		IPAllowlist:        cm.GetStringSlice("API_IP_ALLOWLIST", nil),
		RateLimitEnabled:   cm.GetBool("API_RATE_LIMIT_ENABLED", d.RateLimitEnabled),
		RateLimitPerMinute: cm.GetInt("API_RATE_LIMIT_PER_MINUTE", d.RateLimitPerMinute),
		RateLimitBurst:     cm.GetInt("API_RATE_LIMIT_BURST", d.RateLimitBurst),
		EnableTxSubmit:     cm.GetBool("API_ENABLE_TX_SUBMIT", d.EnableTxSubmit),
	}
	if err := cfg.Validate(environment); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the API settings. A disabled API is always valid.
func (c *APIConfig) Validate(environment string) error {
	if !c.Enabled {
		return nil
	}
	if c.ListenAddr == "" {
		return utils.NewError(utils.CodeConfigInvalid, "API_LISTEN_ADDR is required")
	}
	if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
		return utils.NewErrorf(utils.CodeConfigInvalid, "API_BASE_PATH must start with '/': %q", c.BasePath)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return utils.NewError(utils.CodeConfigInvalid, "API_TLS_CERT_FILE and API_TLS_KEY_FILE must be set together")
	}
	if environment == "production" && !c.TLSEnabled() {
		return &SecurityError{Field: "API_TLS_CERT_FILE", Reason: "TLS is required for the API in production"}
	}
	if c.MaxRequestSize <= 0 {
		return utils.NewError(utils.CodeConfigInvalid, "API_MAX_REQUEST_SIZE must be positive")
	}
	if c.RateLimitEnabled && c.RateLimitPerMinute <= 0 {
		return utils.NewError(utils.CodeConfigInvalid, "API_RATE_LIMIT_PER_MINUTE must be positive")
	}
	if _, err := ParseCIDRs(c.IPAllowlist); err != nil {
		return utils.WrapError(err, utils.CodeConfigInvalid, fmt.Sprintf("API_IP_ALLOWLIST: %v", err))
	}
	return nil
}
