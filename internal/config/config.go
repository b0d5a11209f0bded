// Package config loads the relay configuration from YAML or JSON5 files,
// with environment variable expansion and include resolution.
package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/identity"
)

// Config is the top-level relay configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Auth     auth.Config     `yaml:"auth"`
	Identity identity.Config `yaml:"identity"`
	Gateway  gateway.Config  `yaml:"gateway"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Addr returns the host:port the websocket server binds to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// MetricsAddr returns the host:port the metrics server binds to.
func (s ServerConfig) MetricsAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.MetricsPort))
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}

	authDef := auth.DefaultConfig()
	if cfg.Auth.CacheTTL == 0 {
		cfg.Auth.CacheTTL = authDef.CacheTTL
	}
	if cfg.Auth.FailureThreshold == 0 {
		cfg.Auth.FailureThreshold = authDef.FailureThreshold
	}
	if cfg.Auth.ResetTimeout == 0 {
		cfg.Auth.ResetTimeout = authDef.ResetTimeout
	}
	if cfg.Auth.ValidateTimeout == 0 {
		cfg.Auth.ValidateTimeout = authDef.ValidateTimeout
	}

	identityDef := identity.DefaultConfig()
	if cfg.Identity.Timeout == 0 {
		cfg.Identity.Timeout = identityDef.Timeout
	}

	gatewayDef := gateway.DefaultConfig()
	if cfg.Gateway.MaxConnectionsPerUser == 0 {
		cfg.Gateway.MaxConnectionsPerUser = gatewayDef.MaxConnectionsPerUser
	}
	if cfg.Gateway.HeartbeatInterval == 0 {
		cfg.Gateway.HeartbeatInterval = gatewayDef.HeartbeatInterval
	}
	if cfg.Gateway.HeartbeatTimeout == 0 {
		cfg.Gateway.HeartbeatTimeout = gatewayDef.HeartbeatTimeout
	}
	if cfg.Gateway.MaxRetryAttempts == 0 {
		cfg.Gateway.MaxRetryAttempts = gatewayDef.MaxRetryAttempts
	}
	if cfg.Gateway.RetryDelay == 0 {
		cfg.Gateway.RetryDelay = gatewayDef.RetryDelay
	}
	if cfg.Gateway.MaxMessageBytes == 0 {
		cfg.Gateway.MaxMessageBytes = gatewayDef.MaxMessageBytes
	}
	if cfg.Gateway.RateLimit.Window == 0 {
		cfg.Gateway.RateLimit = gatewayDef.RateLimit
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.MetricsPort == c.Server.Port {
		return fmt.Errorf("metrics port must differ from server port")
	}
	if c.Identity.ValidateURL == "" && !c.Auth.Bypass.Enabled {
		return fmt.Errorf("identity validate_url is required unless auth bypass is enabled")
	}
	if c.Auth.Bypass.Enabled && c.Auth.Bypass.Secret == "" {
		return fmt.Errorf("auth bypass requires a signing secret")
	}
	if c.Gateway.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("max_connections_per_user must be at least 1")
	}
	if c.Gateway.HeartbeatTimeout < c.Gateway.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout must not be shorter than heartbeat_interval")
	}
	return nil
}
