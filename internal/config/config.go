package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	TCPAddr  string `mapstructure:"tcp_addr"` // empty disables the raw TCP listener

	AdminSecret string `mapstructure:"admin_secret"`
	GinMode     string `mapstructure:"gin_mode"`

	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	StorePath string `mapstructure:"store_path"`
	LogLevel  string `mapstructure:"log_level"`

	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Approval ApprovalConfig `mapstructure:"approval"`
}

type GatewayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type AgentConfig struct {
	URL string `mapstructure:"url"` // empty disables agent forwarding
}

type ApprovalConfig struct {
	Policy     string        `mapstructure:"policy"` // pending, allowlist, auto
	Allowlist  []string      `mapstructure:"allowlist"`
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
}

const (
	PolicyPending   = "pending"
	PolicyAllowlist = "allowlist"
	PolicyAuto      = "auto"
)

// Load reads bridge.yaml (or the explicit path) and applies BRIDGE_*
// environment overrides, e.g. BRIDGE_GATEWAY_URL.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("http_addr", ":8787")
	v.SetDefault("tcp_addr", ":9787")
	v.SetDefault("admin_secret", "")
	v.SetDefault("gin_mode", "release")
	v.SetDefault("tls_cert_file", "")
	v.SetDefault("tls_key_file", "")
	v.SetDefault("store_path", "data/paired-nodes.json")
	v.SetDefault("log_level", "info")
	v.SetDefault("gateway.url", "ws://127.0.0.1:18789/ws")
	v.SetDefault("gateway.token", "")
	v.SetDefault("agent.url", "")
	v.SetDefault("approval.policy", PolicyPending)
	v.SetDefault("approval.allowlist", []string{})
	v.SetDefault("approval.pending_ttl", 5*time.Minute)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if cfg.AdminSecret == "" {
		return Config{}, errors.New("admin_secret is required")
	}
	switch cfg.Approval.Policy {
	case PolicyPending, PolicyAllowlist, PolicyAuto:
	default:
		return Config{}, fmt.Errorf("unknown approval policy %q", cfg.Approval.Policy)
	}
	if cfg.Approval.PendingTTL <= 0 {
		return Config{}, errors.New("approval.pending_ttl must be positive")
	}

	return cfg, nil
}
