package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	LogLevel            string        `mapstructure:"log_level"`
	SignalingURL        string        `mapstructure:"signaling_url"`
	ListenAddress       string        `mapstructure:"listen_address"`
	STUNServer          string        `mapstructure:"stun_server"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	FanoutRetryDelay    time.Duration `mapstructure:"fanout_retry_delay"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	StorePath           string        `mapstructure:"store_path"`
	Vault               VaultConfig   `mapstructure:"vault"`
}

// VaultConfig describes where the sealed profile lives and which
// environment variable carries its passphrase.
type VaultConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	defaultLogLevel            = "info"
	defaultSignalingURL        = "wss://signal.eind.chat/ws"
	defaultListenAddress       = "0.0.0.0:0"
	defaultSTUNServer          = "stun.l.google.com:19302"
	defaultHeartbeatInterval   = 4 * time.Second
	defaultFanoutRetryDelay    = 1500 * time.Millisecond
	defaultShutdownGracePeriod = 10 * time.Second
	defaultStorePath           = "data/conversations"
	defaultVaultPath           = "data/profile.vault"
	defaultPassphraseEnv       = "EIND_VAULT_PASSPHRASE"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with EIND_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EIND")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("signaling_url", defaultSignalingURL)
	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("stun_server", defaultSTUNServer)
	v.SetDefault("heartbeat_interval", defaultHeartbeatInterval.String())
	v.SetDefault("idle_timeout", "0s")
	v.SetDefault("fanout_retry_delay", defaultFanoutRetryDelay.String())
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("store_path", defaultStorePath)
	v.SetDefault("vault.path", defaultVaultPath)
	v.SetDefault("vault.passphrase_env", defaultPassphraseEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"heartbeat_interval", &cfg.HeartbeatInterval},
		{"idle_timeout", &cfg.IdleTimeout},
		{"fanout_retry_delay", &cfg.FanoutRetryDelay},
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
	} {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.SignalingURL == "" {
		cfg.SignalingURL = defaultSignalingURL
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.StorePath == "" {
		cfg.StorePath = defaultStorePath
	}
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = defaultVaultPath
	}
	if cfg.Vault.PassphraseEnv == "" {
		cfg.Vault.PassphraseEnv = defaultPassphraseEnv
	}

	return cfg, nil
}

// Passphrase fetches the vault passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Vault.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("vault passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
