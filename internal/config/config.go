// Package config loads the typed configuration spec.md §6 describes, via
// spf13/viper (TOML/YAML/env), and maps it onto ftpserver.Settings plus the
// handful of fields (accounts, manager socket path, metrics) the engine
// itself doesn't know about.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	ftpserver "github.com/clockwork-project/cogwheelftp"
)

// Account is one configured user, as loaded from file/env before being
// hashed into an internal/auth.Record.
type Account struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"` // plaintext on disk; hashed at load time
	HomeDir  string `mapstructure:"home_dir"`
	Disabled bool   `mapstructure:"disabled"`
}

// Config is the full on-disk/env configuration surface.
type Config struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	ServerName    string `mapstructure:"server_name"`
	ServerVersion string `mapstructure:"server_version"`
	Banner        string `mapstructure:"banner"`

	PublicHost string `mapstructure:"public_host"`

	PassiveMinPort int `mapstructure:"passive_min_port"`
	PassiveMaxPort int `mapstructure:"passive_max_port"`

	IdleTimeout       int `mapstructure:"idle_timeout_seconds"`
	ConnectionTimeout int `mapstructure:"connection_timeout_seconds"`
	DataTimeout       int `mapstructure:"data_timeout_seconds"`
	TransferChunkSize int `mapstructure:"transfer_chunk_size"`

	TLSRequired  string `mapstructure:"tls_required"` // "clear", "mandatory", "implicit"
	CertPath     string `mapstructure:"cert_path"`
	KeyPath      string `mapstructure:"key_path"`
	PlainAllowed bool   `mapstructure:"plain_ftp_enabled"`

	AnonymousEnabled bool `mapstructure:"anonymous_enabled"`
	AllowSMNT        bool `mapstructure:"allow_smnt"`

	ConnectionListUpdateMs int `mapstructure:"connection_list_update_ms"`
	LogFlushMs             int `mapstructure:"log_flush_ms"`
	MaxAuthFailures        int `mapstructure:"max_auth_failures"`

	ManagerSocketPath string `mapstructure:"manager_socket_path"`
	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`

	Accounts []Account `mapstructure:"accounts"`
}

// Defaults, matching ftpserver.loadSettings' own fallback values (§6) so a
// Config built with none of these keys set behaves identically to an
// unconfigured ftpserver.FtpServer.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "0.0.0.0:2221")
	v.SetDefault("server_name", "cogwheelftpd")
	v.SetDefault("idle_timeout_seconds", 300)
	v.SetDefault("connection_timeout_seconds", 30)
	v.SetDefault("data_timeout_seconds", 60)
	v.SetDefault("transfer_chunk_size", 32768)
	v.SetDefault("tls_required", "clear")
	v.SetDefault("plain_ftp_enabled", true)
	v.SetDefault("connection_list_update_ms", 5000)
	v.SetDefault("log_flush_ms", 1000)
	v.SetDefault("max_auth_failures", 3)
	v.SetDefault("manager_socket_path", "/var/run/cogwheelftpd.sock")
}

// Load reads configuration from path (if non-empty) and environment
// variables prefixed COGWHEELFTPD_, e.g. COGWHEELFTPD_LISTEN_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("cogwheelftpd")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// ToSettings maps the loaded Config onto the engine's Settings snapshot.
func (c *Config) ToSettings() *ftpserver.Settings {
	settings := &ftpserver.Settings{
		ListenAddr:             c.ListenAddr,
		ServerName:             c.ServerName,
		ServerVersion:          c.ServerVersion,
		PublicHost:             c.PublicHost,
		IdleTimeout:            c.IdleTimeout,
		ConnectionTimeout:      c.ConnectionTimeout,
		DataTimeout:            c.DataTimeout,
		TransferChunkSize:      c.TransferChunkSize,
		Banner:                 c.Banner,
		TLSRequired:            parseTLSRequirement(c.TLSRequired),
		KeyPath:                c.KeyPath,
		CertPath:               c.CertPath,
		PlainFTPEnabled:        c.PlainAllowed,
		AnonymousEnabled:       c.AnonymousEnabled,
		AllowSMNT:              c.AllowSMNT,
		ConnectionListUpdateMs: c.ConnectionListUpdateMs,
		LogFlushMs:             c.LogFlushMs,
		MaxAuthFailures:        c.MaxAuthFailures,
	}

	if c.PassiveMinPort > 0 && c.PassiveMaxPort > 0 {
		settings.PassiveTransferPortRange = &ftpserver.PortRange{
			Start: c.PassiveMinPort,
			End:   c.PassiveMaxPort,
		}
	}

	return settings
}

func parseTLSRequirement(value string) ftpserver.TLSRequirement {
	switch value {
	case "mandatory":
		return ftpserver.MandatoryEncryption
	case "implicit":
		return ftpserver.ImplicitEncryption
	default:
		return ftpserver.ClearOrEncrypted
	}
}
