// Package config loads and validates server configuration from YAML, TOML or
// JSON files, with environment-variable overrides applied on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ircserve/ircserve/irc"
)

// Config is the full server configuration. Defaults are applied by Load
// before validation, so a minimal file only needs a listener address.
type Config struct {
	Server struct {
		// Name is the cosmetic hostname prefixing server-originated lines.
		Name    string `yaml:"name" toml:"name" json:"name" env:"IRCD_SERVER_NAME" validate:"required"`
		Network string `yaml:"network" toml:"network" json:"network" env:"IRCD_NETWORK"`
		// PasswordHash, when set, is the bcrypt hash connection passwords
		// are checked against by hosts that opt into the built-in gate.
		PasswordHash string `yaml:"password_hash" toml:"password_hash" json:"password_hash" env:"IRCD_PASSWORD_HASH"`
		Debug        bool   `yaml:"debug" toml:"debug" json:"debug" env:"IRCD_DEBUG"`
	} `yaml:"server" toml:"server" json:"server"`

	Timing struct {
		AuthTimeout Duration `yaml:"auth_timeout" toml:"auth_timeout" json:"auth_timeout" env:"IRCD_AUTH_TIMEOUT"`
		CapEndDelay Duration `yaml:"cap_end_delay" toml:"cap_end_delay" json:"cap_end_delay" env:"IRCD_CAP_END_DELAY"`
		PingPeriod  Duration `yaml:"ping_period" toml:"ping_period" json:"ping_period" env:"IRCD_PING_PERIOD"`
		PongTimeout Duration `yaml:"pong_timeout" toml:"pong_timeout" json:"pong_timeout" env:"IRCD_PONG_TIMEOUT"`
	} `yaml:"timing" toml:"timing" json:"timing"`

	Policy struct {
		ClearHandshakeOnDeny bool   `yaml:"clear_handshake_on_deny" toml:"clear_handshake_on_deny" json:"clear_handshake_on_deny" env:"IRCD_CLEAR_HANDSHAKE_ON_DENY"`
		ReplyUnknownCommands bool   `yaml:"reply_unknown_commands" toml:"reply_unknown_commands" json:"reply_unknown_commands" env:"IRCD_REPLY_UNKNOWN_COMMANDS"`
		QuitMessage          string `yaml:"quit_message" toml:"quit_message" json:"quit_message" env:"IRCD_QUIT_MESSAGE"`
	} `yaml:"policy" toml:"policy" json:"policy"`

	// Capabilities overrides the advertised IRCv3 capability list.
	Capabilities []string `yaml:"capabilities" toml:"capabilities" json:"capabilities" env:"IRCD_CAPABILITIES" envSeparator:","`

	// Listeners binds one host/port/TLS combination each; at least one is
	// required. Multiple entries share the same connection-handling core.
	Listeners []Listener `yaml:"listeners" toml:"listeners" json:"listeners" validate:"min=1,dive"`

	Admin struct {
		Enabled      bool     `yaml:"enabled" toml:"enabled" json:"enabled" env:"IRCD_ADMIN_ENABLED"`
		Addr         string   `yaml:"addr" toml:"addr" json:"addr" env:"IRCD_ADMIN_ADDR"`
		BearerTokens []string `yaml:"bearer_tokens" toml:"bearer_tokens" json:"bearer_tokens" env:"IRCD_ADMIN_TOKENS" envSeparator:","`
	} `yaml:"admin" toml:"admin" json:"admin"`

	MOTD string `yaml:"motd" toml:"motd" json:"motd" env:"IRCD_MOTD"`
}

// Listener configures one listening socket.
type Listener struct {
	Addr string `yaml:"addr" toml:"addr" json:"addr" validate:"required"`
	TLS  bool   `yaml:"tls" toml:"tls" json:"tls"`
	Cert string `yaml:"cert" toml:"cert" json:"cert"`
	Key  string `yaml:"key" toml:"key" json:"key"`
	// AutoGenerateCert serves a self-signed certificate when TLS is enabled
	// and no cert/key pair is configured.
	AutoGenerateCert bool `yaml:"auto_generate_cert" toml:"auto_generate_cert" json:"auto_generate_cert"`
}

// Duration parses "10s"-style values from every supported config source.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (TOML and env values).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) value() time.Duration { return time.Duration(d) }

// Load reads the file at path, applies defaults and environment overrides,
// and validates the result. The codec is picked by file extension; files
// without a recognized extension are treated as YAML.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	return finish(cfg)
}

// FromEnv builds a configuration from defaults and environment variables
// alone, for hosts that run without a config file. The listener address
// comes from IRCD_LISTEN, defaulting to every interface on port 6667.
func FromEnv() (*Config, error) {
	cfg := defaults()
	addr := os.Getenv("IRCD_LISTEN")
	if addr == "" {
		addr = ":6667"
	}
	cfg.Listeners = []Listener{{Addr: addr}}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config with every documented default filled in.
func defaults() *Config {
	cfg := &Config{}
	cfg.Server.Name = "irc.local"
	cfg.Server.Network = "ircserve"
	cfg.Timing.AuthTimeout = Duration(irc.DefaultAuthTimeout)
	cfg.Timing.CapEndDelay = Duration(irc.DefaultCapEndDelay)
	cfg.Timing.PingPeriod = Duration(irc.DefaultPingPeriod)
	cfg.Policy.QuitMessage = irc.DefaultQuitMessage
	cfg.Capabilities = irc.DefaultCapabilities()
	cfg.Admin.Addr = "127.0.0.1:8080"
	return cfg
}

// Options derives the per-connection engine options.
func (c *Config) Options() irc.Options {
	return irc.Options{
		Hostname:             c.Server.Name,
		AuthTimeout:          c.Timing.AuthTimeout.value(),
		CapEndDelay:          c.Timing.CapEndDelay.value(),
		PingPeriod:           c.Timing.PingPeriod.value(),
		PongTimeout:          c.Timing.PongTimeout.value(),
		Capabilities:         c.Capabilities,
		ClearHandshakeOnDeny: c.Policy.ClearHandshakeOnDeny,
		ReplyUnknownCommands: c.Policy.ReplyUnknownCommands,
		QuitMessage:          c.Policy.QuitMessage,
		Debug:                c.Server.Debug,
	}
}
