// Package config binds process configuration from flags, BAKERY_*
// environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/bakery/internal/cluster"
	"github.com/dreamware/bakery/internal/logger"
	"github.com/dreamware/bakery/internal/telemetry"
)

// EnvPrefix prefixes every environment variable, e.g. BAKERY_HTTP_LISTEN.
const EnvPrefix = "BAKERY"

// Keys shared by flags, environment variables and config files.
const (
	KeyConfig         = "config"
	KeyID             = "id"
	KeyMembers        = "members"
	KeyHTTPListen     = "http-listen"
	KeySyncListen     = "sync-listen"
	KeySyncPeer       = "sync-peer"
	KeyDocSource      = "doc-source"
	KeyTriggerDelay   = "trigger-delay"
	KeyTriggerTimeout = "trigger-timeout"
	KeyDriver         = "driver"
	KeyHealthInterval = "health-interval"
	KeyLogLevel       = "log-level"
	KeyLogFormat      = "log-format"
	KeyLogOutput      = "log-output"
	KeyTelemetry      = "telemetry"
	KeyServiceName    = "service-name"
)

// Defaults.
const (
	DefaultTriggerDelay   = 500 * time.Millisecond
	DefaultHealthInterval = 2 * time.Second
	DefaultServiceName    = "bakery"
)

// Config is the effective configuration of one participant process.
type Config struct {
	ID             string
	Members        []cluster.Member
	HTTPListen     string
	SyncListen     string
	SyncPeer       string
	DocSource      string
	TriggerDelay   time.Duration
	TriggerTimeout time.Duration
	Driver         bool
	HealthInterval time.Duration
	Log            logger.Config
	Telemetry      telemetry.Config
}

// RegisterFlags adds every configuration flag to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP(KeyConfig, "c", "", "path to a YAML config file")
	fs.String(KeyID, "", "participant id (must appear in --members)")
	fs.StringSlice(KeyMembers, nil, "session members as id=http://host:port (repeatable or comma separated)")
	fs.String(KeyHTTPListen, "", "HTTP listen address")
	fs.String(KeySyncListen, "", "replication listen address (creates the document)")
	fs.String(KeySyncPeer, "", "replication address to dial")
	fs.String(KeyDocSource, "", "HTTP base URL of the participant to ask for the document id")
	fs.Duration(KeyTriggerDelay, DefaultTriggerDelay, "pause between driver triggers")
	fs.Duration(KeyTriggerTimeout, 0, "timeout for one triggered cycle (0 waits indefinitely)")
	fs.Bool(KeyDriver, true, "trigger peers in rotation after startup")
	fs.Duration(KeyHealthInterval, DefaultHealthInterval, "peer health check interval (0 disables)")
	fs.String(KeyLogLevel, "info", "log level (debug, info, warn, error)")
	fs.String(KeyLogFormat, "json", "log format (json, console)")
	fs.String(KeyLogOutput, "stderr", "log output (stdout, stderr or a file path)")
	fs.Bool(KeyTelemetry, true, "enable metrics and tracing")
	fs.String(KeyServiceName, DefaultServiceName, "service name reported by telemetry")
}

// Bind connects v to the flags in fs and to BAKERY_* environment variables.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads the optional config file named by the config key, then builds
// and validates the configuration. Flags override the environment, which
// overrides the file.
func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString(KeyConfig)); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	members, err := parseMembers(v.GetStringSlice(KeyMembers))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ID:             strings.TrimSpace(v.GetString(KeyID)),
		Members:        members,
		HTTPListen:     strings.TrimSpace(v.GetString(KeyHTTPListen)),
		SyncListen:     strings.TrimSpace(v.GetString(KeySyncListen)),
		SyncPeer:       strings.TrimSpace(v.GetString(KeySyncPeer)),
		DocSource:      strings.TrimSpace(v.GetString(KeyDocSource)),
		TriggerDelay:   v.GetDuration(KeyTriggerDelay),
		TriggerTimeout: v.GetDuration(KeyTriggerTimeout),
		Driver:         v.GetBool(KeyDriver),
		HealthInterval: v.GetDuration(KeyHealthInterval),
		Log: logger.Config{
			Level:      v.GetString(KeyLogLevel),
			Format:     v.GetString(KeyLogFormat),
			OutputFile: v.GetString(KeyLogOutput),
		},
		Telemetry: telemetry.Config{
			Enabled:     v.GetBool(KeyTelemetry),
			ServiceName: v.GetString(KeyServiceName),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseMembers accepts entries that are themselves comma separated, which
// is how a list arrives from an environment variable.
func parseMembers(raw []string) ([]cluster.Member, error) {
	members := make([]cluster.Member, 0, len(raw))
	for _, entry := range raw {
		for _, s := range strings.Split(entry, ",") {
			if strings.TrimSpace(s) == "" {
				continue
			}
			m, err := cluster.ParseMember(s)
			if err != nil {
				return nil, err
			}
			members = append(members, m)
		}
	}
	return members, nil
}

// Validate checks that the configuration describes a runnable participant.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	ms, err := cluster.NewMembership(c.Members)
	if err != nil {
		return fmt.Errorf("members: %w", err)
	}
	if _, err := ms.Lookup(c.ID); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if c.HTTPListen == "" {
		return errors.New("http-listen is required")
	}
	if (c.SyncPeer == "") != (c.DocSource == "") {
		return errors.New("sync-peer and doc-source must be set together")
	}
	if c.SyncListen == "" && c.SyncPeer == "" {
		return errors.New("one of sync-listen or sync-peer is required")
	}
	if c.TriggerDelay < 0 || c.TriggerTimeout < 0 {
		return errors.New("trigger durations must not be negative")
	}
	if c.HealthInterval < 0 {
		return errors.New("health-interval must not be negative")
	}
	return nil
}

// Membership returns the validated member set.
func (c Config) Membership() (cluster.Membership, error) {
	return cluster.NewMembership(c.Members)
}

// Creates reports whether this participant creates and seeds the document
// rather than fetching it from a peer.
func (c Config) Creates() bool { return c.DocSource == "" }

type file struct {
	ID             string        `yaml:"id"`
	Members        []string      `yaml:"members"`
	HTTPListen     string        `yaml:"http-listen"`
	SyncListen     string        `yaml:"sync-listen,omitempty"`
	SyncPeer       string        `yaml:"sync-peer,omitempty"`
	DocSource      string        `yaml:"doc-source,omitempty"`
	TriggerDelay   time.Duration `yaml:"trigger-delay"`
	TriggerTimeout time.Duration `yaml:"trigger-timeout"`
	Driver         bool          `yaml:"driver"`
	HealthInterval time.Duration `yaml:"health-interval"`
	LogLevel       string        `yaml:"log-level"`
	LogFormat      string        `yaml:"log-format"`
	LogOutput      string        `yaml:"log-output"`
	Telemetry      bool          `yaml:"telemetry"`
	ServiceName    string        `yaml:"service-name"`
}

// YAML renders c in the config file format accepted by Load.
func (c Config) YAML() ([]byte, error) {
	members := make([]string, len(c.Members))
	for i, m := range c.Members {
		members[i] = m.ID + "=" + m.Addr
	}
	return yaml.Marshal(file{
		ID:             c.ID,
		Members:        members,
		HTTPListen:     c.HTTPListen,
		SyncListen:     c.SyncListen,
		SyncPeer:       c.SyncPeer,
		DocSource:      c.DocSource,
		TriggerDelay:   c.TriggerDelay,
		TriggerTimeout: c.TriggerTimeout,
		Driver:         c.Driver,
		HealthInterval: c.HealthInterval,
		LogLevel:       c.Log.Level,
		LogFormat:      c.Log.Format,
		LogOutput:      c.Log.OutputFile,
		Telemetry:      c.Telemetry.Enabled,
		ServiceName:    c.Telemetry.ServiceName,
	})
}
