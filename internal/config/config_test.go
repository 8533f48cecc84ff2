package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bakery/internal/cluster"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("bakery", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	v := viper.New()
	require.NoError(t, Bind(v, fs))
	return Load(v)
}

func TestLoadFlags(t *testing.T) {
	cfg, err := load(t,
		"--id", "1",
		"--members", "1=http://127.0.0.1:8001,2=http://127.0.0.1:8002",
		"--members", "3=http://127.0.0.1:8003",
		"--http-listen", ":8001",
		"--sync-listen", ":9001",
	)
	require.NoError(t, err)

	assert.Equal(t, "1", cfg.ID)
	assert.Equal(t, []cluster.Member{
		{ID: "1", Addr: "http://127.0.0.1:8001"},
		{ID: "2", Addr: "http://127.0.0.1:8002"},
		{ID: "3", Addr: "http://127.0.0.1:8003"},
	}, cfg.Members)
	assert.Equal(t, DefaultTriggerDelay, cfg.TriggerDelay)
	assert.Zero(t, cfg.TriggerTimeout)
	assert.True(t, cfg.Driver)
	assert.Equal(t, DefaultHealthInterval, cfg.HealthInterval)
	assert.True(t, cfg.Creates())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, DefaultServiceName, cfg.Telemetry.ServiceName)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("BAKERY_ID", "2")
	t.Setenv("BAKERY_MEMBERS", "1=http://a:8001,2=http://b:8002")
	t.Setenv("BAKERY_HTTP_LISTEN", ":8002")
	t.Setenv("BAKERY_SYNC_PEER", "a:9001")
	t.Setenv("BAKERY_DOC_SOURCE", "http://a:8001")
	t.Setenv("BAKERY_TRIGGER_DELAY", "2s")
	t.Setenv("BAKERY_DRIVER", "false")

	cfg, err := load(t, "--trigger-delay", "1s")
	require.NoError(t, err)

	assert.Equal(t, "2", cfg.ID)
	assert.Len(t, cfg.Members, 2)
	assert.Equal(t, "a:9001", cfg.SyncPeer)
	assert.False(t, cfg.Creates())
	assert.False(t, cfg.Driver)
	assert.Equal(t, time.Second, cfg.TriggerDelay, "flags win over the environment")
}

func TestLoadFileRoundTrip(t *testing.T) {
	want, err := load(t,
		"--id", "3",
		"--members", "1=http://a:8001,2=http://b:8002,3=http://c:8003",
		"--http-listen", ":8003",
		"--sync-peer", "a:9001",
		"--doc-source", "http://a:8001",
		"--trigger-delay", "250ms",
		"--log-format", "console",
	)
	require.NoError(t, err)

	data, err := want.YAML()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bakery.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err := load(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		ID:         "1",
		Members:    []cluster.Member{{ID: "1", Addr: "a"}, {ID: "2", Addr: "b"}},
		HTTPListen: ":8001",
		SyncListen: ":9001",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no id", func(c *Config) { c.ID = "" }, "id is required"},
		{"no members", func(c *Config) { c.Members = nil }, "members"},
		{"id not a member", func(c *Config) { c.ID = "9" }, "unknown member"},
		{"duplicate member", func(c *Config) { c.Members = append(c.Members, cluster.Member{ID: "2", Addr: "c"}) }, "duplicate"},
		{"no http listen", func(c *Config) { c.HTTPListen = "" }, "http-listen"},
		{"no role", func(c *Config) { c.SyncListen = "" }, "one of sync-listen"},
		{"peer without source", func(c *Config) { c.SyncPeer = "a:9001" }, "set together"},
		{"negative delay", func(c *Config) { c.TriggerDelay = -time.Second }, "negative"},
		{"negative health interval", func(c *Config) { c.HealthInterval = -time.Second }, "health-interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			c.Members = append([]cluster.Member(nil), valid.Members...)
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
