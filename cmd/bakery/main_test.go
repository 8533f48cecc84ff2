package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/bakery/internal/cluster"
	"github.com/dreamware/bakery/internal/config"
	"github.com/dreamware/bakery/internal/logger"
)

func TestConfigCommand(t *testing.T) {
	cmd := newRootCommand(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config",
		"--id", "1",
		"--members", "1=http://127.0.0.1:8001,2=http://127.0.0.1:8002",
		"--http-listen", ":8001",
		"--sync-listen", ":9001",
	})
	require.NoError(t, cmd.Execute())

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "1", got["id"])
	assert.Equal(t, ":9001", got["sync-listen"])
	assert.Equal(t, "500ms", got["trigger-delay"])
	assert.Len(t, got["members"], 2)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	cmd := newRootCommand(viper.New())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--id", "1"})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "members")
}

func TestSubmainExitCode(t *testing.T) {
	assert.Equal(t, 1, submain(context.Background(), []string{"--id", ""}))
}

func TestRunSingleParticipant(t *testing.T) {
	cfg := config.Config{
		ID:         "1",
		Members:    []cluster.Member{{ID: "1", Addr: "unused"}},
		HTTPListen: "127.0.0.1:0",
		SyncListen: "127.0.0.1:0",
		Driver:     true,
		Log:        logger.Config{Level: "error", OutputFile: "stderr"},
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan listeners, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, func(l listeners) { addrs <- l }) }()

	var bound listeners
	select {
	case bound = <-addrs:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not start")
	}
	assert.NotEmpty(t, bound.Sync)

	client := cluster.NewClient(5 * time.Second)
	id, err := client.DocumentID(context.Background(), bound.HTTP)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	for want := uint64(1); want <= 2; want++ {
		got, err := client.Increment(context.Background(), bound.HTTP)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}
