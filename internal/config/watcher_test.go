package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/log"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, baseYAML)

	got := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { got <- c }, log.Discard())
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	updated := strings.Replace(baseYAML, "global: proactive", "global: cautious", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	select {
	case cfg := <-got:
		require.Equal(t, "cautious", cfg.Autonomy.Global)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatcherKeepsPreviousOnInvalid(t *testing.T) {
	path := writeConfig(t, baseYAML)

	called := false
	w := NewWatcher(path, func(*Config) { called = true }, log.Discard())
	require.NoError(t, os.WriteFile(path, []byte("autonomy:\n  global: reckless\n"), 0600))
	w.reload()
	require.False(t, called)
}
