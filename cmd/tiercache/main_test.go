package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nobletooth/tiercache/pkg/config"
	"github.com/nobletooth/tiercache/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsAreRegisteredInConfig(t *testing.T) {
	unregisteredFlags := config.CollectUnregisteredFlags()
	if len(unregisteredFlags) != 0 {
		t.Fail()
		for _, flagErr := range unregisteredFlags {
			t.Error(flagErr)
		}
	}
}

type countingCleaner struct {
	calls atomic.Int32
}

func (c *countingCleaner) Cleanup() engine.SweepResult {
	c.calls.Add(1)
	return engine.SweepResult{}
}

func TestRunCleanupLoop(t *testing.T) {
	t.Run("ticks_until_cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cache := &countingCleaner{}
		loopErr := make(chan error, 1)
		go func() { loopErr <- runCleanupLoop(ctx, cache, 5*time.Millisecond) }()

		assert.Eventually(t, func() bool { return cache.calls.Load() >= 2 }, 5*time.Second, time.Millisecond)
		cancel()
		assert.NoError(t, <-loopErr)
	})
	t.Run("disabled", func(t *testing.T) {
		cache := &countingCleaner{}
		assert.NoError(t, runCleanupLoop(context.Background(), cache, 0))
		assert.Zero(t, cache.calls.Load())
	})
}

func TestServeMetrics(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- serveMetrics(ctx, listener) }()

	// Registers the engine metrics with at least one sample.
	e, err := engine.New(engine.Options{CacheDir: t.TempDir(), Namespace: "main"})
	require.NoError(t, err)
	e.Fetch("missing", nil)
	require.NoError(t, e.Close())

	resp, err := http.Get("http://" + listener.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tiercache_lookups_total")

	cancel()
	assert.NoError(t, <-serveErr)
}
