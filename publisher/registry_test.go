package publisher

import (
	"testing"
	"time"

	"github.com/maxpert/quorumkeeper/cfg"
	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the sink package imports publisher, so tests register in-package fakes
var registrySink = &mockSink{}

func init() {
	RegisterSink("test", func(config cfg.SinkConfiguration) (Sink, error) {
		return registrySink, nil
	})
	RegisterTransformer(DefaultFormat, func() Transformer {
		return &mockTransformer{}
	})
}

func testSinkConfig(name string) cfg.SinkConfiguration {
	return cfg.SinkConfiguration{
		Name:           name,
		Type:           "test",
		PollIntervalMS: 10,
		RetryInitialMS: 5,
		RetryMaxMS:     20,
	}
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err, "data dir is required")

	r, err := NewRegistry(RegistryConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer r.Journal().Close()
	assert.Empty(t, r.workers)
	assert.NotNil(t, r.Journal())
}

func TestNewRegistry_InvalidSink(t *testing.T) {
	tests := []struct {
		name   string
		config cfg.SinkConfiguration
	}{
		{"unknown type", cfg.SinkConfiguration{Name: "s", Type: "carrier-pigeon"}},
		{"unknown format", cfg.SinkConfiguration{Name: "s", Type: "test", Format: "xml"}},
		{"bad glob", cfg.SinkConfiguration{Name: "s", Type: "test", FilterNamespaces: []string{"[bad"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(RegistryConfig{
				DataDir:     t.TempDir(),
				SinkConfigs: []cfg.SinkConfiguration{tt.config},
			})
			assert.Error(t, err)
		})
	}
}

func TestRegistryLifecycle(t *testing.T) {
	registrySink.mu.Lock()
	registrySink.events = nil
	registrySink.mu.Unlock()

	r, err := NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{testSinkConfig("events")},
	})
	require.NoError(t, err)

	require.NoError(t, r.Start())
	assert.Error(t, r.Start(), "double start")

	o := testOutcome(0)
	r.Record(&o)

	var recorder coordinator.Recorder = r
	failed := testOutcome(1)
	failed.Result = coordinator.ResultFailed
	recorder.Record(&failed)

	waitForEvents(t, registrySink, 2)
	require.Eventually(t, func() bool {
		return r.Backlog()["events"] == 0
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop() // idempotent
}

func TestRegistryAddSinkWhileRunning(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.AddSink(testSinkConfig("late")))
	require.Len(t, r.workers, 1)
	assert.True(t, r.workers[0].running.Load())
}

func TestCreateSink(t *testing.T) {
	snk, err := createSink(cfg.SinkConfiguration{Type: "test"})
	require.NoError(t, err)
	assert.NotNil(t, snk)

	_, err = createSink(cfg.SinkConfiguration{Type: "nope"})
	assert.Error(t, err)
}

func TestCreateTransformer(t *testing.T) {
	tr, err := createTransformer(DefaultFormat)
	require.NoError(t, err)
	assert.NotNil(t, tr)

	_, err = createTransformer("nope")
	assert.Error(t, err)
}
