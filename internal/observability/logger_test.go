package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/finchlab/scopeflow/internal/config"
)

// newTestSink returns a buffer-backed write syncer for inspecting output.
func newTestSink() (*bytes.Buffer, zapcore.WriteSyncer) {
	var buf bytes.Buffer
	return &buf, zapcore.AddSync(&buf)
}

func TestInitializeJSONFormat(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf, sink := newTestSink()
	Initialize(config.LoggerConfig{
		Level:       "info",
		Format:      "json",
		ServiceName: "scopeflow-test",
	}, sink)

	GetLogger().Info("engine started", zap.String("runID", "run-1"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "json format must emit parseable lines")
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "engine started", entry["msg"])
	assert.Equal(t, "run-1", entry["runID"])
	assert.Equal(t, "scopeflow-test", entry["logger"])
}

func TestInitializeLevelFiltering(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf, sink := newTestSink()
	Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, sink)

	logger := GetLogger()
	logger.Debug("suppressed")
	logger.Info("suppressed too")
	logger.Warn("emitted")

	out := buf.String()
	assert.NotContains(t, out, "suppressed")
	assert.Contains(t, out, "emitted")
}

func TestInitializeInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf, sink := newTestSink()
	Initialize(config.LoggerConfig{Level: "shouting", Format: "json"}, sink)

	logger := GetLogger()
	logger.Debug("below info")
	logger.Info("at info")

	out := buf.String()
	assert.NotContains(t, out, "below info")
	assert.Contains(t, out, "at info")
}

func TestInitializeConsoleFormatNamesComponents(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf, sink := newTestSink()
	Initialize(config.LoggerConfig{
		Level:       "info",
		Format:      "console",
		ServiceName: "scopeflow",
	}, sink)

	GetLogger().Named("LoopEngine").Info("cycle complete")

	out := buf.String()
	assert.Contains(t, out, "scopeflow.LoopEngine.")
	assert.Contains(t, out, "cycle complete")
}

func TestInitializeIsIdempotent(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf1, sink1 := newTestSink()
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, sink1)

	// A second initialization must be a no-op; output stays on the first sink.
	buf2, sink2 := newTestSink()
	Initialize(config.LoggerConfig{Level: "debug", Format: "json"}, sink2)

	GetLogger().Info("routed")
	assert.Contains(t, buf1.String(), "routed")
	assert.Empty(t, buf2.String())
}

func TestGetLoggerBeforeInitialization(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger, "callers must never receive a nil logger")
	// The fallback is usable but distinct from an initialized logger.
	assert.True(t, strings.Contains(logger.Name(), "fallback"))
}

func TestGetLoggerIsSafeForConcurrentUse(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	_, sink := newTestSink()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Initialize(config.LoggerConfig{Level: "info", Format: "json"}, sink)
			GetLogger().Info("concurrent")
		}()
	}
	wg.Wait()
}

func TestSyncWithoutInitializationIsQuiet(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	// Must not panic or spam stderr when nothing was initialized.
	Sync()
}
