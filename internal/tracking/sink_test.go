package tracking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/tracking"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// captureWriter records every batch it receives.
type captureWriter struct {
	mu     sync.Mutex
	events []schemas.Event
	block  chan struct{} // when non-nil, WriteEvents blocks until closed
}

func (w *captureWriter) WriteEvents(ctx context.Context, events []schemas.Event) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func event(seq uint64) schemas.Event {
	return schemas.Event{
		ID:    "ev",
		RunID: "run",
		Seq:   seq,
		Type:  schemas.EventStateChange,
		At:    time.Now(),
	}
}

func TestNewBufferedSinkRequiresWriter(t *testing.T) {
	_, err := tracking.NewBufferedSink(nil, zap.NewNop())
	require.Error(t, err)
}

func TestBufferedSinkFlushesOnClose(t *testing.T) {
	writer := &captureWriter{}
	sink, err := tracking.NewBufferedSink(writer, zap.NewNop(),
		tracking.WithFlushInterval(time.Hour)) // only Close flushes
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		sink.Record(event(uint64(i)))
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, 10, writer.count(), "every buffered event reaches the writer on close")
	assert.Zero(t, sink.Dropped())
}

func TestBufferedSinkRecordNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	writer := &captureWriter{block: block}
	sink, err := tracking.NewBufferedSink(writer, zap.NewNop(),
		tracking.WithBufferSize(2), tracking.WithFlushInterval(time.Millisecond))
	require.NoError(t, err)

	// Overfill the tiny buffer while the writer is stuck.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 100; i++ {
			sink.Record(event(uint64(i)))
		}
	}()

	select {
	case <-done:
		// Record returned promptly for all events.
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a slow writer")
	}

	close(block)
	require.NoError(t, sink.Close())
	assert.Greater(t, sink.Dropped(), 0, "overflow is dropped, not queued unboundedly")
}

func TestNopSinkDiscards(t *testing.T) {
	var sink tracking.NopSink
	sink.Record(event(1)) // must not panic
}
