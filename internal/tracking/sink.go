// Package tracking persists the per-run event stream. The engine's contract
// is fire-and-forget: Record never blocks the loop, so the sink buffers
// events and drains them on a background goroutine. When the buffer is full
// events are dropped with a warning rather than stalling a run.
package tracking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
)

const (
	defaultBufferSize    = 1024
	defaultFlushInterval = 2 * time.Second
	defaultFlushBatch    = 64
)

// Writer is the destination a buffered sink drains to.
type Writer interface {
	WriteEvents(ctx context.Context, events []schemas.Event) error
}

// BufferedSink decouples event production from persistence. It implements
// schemas.TrackingSink.
type BufferedSink struct {
	writer Writer
	logger *zap.Logger

	events    chan schemas.Event
	interval  time.Duration
	batchSize int

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}

	mu      sync.Mutex
	dropped int
}

// SinkOption configures a BufferedSink.
type SinkOption func(*BufferedSink)

// WithBufferSize sets the channel capacity between Record and the drain
// goroutine.
func WithBufferSize(n int) SinkOption {
	return func(s *BufferedSink) {
		if n > 0 {
			s.events = make(chan schemas.Event, n)
		}
	}
}

// WithFlushInterval sets how often buffered events are flushed even when the
// batch is not full.
func WithFlushInterval(d time.Duration) SinkOption {
	return func(s *BufferedSink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewBufferedSink starts a sink draining to the given writer. Close must be
// called to flush the tail of the stream.
func NewBufferedSink(writer Writer, logger *zap.Logger, opts ...SinkOption) (*BufferedSink, error) {
	if writer == nil {
		return nil, errNilWriter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &BufferedSink{
		writer:    writer,
		logger:    logger.Named("TrackingSink"),
		events:    make(chan schemas.Event, defaultBufferSize),
		interval:  defaultFlushInterval,
		batchSize: defaultFlushBatch,
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.drain()
	return s, nil
}

// Record buffers one event. It never blocks: when the buffer is full the
// event is counted as dropped and the run continues.
func (s *BufferedSink) Record(ev schemas.Event) {
	select {
	case s.events <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n == 1 || n%100 == 0 {
			s.logger.Warn("Tracking buffer full, dropping events",
				zap.Int("droppedTotal", n))
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *BufferedSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the drain goroutine after flushing everything still buffered.
func (s *BufferedSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.drained
	})
	return nil
}

func (s *BufferedSink) drain() {
	defer close(s.drained)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]schemas.Event, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.writer.WriteEvents(ctx, batch); err != nil {
			s.logger.Error("Failed to persist event batch",
				zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever Record managed to buffer before Close.
			for {
				select {
				case ev := <-s.events:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// NopSink discards every event. Used when tracking is disabled.
type NopSink struct{}

func (NopSink) Record(schemas.Event) {}
