// Package viz exposes the live perception snapshot to observers over
// websockets. The publisher is best-effort: under load it skips frames
// instead of back-pressuring the engine, and a slow client only loses its
// own updates.
package viz

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/finchlab/scopeflow/api/schemas"
)

// SnapshotFrame is the wire form of one published update.
type SnapshotFrame struct {
	At         time.Time              `json:"at"`
	Perception schemas.Perception     `json:"perception"`
	Metrics    schemas.QualityMetrics `json:"metrics"`
}

// Publisher implements schemas.SnapshotPublisher. Every call stores the
// latest snapshot; fan-out to subscribers is rate limited so a fast loop
// cannot flood slow viewers.
type Publisher struct {
	logger  *zap.Logger
	limiter *rate.Limiter

	mu     sync.RWMutex
	latest *SnapshotFrame
	subs   map[chan SnapshotFrame]struct{}
}

// NewPublisher caps subscriber fan-out at maxPerSecond updates.
func NewPublisher(maxPerSecond float64, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPerSecond <= 0 {
		maxPerSecond = 4
	}
	return &Publisher{
		logger:  logger.Named("VizPublisher"),
		limiter: rate.NewLimiter(rate.Limit(maxPerSecond), 1),
		subs:    map[chan SnapshotFrame]struct{}{},
	}
}

// Publish records the newest snapshot and, if the rate limit allows, pushes
// it to subscribers. It never blocks the caller.
func (p *Publisher) Publish(snapshot schemas.Perception, metrics schemas.QualityMetrics) {
	frame := SnapshotFrame{At: time.Now(), Perception: snapshot, Metrics: metrics}

	p.mu.Lock()
	p.latest = &frame
	p.mu.Unlock()

	if !p.limiter.Allow() {
		return // frame skipped; Latest still serves it on demand
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for ch := range p.subs {
		select {
		case ch <- frame:
		default:
			// Subscriber is behind; it will catch up from a later frame.
		}
	}
}

// Latest returns the most recent snapshot, if any was published yet.
func (p *Publisher) Latest() (SnapshotFrame, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return SnapshotFrame{}, false
	}
	return *p.latest, true
}

// Subscribe registers a new observer channel. The returned cancel function
// must be called when the observer goes away.
func (p *Publisher) Subscribe() (<-chan SnapshotFrame, func()) {
	ch := make(chan SnapshotFrame, 8)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}
	return ch, cancel
}
