// ABOUTME: Tracks agent liveness in memory and persists heartbeats asynchronously
// ABOUTME: Beats never block; when the persistence queue is full the write is dropped

package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/tunnelward/internal/metrics"
	"github.com/2389/tunnelward/internal/store"
)

// DefaultOfflineAfter is how long an agent may stay silent and still count as online.
const DefaultOfflineAfter = 2 * time.Minute

// Persister stores the latest heartbeat of an agent.
type Persister interface {
	SetLastHeartbeat(ctx context.Context, target store.HeartbeatTarget, id string, at time.Time) error
}

// Options tunes the tracker.
type Options struct {
	OfflineAfter time.Duration
	QueueSize    int
	GaugeEvery   time.Duration // how often agents_online is refreshed
}

type beat struct {
	target store.HeartbeatTarget
	id     string
	at     time.Time
}

// Tracker is the liveness map. It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	last    map[string]beat
	queue   chan beat
	persist Persister
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. persist may be nil to keep beats in memory only.
func NewTracker(persist Persister, opts Options, m *metrics.Metrics) *Tracker {
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = DefaultOfflineAfter
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.GaugeEvery <= 0 {
		opts.GaugeEvery = 30 * time.Second
	}
	return &Tracker{
		last:    make(map[string]beat),
		queue:   make(chan beat, opts.QueueSize),
		persist: persist,
		opts:    opts,
		metrics: m,
		logger:  slog.Default().With("component", "heartbeat"),
		now:     time.Now,
	}
}

// Beat records that an agent is alive.
func (t *Tracker) Beat(target store.HeartbeatTarget, id string) {
	b := beat{target: target, id: id, at: t.now().UTC()}

	t.mu.Lock()
	_, known := t.last[id]
	t.last[id] = b
	t.mu.Unlock()

	if !known {
		t.logger.Info("agent heard from", "target", target, "id", id)
	}
	t.metrics.Heartbeat(string(target))

	if t.persist == nil {
		return
	}
	select {
	case t.queue <- b:
	default:
		t.metrics.HeartbeatDropped()
		t.logger.Warn("heartbeat persistence queue full, dropping write", "target", target, "id", id)
	}
}

// Seed loads a heartbeat read back from storage. It never overwrites a newer
// in-memory beat and is not persisted again.
func (t *Tracker) Seed(target store.HeartbeatTarget, id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.last[id]; ok && !at.After(cur.at) {
		return
	}
	t.last[id] = beat{target: target, id: id, at: at.UTC()}
}

// Online reports whether id has beaten within the offline threshold.
func (t *Tracker) Online(id string) bool {
	t.mu.RLock()
	b, ok := t.last[id]
	t.mu.RUnlock()
	return ok && t.now().Sub(b.at) <= t.opts.OfflineAfter
}

// LastSeen returns the last heartbeat time known for id.
func (t *Tracker) LastSeen(id string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.last[id]
	return b.at, ok
}

// OnlineCount counts online agents of one target kind.
func (t *Tracker) OnlineCount(target store.HeartbeatTarget) int {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.last {
		if b.target == target && now.Sub(b.at) <= t.opts.OfflineAfter {
			n++
		}
	}
	return n
}

// Run persists queued heartbeats and refreshes the online gauges until ctx
// is done. Queued beats still pending at shutdown are written before it returns.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.GaugeEvery)
	defer ticker.Stop()

	for {
		select {
		case b := <-t.queue:
			t.write(ctx, b)
		case <-ticker.C:
			t.refreshGauges()
		case <-ctx.Done():
			t.drain()
			return nil
		}
	}
}

func (t *Tracker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case b := <-t.queue:
			t.write(ctx, b)
		default:
			return
		}
	}
}

func (t *Tracker) write(ctx context.Context, b beat) {
	if err := t.persist.SetLastHeartbeat(ctx, b.target, b.id, b.at); err != nil {
		t.logger.Warn("persisting heartbeat", "target", b.target, "id", b.id, "error", err)
	}
}

func (t *Tracker) refreshGauges() {
	for _, target := range []store.HeartbeatTarget{store.HeartbeatGateway, store.HeartbeatHub, store.HeartbeatSpoke} {
		t.metrics.SetAgentsOnline(string(target), t.OnlineCount(target))
	}
}
