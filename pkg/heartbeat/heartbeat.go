// Package heartbeat implements the worker liveness protocol: every worker
// emits {phase, collection, shard, rows_processed, bytes_read} on a
// configurable interval, and the orchestrator schedules termination for a
// worker that misses N consecutive beats.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultInterval is the default heartbeat period, inside the 30-60s band
// workers are expected to beat at.
const DefaultInterval = 45 * time.Second

// DefaultStallMultiple is the number of missed intervals (N) before a
// worker is considered stalled.
const DefaultStallMultiple = 3

// Beat is one worker's most recent heartbeat.
type Beat struct {
	Phase         string
	Collection    string
	Shard         string
	RowsProcessed int64
	BytesRead     int64
	At            time.Time
}

// Registry tracks the most recent Beat per worker ID and exports its age as
// a Prometheus gauge, mirroring pkg/prometheus's registration style.
type Registry struct {
	mu       sync.Mutex
	beats    map[string]Beat
	ageGauge *prometheus.GaugeVec
}

// NewRegistry constructs a Registry and registers its gauge with reg.
func NewRegistry(reg prometheus.Registerer) (*Registry, error) {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ccindex",
		Subsystem: "worker",
		Name:      "heartbeat_age_seconds",
		Help:      "Seconds since each worker's last heartbeat.",
	}, []string{"worker_id", "phase", "collection"})

	if reg != nil {
		if err := reg.Register(gauge); err != nil {
			return nil, err
		}
	}

	return &Registry{beats: make(map[string]Beat), ageGauge: gauge}, nil
}

// Record stores workerID's latest Beat, stamping it with the current time.
func (r *Registry) Record(workerID string, b Beat) {
	b.At = time.Now()

	r.mu.Lock()
	r.beats[workerID] = b
	r.mu.Unlock()

	r.ageGauge.WithLabelValues(workerID, b.Phase, b.Collection).Set(0)
}

// Stalled returns the IDs of every worker whose last heartbeat is older
// than interval*stallMultiple, refreshing each live worker's age gauge as
// it goes.
func (r *Registry) Stalled(interval time.Duration, stallMultiple int) []string {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if stallMultiple <= 0 {
		stallMultiple = DefaultStallMultiple
	}

	floor := time.Duration(stallMultiple) * interval

	r.mu.Lock()
	defer r.mu.Unlock()

	var stalled []string

	now := time.Now()

	for id, b := range r.beats {
		age := now.Sub(b.At)
		r.ageGauge.WithLabelValues(id, b.Phase, b.Collection).Set(age.Seconds())

		if age > floor {
			stalled = append(stalled, id)
		}
	}

	return stalled
}

// Forget removes workerID's recorded beat, called once a worker's
// terminated-and-retried work has been reassigned.
func (r *Registry) Forget(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.beats, workerID)
}

// Watch runs fn on every interval tick until ctx is cancelled, the
// orchestrator's stall-detection loop.
func Watch(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
