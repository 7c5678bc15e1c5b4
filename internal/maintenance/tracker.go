package maintenance

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/karst-db/karst/internal/logging"
)

// Run is one in-flight maintenance op invocation tracked by an OpTracker.
type Run struct {
	Name  string
	Kind  OpKind
	Start time.Time
}

// OpTracker maintains typed in-flight counters for maintenance runs. The
// pending set is the source of truth; the per-kind gauges are function
// gauges that read it under the tracker lock.
type OpTracker struct {
	mu      sync.Mutex
	pending map[*Run]struct{}
	counts  [numOpKinds]uint64
}

// NewOpTracker returns an empty tracker.
func NewOpTracker() *OpTracker {
	return &OpTracker{
		pending: make(map[*Run]struct{}),
	}
}

// Add records the start of a run and returns its handle.
func (t *OpTracker) Add(name string, kind OpKind) *Run {
	run := &Run{Name: name, Kind: kind, Start: time.Now()}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[kind]++
	t.pending[run] = struct{}{}
	return run
}

// Release records the end of a run. Releasing an unknown run is a
// programmer error and fatal.
func (t *OpTracker) Release(run *Run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[run]; !ok {
		logging.Fatalf("release of untracked maintenance run", map[string]any{"op": run.Name})
	}
	delete(t.pending, run)
	t.counts[run.Kind]--
}

// NumInFlight returns the number of in-flight runs of the given kind.
func (t *OpTracker) NumInFlight(kind OpKind) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[kind]
}

// NumAllInFlight returns the total number of in-flight runs.
func (t *OpTracker) NumAllInFlight() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.pending))
}

// PendingRuns returns a snapshot of the in-flight runs.
func (t *OpTracker) PendingRuns() []Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	runs := make([]Run, 0, len(t.pending))
	for run := range t.pending {
		runs = append(runs, *run)
	}
	return runs
}

// WaitForAllToFinish blocks until the pending set drains, polling with
// bounded backoff and logging a warning roughly every second.
func (t *OpTracker) WaitForAllToFinish() {
	const complainInterval = time.Second
	wait := 250 * time.Microsecond
	start := time.Now()
	complaints := 0

	for {
		runs := t.PendingRuns()
		if len(runs) == 0 {
			return
		}
		time.Sleep(wait)
		waited := time.Since(start)
		if int(waited/complainInterval) > complaints {
			names := make([]string, len(runs))
			for i, run := range runs {
				names[i] = run.Name
			}
			logging.Warnf("waiting for in-flight maintenance ops to finish", map[string]any{
				"count":    len(runs),
				"waitedMs": waited.Milliseconds(),
				"ops":      names,
			})
			complaints++
		}
		wait = wait * 5 / 4
		if wait > time.Second {
			wait = time.Second
		}
	}
}

// StartInstrumentation registers per-kind in-flight function gauges with
// the given registry.
func (t *OpTracker) StartInstrumentation(reg prometheus.Registerer) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "karst",
			Subsystem: "maintenance",
			Name:      "all_ops_inflight",
			Help:      "Number of maintenance ops currently in flight.",
		},
		func() float64 { return float64(t.NumAllInFlight()) },
	))
	for kind := OpKind(0); kind < numOpKinds; kind++ {
		k := kind
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "karst",
				Subsystem: "maintenance",
				Name:      k.String() + "_ops_inflight",
				Help:      "Number of " + k.String() + " maintenance ops currently in flight.",
			},
			func() float64 { return float64(t.NumInFlight(k)) },
		))
	}
}
