package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OpStats is an op's self-reported view of the benefit of running it,
// snapshotted by the scheduler once per tick.
type OpStats struct {
	// Runnable is true if the op is in a state where Prepare() is
	// expected to succeed.
	Runnable bool

	// RAMAnchored is the approximate number of bytes of memory that not
	// running this op keeps around. Used to decide when to start freeing
	// memory, so it should be fairly accurate. May be 0.
	RAMAnchored uint64

	// TsAnchoredSecs is the age, in seconds, of the oldest
	// write-ahead-log position that not running this op retains. May be 0.
	TsAnchoredSecs int64

	// PerfImprovement is a unitless score of read-path or compaction
	// benefit. 0 means the op has no direct perf benefit and should run
	// only under retention or memory pressure.
	PerfImprovement float64
}

// Clear zeros all stats.
func (s *OpStats) Clear() {
	*s = OpStats{}
}

// MaintenanceOp is a unit of deferrable background work (flush,
// compaction, log GC). Once registered, the Manager polls it for
// statistics every scheduling tick. The registrant owns the op object and
// must unregister it before discarding it.
type MaintenanceOp interface {
	// Name returns the op's unique identifier. Names must be unique
	// within a manager and non-empty.
	Name() string

	// UpdateStats fills in the op's current statistics. Called under the
	// manager lock every tick, so it must be cheap and non-blocking.
	UpdateStats(stats *OpStats)

	// Prepare sets up state that must be held while the op is queued,
	// such as row locks. It runs on the scheduler goroutine without the
	// manager lock, so it should be short. Returning false aborts the
	// dispatch; the op will be reconsidered on a later tick.
	Prepare() bool

	// Perform executes the op on a worker. It may take a long time. It
	// runs without the manager lock and must not acquire any lock that
	// is held while UpdateStats runs.
	Perform()

	// DurationHistogram returns the meter recording the wall-clock of
	// each Perform invocation. Must not be nil.
	DurationHistogram() prometheus.Observer

	// RunningGauge returns the meter mirroring the op's in-flight
	// invocation count. Must not be nil.
	RunningGauge() prometheus.Gauge
}

// OpKind classifies maintenance ops for the in-flight tracker.
type OpKind int

const (
	// KindOther is the default classification.
	KindOther OpKind = iota
	// KindFlush covers memstore and delta flushes.
	KindFlush
	// KindCompaction covers rowset and delta compactions.
	KindCompaction
	// KindLogGC covers write-ahead-log garbage collection.
	KindLogGC

	numOpKinds
)

func (k OpKind) String() string {
	switch k {
	case KindFlush:
		return "flush"
	case KindCompaction:
		return "compaction"
	case KindLogGC:
		return "log_gc"
	default:
		return "other"
	}
}

// KindClassifier is optionally implemented by ops that want typed
// in-flight accounting. Ops without it are tracked as KindOther.
type KindClassifier interface {
	Kind() OpKind
}

func kindOf(op MaintenanceOp) OpKind {
	if c, ok := op.(KindClassifier); ok {
		return c.Kind()
	}
	return KindOther
}
