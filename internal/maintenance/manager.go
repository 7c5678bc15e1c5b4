package maintenance

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/karst-db/karst/internal/logging"
	"github.com/karst-db/karst/internal/memory"
	"github.com/karst-db/karst/internal/metrics"
)

// Options configures a Manager. All fields are required.
type Options struct {
	// NumThreads is the worker parallelism. Must be at least 1.
	NumThreads int

	// PollingInterval is the scheduler tick cadence.
	PollingInterval time.Duration

	// MemoryLimit is the absolute memory ceiling in bytes. If negative,
	// the pressure target is derived as a fraction of the probe's total
	// system memory instead.
	MemoryLimit int64

	// MaxTsAnchoredSecs is the write-ahead-log retention SLA. Any runnable
	// op anchoring log positions at least this old is scheduled ahead of
	// everything else.
	MaxTsAnchoredSecs int64

	// HistorySize is the completion-ring capacity. Must be at least 1.
	HistorySize int
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		NumThreads:        4,
		PollingInterval:   250 * time.Millisecond,
		MemoryLimit:       -1,
		MaxTsAnchoredSecs: 7200,
		HistorySize:       8,
	}
}

// When MemoryLimit is negative the pressure target is this percentage of
// total system memory.
const memTargetPercent = 70

// CompletedOp is one entry of the completion history ring.
type CompletedOp struct {
	Name     string
	Duration time.Duration
	Start    time.Time
}

// opState is the manager's bookkeeping for one registered op. The running
// count and quiesced condition are guarded by the manager lock, so
// unregister waiters need not know op internals.
type opState struct {
	op       MaintenanceOp
	stats    OpStats
	running  uint32
	quiesced *sync.Cond
}

// Manager schedules background maintenance operations. It polls every
// registered op's stats on a fixed cadence, selects at most one op per
// tick, and runs it on a bounded worker pool. See the package
// documentation for the selection policy.
type Manager struct {
	opts    Options
	probe   memory.Probe
	logger  *logging.Logger
	metrics *metrics.MaintenanceMetrics
	tracker *OpTracker

	mu             sync.Mutex
	ops            map[string]*opState
	runningOps     int
	shutdown       bool
	memTarget      uint64
	completed      []CompletedOp
	completedCount int64

	wake      chan struct{}
	stop      chan struct{}
	tasks     chan *opState
	schedDone chan struct{}
	workerWg  sync.WaitGroup
}

// NewManager creates a manager with the given options and memory probe.
// Call Init to start scheduling.
func NewManager(opts Options, probe memory.Probe) *Manager {
	return &Manager{
		opts:    opts,
		probe:   probe,
		logger:  logging.Global(),
		tracker: NewOpTracker(),
		ops:     make(map[string]*opState),
	}
}

// WithMetrics attaches scheduler-level metrics. Must be called before Init.
func (m *Manager) WithMetrics(mm *metrics.MaintenanceMetrics) *Manager {
	m.metrics = mm
	return m
}

// WithLogger overrides the global logger. Must be called before Init.
func (m *Manager) WithLogger(l *logging.Logger) *Manager {
	m.logger = l
	return m
}

// Tracker returns the manager's in-flight op tracker.
func (m *Manager) Tracker() *OpTracker {
	return m.tracker
}

// Init computes the memory pressure target, starts the worker pool, and
// starts the scheduler goroutine.
func (m *Manager) Init() error {
	if m.opts.NumThreads < 1 {
		return fmt.Errorf("maintenance: NumThreads must be at least 1, got %d", m.opts.NumThreads)
	}
	if m.opts.PollingInterval <= 0 {
		return fmt.Errorf("maintenance: PollingInterval must be positive, got %v", m.opts.PollingInterval)
	}
	if m.opts.HistorySize < 1 {
		return fmt.Errorf("maintenance: HistorySize must be at least 1, got %d", m.opts.HistorySize)
	}

	target, err := m.calculateMemTarget()
	if err != nil {
		return fmt.Errorf("maintenance: calculate memory target: %w", err)
	}

	m.mu.Lock()
	m.memTarget = target
	m.completed = make([]CompletedOp, m.opts.HistorySize)
	m.completedCount = 0
	m.mu.Unlock()

	m.wake = make(chan struct{}, 1)
	m.stop = make(chan struct{})
	m.schedDone = make(chan struct{})
	// Capacity NumThreads: the scheduler only dispatches while
	// runningOps < NumThreads, so a send can never block.
	m.tasks = make(chan *opState, m.opts.NumThreads)

	for i := 0; i < m.opts.NumThreads; i++ {
		m.workerWg.Add(1)
		go m.worker()
	}
	go m.runScheduler()

	m.logger.Infof("maintenance manager started", map[string]any{
		"threads":       m.opts.NumThreads,
		"pollIntervalMs": m.opts.PollingInterval.Milliseconds(),
		"memTargetBytes": target,
	})
	return nil
}

func (m *Manager) calculateMemTarget() (uint64, error) {
	if m.opts.MemoryLimit >= 0 {
		return uint64(m.opts.MemoryLimit), nil
	}
	total, err := m.probe.TotalMemory()
	if err != nil {
		return 0, err
	}
	return total / 100 * memTargetPercent, nil
}

// Shutdown stops the scheduler, waits for in-flight Perform calls to
// finish, and joins the workers. After it returns no further ops will be
// dispatched. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()

	close(m.stop)
	<-m.schedDone
	close(m.tasks)
	m.workerWg.Wait()
	m.tracker.WaitForAllToFinish()
	m.logger.Info("maintenance manager shut down")
}

// RegisterOp registers an op with the manager. The op will be considered
// on the next scheduling tick. Registering a colliding name, an empty
// name, or registering after Shutdown is a programmer error and fatal.
func (m *Manager) RegisterOp(op MaintenanceOp) {
	name := op.Name()
	if name == "" {
		m.logger.Fatalf("maintenance op registered with empty name", nil)
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		m.logger.Fatalf("maintenance op registered after shutdown", map[string]any{"op": name})
	}
	if _, ok := m.ops[name]; ok {
		m.mu.Unlock()
		m.logger.Fatalf("maintenance op name already registered", map[string]any{"op": name})
	}
	st := &opState{op: op}
	st.quiesced = sync.NewCond(&m.mu)
	m.ops[name] = st
	m.mu.Unlock()

	m.wakeScheduler()
	m.logger.WithOp(name).Debug("registered maintenance op")
}

// UnregisterOp removes an op from the manager. If the op is currently
// running it is not interrupted, but this call blocks until it finishes.
// On return the caller may safely discard the op; no further scheduler
// invocation of any of its methods will occur. Must not be called from
// the op's own Perform.
func (m *Manager) UnregisterOp(op MaintenanceOp) {
	name := op.Name()

	m.mu.Lock()
	st, ok := m.ops[name]
	if !ok || st.op != op {
		m.mu.Unlock()
		m.logger.Fatalf("unregister of unknown maintenance op", map[string]any{"op": name})
	}
	delete(m.ops, name)
	for st.running > 0 {
		st.quiesced.Wait()
	}
	m.mu.Unlock()

	m.logger.WithOp(name).Debug("unregistered maintenance op")
}

func (m *Manager) wakeScheduler() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) runScheduler() {
	defer close(m.schedDone)

	timer := time.NewTimer(m.opts.PollingInterval)
	defer timer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		m.tick()
		timer.Reset(m.opts.PollingInterval)
	}
}

// tick runs one scheduling pass: refresh every op's stats, evaluate
// memory pressure, pick at most one op, and dispatch it.
func (m *Manager) tick() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	if m.runningOps >= m.opts.NumThreads {
		// Pool saturated; stats refresh can wait for a free slot.
		m.mu.Unlock()
		return
	}

	for _, st := range m.ops {
		st.stats.Clear()
		st.op.UpdateStats(&st.stats)
	}

	used := m.probe.Used()
	underPressure := used >= m.memTarget
	if m.metrics != nil {
		m.metrics.ObservePressure(used, m.memTarget, underPressure)
	}

	best := m.findBestOpLocked(underPressure)
	if best == nil {
		m.mu.Unlock()
		return
	}
	m.runningOps++
	best.running++
	m.mu.Unlock()

	m.launchOp(best)
}

// findBestOpLocked selects the op to dispatch, or nil. Iteration is in
// ascending name order so ties resolve deterministically. Retention
// violations win over memory pressure, which wins over opportunistic
// perf work.
func (m *Manager) findBestOpLocked(underPressure bool) *opState {
	names := make([]string, 0, len(m.ops))
	for name := range m.ops {
		names = append(names, name)
	}
	sort.Strings(names)

	var bestTs, bestRAM, bestPerf *opState
	for _, name := range names {
		st := m.ops[name]
		s := &st.stats
		if !s.Runnable {
			continue
		}
		if s.TsAnchoredSecs >= m.opts.MaxTsAnchoredSecs {
			if bestTs == nil || s.TsAnchoredSecs > bestTs.stats.TsAnchoredSecs {
				bestTs = st
			}
		}
		if s.RAMAnchored > 0 {
			if bestRAM == nil || s.RAMAnchored > bestRAM.stats.RAMAnchored {
				bestRAM = st
			}
		}
		if s.PerfImprovement > 0 {
			if bestPerf == nil || s.PerfImprovement > bestPerf.stats.PerfImprovement {
				bestPerf = st
			}
		}
	}

	if bestTs != nil {
		return bestTs
	}
	if underPressure && bestRAM != nil {
		return bestRAM
	}
	return bestPerf
}

// launchOp prepares the op on the scheduler goroutine and, if Prepare
// succeeds, hands it to a worker. Runs without the manager lock.
func (m *Manager) launchOp(st *opState) {
	st.op.RunningGauge().Inc()

	if !st.op.Prepare() {
		st.op.RunningGauge().Dec()
		if m.metrics != nil {
			m.metrics.PrepareRefusedCounter.WithLabelValues(st.op.Name()).Inc()
		}
		m.mu.Lock()
		m.finishRunLocked(st)
		m.mu.Unlock()
		return
	}

	m.tasks <- st
}

// finishRunLocked decrements the running counters for one dispatch and
// wakes unregister waiters when the op quiesces.
func (m *Manager) finishRunLocked(st *opState) {
	if st.running == 0 || m.runningOps == 0 {
		m.logger.Fatalf("maintenance running count underflow", map[string]any{
			"op":         st.op.Name(),
			"opRunning":  st.running,
			"runningOps": m.runningOps,
		})
	}
	st.running--
	m.runningOps--
	if st.running == 0 {
		st.quiesced.Broadcast()
	}
}

func (m *Manager) worker() {
	defer m.workerWg.Done()
	for st := range m.tasks {
		m.runOp(st)
	}
}

// runOp executes one prepared dispatch on a worker: Perform, duration
// accounting, completion-ring append, and counter teardown.
func (m *Manager) runOp(st *opState) {
	name := st.op.Name()
	run := m.tracker.Add(name, kindOf(st.op))

	start := time.Now()
	st.op.Perform()
	duration := time.Since(start)

	m.tracker.Release(run)
	st.op.DurationHistogram().Observe(duration.Seconds())
	st.op.RunningGauge().Dec()
	if m.metrics != nil {
		m.metrics.ObserveCompletion(name)
	}

	m.mu.Lock()
	idx := m.completedCount % int64(len(m.completed))
	m.completed[idx] = CompletedOp{Name: name, Duration: duration, Start: start}
	m.completedCount++
	m.finishRunLocked(st)
	m.mu.Unlock()

	m.wakeScheduler()
	m.logger.WithOp(name).Debugf("maintenance op completed", map[string]any{
		"durationMs": duration.Milliseconds(),
	})
}
