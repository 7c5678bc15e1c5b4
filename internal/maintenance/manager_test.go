package maintenance

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/karst-db/karst/internal/logging"
	"github.com/karst-db/karst/internal/memory"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:  logging.LevelError,
		Format: logging.FormatText,
		Output: io.Discard,
	})
}

func testOptions() Options {
	return Options{
		NumThreads:        2,
		PollingInterval:   time.Millisecond,
		MemoryLimit:       1000,
		MaxTsAnchoredSecs: 1000,
		HistorySize:       8,
	}
}

type testOpState int

const (
	opDisabled testOpState = iota
	opRunnable
	opRunning
	opFinished
)

// testOp is a maintenance op driven through an explicit state machine so
// tests can observe scheduling decisions.
type testOp struct {
	name string

	mu    sync.Mutex
	cond  *sync.Cond
	state testOpState

	ramAnchored     uint64
	tsAnchoredSecs  int64
	perfImprovement float64

	// performGate, when non-nil, blocks Perform until closed.
	performGate chan struct{}
	// onPrepare, when non-nil, runs on a successful Prepare.
	onPrepare func()

	hist  prometheus.Histogram
	gauge prometheus.Gauge
}

func newTestOp(name string, state testOpState) *testOp {
	op := &testOp{
		name:        name,
		state:       state,
		ramAnchored: 500,
		hist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "test_op_duration_seconds",
		}),
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "test_op_running",
		}),
	}
	op.cond = sync.NewCond(&op.mu)
	return op
}

func (o *testOp) Name() string { return o.name }

func (o *testOp) UpdateStats(stats *OpStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats.Runnable = o.state == opRunnable
	stats.RAMAnchored = o.ramAnchored
	stats.TsAnchoredSecs = o.tsAnchoredSecs
	stats.PerfImprovement = o.perfImprovement
}

func (o *testOp) Prepare() bool {
	o.mu.Lock()
	if o.state != opRunnable {
		o.mu.Unlock()
		return false
	}
	o.state = opRunning
	o.cond.Broadcast()
	hook := o.onPrepare
	o.mu.Unlock()
	if hook != nil {
		hook()
	}
	return true
}

func (o *testOp) Perform() {
	if o.performGate != nil {
		<-o.performGate
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != opRunning {
		panic(fmt.Sprintf("Perform with state %d, want running", o.state))
	}
	o.state = opFinished
	o.cond.Broadcast()
}

func (o *testOp) DurationHistogram() prometheus.Observer { return o.hist }
func (o *testOp) RunningGauge() prometheus.Gauge         { return o.gauge }

func (o *testOp) enable() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = opRunnable
	o.cond.Broadcast()
}

func (o *testOp) waitForState(state testOpState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.state != state {
		o.cond.Wait()
	}
}

func (o *testOp) waitForStateWithTimeout(state testOpState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	done := make(chan struct{})
	go func() {
		// Wake the waiter past the deadline even if no state change occurs.
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
		}
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			o.cond.Broadcast()
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
	defer close(done)

	o.mu.Lock()
	defer o.mu.Unlock()
	for o.state != state {
		if time.Now().After(deadline) {
			return false
		}
		o.cond.Wait()
	}
	return true
}

func (o *testOp) setRAMAnchored(n uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ramAnchored = n
}

func (o *testOp) setTsAnchoredSecs(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tsAnchoredSecs = n
}

func (o *testOp) setPerfImprovement(p float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.perfImprovement = p
}

// ramProbe reports the ram anchored by a set of test ops as process
// usage, so tests can drive memory pressure by mutating op stats.
type ramProbe struct {
	total uint64
	ops   []*testOp
}

func (p *ramProbe) TotalMemory() (uint64, error) { return p.total, nil }

func (p *ramProbe) Used() uint64 {
	var sum uint64
	for _, op := range p.ops {
		op.mu.Lock()
		sum += op.ramAnchored
		op.mu.Unlock()
	}
	return sum
}

// Just create the manager and shut it down, to make sure there are no
// race conditions there.
func TestCreateAndShutdown(t *testing.T) {
	mgr := NewManager(testOptions(), memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	mgr.Shutdown()

	dump := mgr.StatusDump()
	if dump.RunningOps != 0 {
		t.Errorf("RunningOps = %d, want 0", dump.RunningOps)
	}
	if len(dump.Completed) != 0 {
		t.Errorf("Completed = %v, want empty", dump.Completed)
	}
}

// Create an op, enable it from another goroutine, and wait for it to run
// to completion.
func TestRegisterUnregister(t *testing.T) {
	opts := testOptions()
	opts.MemoryLimit = 1
	mgr := NewManager(opts, memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()

	op := newTestOp("1", opDisabled)
	op.setPerfImprovement(1)
	mgr.RegisterOp(op)

	go op.enable()
	op.waitForState(opFinished)
	mgr.UnregisterOp(op)
}

// UnregisterOp must block while the op's Perform is in progress and only
// return once it has finished.
func TestUnregisterBlocksWhileRunning(t *testing.T) {
	mgr := NewManager(testOptions(), memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()

	op := newTestOp("blocked", opRunnable)
	op.setPerfImprovement(1)
	op.performGate = make(chan struct{})
	mgr.RegisterOp(op)

	op.waitForState(opRunning)

	unregistered := make(chan struct{})
	go func() {
		mgr.UnregisterOp(op)
		close(unregistered)
	}()

	select {
	case <-unregistered:
		close(op.performGate)
		t.Fatal("UnregisterOp returned while Perform was still in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(op.performGate)
	select {
	case <-unregistered:
	case <-time.After(2 * time.Second):
		t.Fatal("UnregisterOp did not return after Perform finished")
	}
	op.waitForState(opFinished)
}

// An op with no perf improvement must not run until memory pressure gets
// high, and must run promptly once it does.
func TestMemoryPressure(t *testing.T) {
	op := newTestOp("op", opRunnable)
	op.setPerfImprovement(0)
	op.setRAMAnchored(100)

	probe := &ramProbe{total: 10000, ops: []*testOp{op}}
	mgr := NewManager(testOptions(), probe).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()
	mgr.RegisterOp(op)

	// At first we don't want to run this, since there is no perf
	// improvement and usage is below the limit.
	if op.waitForStateWithTimeout(opFinished, 20*time.Millisecond) {
		t.Fatal("op ran with no perf improvement and no memory pressure")
	}

	// Anchor so much ram that the scheduler has to run it.
	go op.setRAMAnchored(1100)
	op.waitForState(opFinished)
	mgr.UnregisterOp(op)
}

// The completion history must wrap around without growing.
func TestCompletedOpsHistory(t *testing.T) {
	opts := testOptions()
	opts.HistorySize = 4
	mgr := NewManager(opts, memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("op%d", i)
		op := newTestOp(name, opRunnable)
		op.setPerfImprovement(1)
		op.setRAMAnchored(100)
		mgr.RegisterOp(op)

		if !op.waitForStateWithTimeout(opFinished, 2*time.Second) {
			t.Fatalf("%s did not run", name)
		}
		mgr.UnregisterOp(op)

		dump := mgr.StatusDump()
		if len(dump.Completed) > 4 {
			t.Fatalf("history grew to %d entries, capacity 4", len(dump.Completed))
		}
		newest := dump.Completed[len(dump.Completed)-1]
		if newest.Name != name {
			t.Errorf("newest completion = %q, want %q", newest.Name, name)
		}
		if i == 4 {
			for _, c := range dump.Completed {
				if c.Name == "op0" {
					t.Error("oldest entry op0 still present after wrap")
				}
			}
		}
	}
}

// Ties in perf improvement resolve by ascending op name.
func TestSelectionTieBreak(t *testing.T) {
	var order []string
	var orderMu sync.Mutex
	record := func(name string) func() {
		return func() {
			orderMu.Lock()
			order = append(order, name)
			orderMu.Unlock()
		}
	}

	opB := newTestOp("B", opRunnable)
	opB.setPerfImprovement(5)
	opB.setRAMAnchored(0)
	opB.onPrepare = record("B")
	opA := newTestOp("A", opRunnable)
	opA.setPerfImprovement(5)
	opA.setRAMAnchored(0)
	opA.onPrepare = record("A")

	opts := testOptions()
	opts.NumThreads = 1
	mgr := NewManager(opts, memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()

	// Saturate the pool so both candidates are registered before the
	// scheduler can pick either.
	blocker := newTestOp("zz-blocker", opRunnable)
	blocker.setPerfImprovement(100)
	blocker.performGate = make(chan struct{})
	mgr.RegisterOp(blocker)
	blocker.waitForState(opRunning)

	mgr.RegisterOp(opB)
	mgr.RegisterOp(opA)
	close(blocker.performGate)

	opA.waitForState(opFinished)
	opB.waitForState(opFinished)
	mgr.UnregisterOp(opA)
	mgr.UnregisterOp(opB)
	mgr.UnregisterOp(blocker)

	orderMu.Lock()
	defer orderMu.Unlock()
	if len(order) != 2 || order[0] != "A" {
		t.Errorf("dispatch order = %v, want A first", order)
	}
}

// An op past the log-retention SLA beats any perf improvement.
func TestRetentionTriggerBeatsPerf(t *testing.T) {
	var order []string
	var orderMu sync.Mutex
	record := func(name string) func() {
		return func() {
			orderMu.Lock()
			order = append(order, name)
			orderMu.Unlock()
		}
	}

	opX := newTestOp("X", opRunnable)
	opX.setTsAnchoredSecs(1001)
	opX.setPerfImprovement(0)
	opX.setRAMAnchored(0)
	opX.onPrepare = record("X")
	opY := newTestOp("Y", opRunnable)
	opY.setTsAnchoredSecs(0)
	opY.setPerfImprovement(1000)
	opY.setRAMAnchored(0)
	opY.onPrepare = record("Y")

	opts := testOptions()
	opts.NumThreads = 1
	mgr := NewManager(opts, memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()

	blocker := newTestOp("zz-blocker", opRunnable)
	blocker.setPerfImprovement(100)
	blocker.performGate = make(chan struct{})
	mgr.RegisterOp(blocker)
	blocker.waitForState(opRunning)

	mgr.RegisterOp(opY)
	mgr.RegisterOp(opX)
	close(blocker.performGate)

	opX.waitForState(opFinished)
	opY.waitForState(opFinished)
	mgr.UnregisterOp(opX)
	mgr.UnregisterOp(opY)
	mgr.UnregisterOp(blocker)

	orderMu.Lock()
	defer orderMu.Unlock()
	if len(order) != 2 || order[0] != "X" {
		t.Errorf("dispatch order = %v, want X first", order)
	}
}

// Prepare returning false is a transient refusal: no completion is
// recorded and the op is reconsidered later.
func TestPrepareRefusal(t *testing.T) {
	mgr := NewManager(testOptions(), memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()

	// The op reports itself runnable but refuses every Prepare, so each
	// dispatch is aborted before reaching a worker.
	r := &refuserOp{testOp: newTestOp("refuser", opDisabled)}
	r.testOp.setPerfImprovement(1)
	mgr.RegisterOp(r)

	// Give the scheduler a few ticks to attempt dispatches.
	time.Sleep(20 * time.Millisecond)

	dump := mgr.StatusDump()
	if len(dump.Completed) != 0 {
		t.Errorf("refused dispatches recorded completions: %v", dump.Completed)
	}
	mgr.UnregisterOp(r)
}

// Register, unregister, and register again: no scheduler-visible state
// leaks between lifetimes.
func TestReRegisterAfterUnregister(t *testing.T) {
	mgr := NewManager(testOptions(), memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()

	op := newTestOp("again", opRunnable)
	op.setPerfImprovement(1)
	mgr.RegisterOp(op)
	op.waitForState(opFinished)
	mgr.UnregisterOp(op)

	op.enable()
	mgr.RegisterOp(op)
	op.waitForState(opFinished)
	mgr.UnregisterOp(op)

	dump := mgr.StatusDump()
	count := 0
	for _, c := range dump.Completed {
		if c.Name == "again" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("completions for re-registered op = %d, want 2", count)
	}
}

func TestRegisterDuplicateNameFatal(t *testing.T) {
	mgr := NewManager(testOptions(), memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()

	op1 := newTestOp("dup", opDisabled)
	op2 := newTestOp("dup", opDisabled)
	mgr.RegisterOp(op1)
	defer mgr.UnregisterOp(op1)

	defer func() {
		if r := recover(); r == nil {
			t.Error("registering a duplicate name did not panic")
		}
	}()
	mgr.RegisterOp(op2)
}

func TestInitRejectsBadOptions(t *testing.T) {
	opts := testOptions()
	opts.NumThreads = 0
	mgr := NewManager(opts, memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err == nil {
		t.Error("Init() accepted NumThreads = 0")
	}

	opts = testOptions()
	opts.HistorySize = 0
	mgr = NewManager(opts, memory.NewStaticProbe(10000)).WithLogger(quietLogger())
	if err := mgr.Init(); err == nil {
		t.Error("Init() accepted HistorySize = 0")
	}
}

// The derived memory target is a fraction of total memory when no
// explicit limit is configured.
func TestDerivedMemTarget(t *testing.T) {
	opts := testOptions()
	opts.MemoryLimit = -1
	probe := memory.NewStaticProbe(10000)
	mgr := NewManager(opts, probe).WithLogger(quietLogger())
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer mgr.Shutdown()

	op := newTestOp("pressured", opRunnable)
	op.setPerfImprovement(0)
	op.setRAMAnchored(100)
	mgr.RegisterOp(op)
	defer mgr.UnregisterOp(op)

	// 7000 target from 10000 total; push usage past it.
	probe.SetUsed(8000)
	if !op.waitForStateWithTimeout(opFinished, 2*time.Second) {
		t.Error("op did not run under derived memory pressure")
	}
}

// refuserOp always refuses Prepare while reporting itself runnable.
type refuserOp struct {
	*testOp
}

func (r *refuserOp) UpdateStats(stats *OpStats) {
	r.testOp.UpdateStats(stats)
	stats.Runnable = true
}

func (r *refuserOp) Prepare() bool { return false }
