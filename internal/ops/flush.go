package ops

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/karst-db/karst/internal/logging"
	"github.com/karst-db/karst/internal/maintenance"
	"github.com/karst-db/karst/internal/metrics"
)

// FlushConfig configures a FlushOp.
type FlushConfig struct {
	// DataDir is where flushed data files land.
	DataDir string

	// FlushThresholdBytes scales the op's perf-improvement score: a
	// memstore at the threshold scores 1.0.
	FlushThresholdBytes int64
}

// FlushOp drains a tablet's memstore to a data file. It reports the
// buffered bytes as anchored RAM and the oldest buffered write as the
// anchored log position, so the scheduler flushes under memory pressure
// or once the write-ahead log retained for the memstore gets too old.
type FlushOp struct {
	tablet string
	store  *MemStore
	cfg    FlushConfig
	logger *logging.Logger

	hist  prometheus.Observer
	gauge prometheus.Gauge

	mu       sync.Mutex
	flushing bool
	snapshot []entry
	snapSize int64
}

// NewFlushOp creates a flush op for one tablet's memstore. A nil metrics
// argument leaves the op's meters unregistered.
func NewFlushOp(tablet string, store *MemStore, cfg FlushConfig, mm *metrics.MaintenanceMetrics) *FlushOp {
	op := &FlushOp{
		tablet: tablet,
		store:  store,
		cfg:    cfg,
		logger: logging.Global().WithOp("flush-" + tablet),
	}
	if mm != nil {
		op.hist = mm.OpDuration(op.Name())
		op.gauge = mm.OpRunning(op.Name())
	} else {
		op.hist = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "flush_op_duration_seconds"})
		op.gauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "flush_op_running"})
	}
	return op
}

func (op *FlushOp) Name() string {
	return "flush-" + op.tablet
}

// Kind classifies the op for in-flight tracking.
func (op *FlushOp) Kind() maintenance.OpKind {
	return maintenance.KindFlush
}

func (op *FlushOp) UpdateStats(stats *maintenance.OpStats) {
	op.mu.Lock()
	flushing := op.flushing
	op.mu.Unlock()

	size := op.store.SizeBytes()
	stats.Runnable = size > 0 && !flushing
	stats.RAMAnchored = uint64(size)
	stats.TsAnchoredSecs = op.store.OldestAgeSecs()
	if op.cfg.FlushThresholdBytes > 0 {
		stats.PerfImprovement = float64(size) / float64(op.cfg.FlushThresholdBytes)
	}
}

// Prepare swaps the memstore contents into a private snapshot so writes
// arriving during the flush land in a fresh buffer.
func (op *FlushOp) Prepare() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.flushing {
		return false
	}
	entries, size := op.store.drain()
	if len(entries) == 0 {
		return false
	}
	op.flushing = true
	op.snapshot = entries
	op.snapSize = size
	return true
}

// Perform writes the snapshot to a data file.
func (op *FlushOp) Perform() {
	op.mu.Lock()
	entries := op.snapshot
	size := op.snapSize
	op.snapshot = nil
	op.snapSize = 0
	op.mu.Unlock()

	defer func() {
		op.mu.Lock()
		op.flushing = false
		op.mu.Unlock()
	}()

	path := filepath.Join(op.cfg.DataDir, fmt.Sprintf("%s-%s.kst", op.tablet, uuid.NewString()))
	if err := writeDataFile(path, entries); err != nil {
		// Put the writes back so a later flush retries them.
		for _, e := range entries {
			op.store.Put(e.key, e.value)
		}
		op.logger.Errorf("memstore flush failed", map[string]any{"error": err.Error()})
		return
	}

	op.logger.Infof("memstore flushed", map[string]any{
		"entries": len(entries),
		"bytes":   size,
		"file":    filepath.Base(path),
	})
}

func (op *FlushOp) DurationHistogram() prometheus.Observer { return op.hist }
func (op *FlushOp) RunningGauge() prometheus.Gauge         { return op.gauge }

// writeDataFile writes length-prefixed key/value records and syncs.
func writeDataFile(path string, entries []entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ops: create data file: %w", err)
	}

	w := bufio.NewWriter(f)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, e := range entries {
		n := binary.PutUvarint(lenBuf[:], uint64(len(e.key)))
		if _, err := w.Write(lenBuf[:n]); err != nil {
			f.Close()
			return fmt.Errorf("ops: write data file: %w", err)
		}
		if _, err := w.WriteString(e.key); err != nil {
			f.Close()
			return fmt.Errorf("ops: write data file: %w", err)
		}
		n = binary.PutUvarint(lenBuf[:], uint64(len(e.value)))
		if _, err := w.Write(lenBuf[:n]); err != nil {
			f.Close()
			return fmt.Errorf("ops: write data file: %w", err)
		}
		if _, err := w.Write(e.value); err != nil {
			f.Close()
			return fmt.Errorf("ops: write data file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("ops: flush data file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("ops: sync data file: %w", err)
	}
	return f.Close()
}
