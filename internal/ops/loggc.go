package ops

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/karst-db/karst/internal/logging"
	"github.com/karst-db/karst/internal/maintenance"
	"github.com/karst-db/karst/internal/metrics"
)

// Estimated index memory pinned per retained segment. The log index keeps
// a fixed-size entry per segment; the scheduler only needs an estimate.
const indexBytesPerSegment = 4096

// LogGCConfig configures a LogGCOp.
type LogGCConfig struct {
	// RetentionSecs is how long closed segments are retained.
	RetentionSecs int64

	// Archive compresses retired segments into ArchiveDir instead of
	// deleting them outright.
	Archive bool

	// ArchiveDir receives compressed segments when Archive is set.
	ArchiveDir string
}

// LogGCOp retires write-ahead-log segments past the retention window. It
// reports the age of the oldest retained segment as the anchored log
// position, so the retention trigger fires once a tablet falls too far
// behind, and the per-segment index memory as anchored RAM.
type LogGCOp struct {
	tablet string
	store  *SegmentStore
	cfg    LogGCConfig
	logger *logging.Logger

	hist  prometheus.Observer
	gauge prometheus.Gauge

	mu         sync.Mutex
	collecting bool
	expired    []Segment
}

// NewLogGCOp creates a log GC op for one tablet's segment store. A nil
// metrics argument leaves the op's meters unregistered.
func NewLogGCOp(tablet string, store *SegmentStore, cfg LogGCConfig, mm *metrics.MaintenanceMetrics) *LogGCOp {
	op := &LogGCOp{
		tablet: tablet,
		store:  store,
		cfg:    cfg,
		logger: logging.Global().WithOp("log-gc-" + tablet),
	}
	if mm != nil {
		op.hist = mm.OpDuration(op.Name())
		op.gauge = mm.OpRunning(op.Name())
	} else {
		op.hist = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "log_gc_op_duration_seconds"})
		op.gauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "log_gc_op_running"})
	}
	return op
}

func (op *LogGCOp) Name() string {
	return "log-gc-" + op.tablet
}

// Kind classifies the op for in-flight tracking.
func (op *LogGCOp) Kind() maintenance.OpKind {
	return maintenance.KindLogGC
}

func (op *LogGCOp) UpdateStats(stats *maintenance.OpStats) {
	op.mu.Lock()
	collecting := op.collecting
	op.mu.Unlock()

	segments := op.store.Segments()
	stats.RAMAnchored = uint64(len(segments)) * indexBytesPerSegment
	stats.PerfImprovement = 0

	if len(segments) == 0 {
		stats.Runnable = false
		stats.TsAnchoredSecs = 0
		return
	}
	stats.TsAnchoredSecs = int64(time.Since(segments[0].CreatedAt).Seconds())
	stats.Runnable = !collecting && len(op.expiredSegments(segments)) > 0
}

func (op *LogGCOp) expiredSegments(segments []Segment) []Segment {
	cutoff := time.Now().Add(-time.Duration(op.cfg.RetentionSecs) * time.Second)
	var expired []Segment
	for _, seg := range segments {
		if seg.CreatedAt.Before(cutoff) {
			expired = append(expired, seg)
		}
	}
	return expired
}

// Prepare pins the set of segments to retire.
func (op *LogGCOp) Prepare() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.collecting {
		return false
	}
	expired := op.expiredSegments(op.store.Segments())
	if len(expired) == 0 {
		return false
	}
	op.collecting = true
	op.expired = expired
	return true
}

// Perform retires the pinned segments, archiving first when configured.
func (op *LogGCOp) Perform() {
	op.mu.Lock()
	expired := op.expired
	op.expired = nil
	op.mu.Unlock()

	defer func() {
		op.mu.Lock()
		op.collecting = false
		op.mu.Unlock()
	}()

	retired := 0
	var reclaimed int64
	for _, seg := range expired {
		if op.cfg.Archive {
			if err := archiveSegment(seg, op.cfg.ArchiveDir); err != nil {
				op.logger.Errorf("segment archive failed, keeping segment", map[string]any{
					"segment": seg.ID,
					"error":   err.Error(),
				})
				continue
			}
		}
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			op.logger.Errorf("segment removal failed", map[string]any{
				"segment": seg.ID,
				"error":   err.Error(),
			})
			continue
		}
		op.store.drop(seg.ID)
		retired++
		reclaimed += seg.SizeBytes
	}

	op.logger.Infof("log gc pass complete", map[string]any{
		"retired":        retired,
		"reclaimedBytes": reclaimed,
	})
}

func (op *LogGCOp) DurationHistogram() prometheus.Observer { return op.hist }
func (op *LogGCOp) RunningGauge() prometheus.Gauge         { return op.gauge }

// archiveSegment s2-compresses a segment into the archive directory.
func archiveSegment(seg Segment, archiveDir string) error {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("ops: create archive dir: %w", err)
	}

	src, err := os.Open(seg.Path)
	if err != nil {
		return fmt.Errorf("ops: open segment: %w", err)
	}
	defer src.Close()

	dstPath := filepath.Join(archiveDir, seg.ID+segmentSuffix+".s2")
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("ops: create archive: %w", err)
	}

	w := s2.NewWriter(dst)
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("ops: compress segment: %w", err)
	}
	if err := w.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("ops: finish archive: %w", err)
	}
	return dst.Close()
}
