package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const segmentSuffix = ".seg"

// Segment is one closed write-ahead-log segment on disk.
type Segment struct {
	ID        string
	Path      string
	CreatedAt time.Time
	SizeBytes int64
}

// SegmentStore tracks the closed WAL segments in a directory. New
// segments are appended by the write path; the log GC op retires them.
type SegmentStore struct {
	dir string

	mu       sync.Mutex
	segments map[string]Segment
}

// OpenSegmentStore scans dir for existing segments.
func OpenSegmentStore(dir string) (*SegmentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ops: create wal dir: %w", err)
	}

	s := &SegmentStore{
		dir:      dir,
		segments: make(map[string]Segment),
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ops: scan wal dir: %w", err)
	}
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), segmentSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(de.Name(), segmentSuffix)
		s.segments[id] = Segment{
			ID:        id,
			Path:      filepath.Join(dir, de.Name()),
			CreatedAt: info.ModTime(),
			SizeBytes: info.Size(),
		}
	}
	return s, nil
}

// Append writes a new closed segment and returns it.
func (s *SegmentStore) Append(data []byte) (Segment, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, id+segmentSuffix)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Segment{}, fmt.Errorf("ops: write segment: %w", err)
	}

	seg := Segment{
		ID:        id,
		Path:      path,
		CreatedAt: time.Now(),
		SizeBytes: int64(len(data)),
	}
	s.mu.Lock()
	s.segments[id] = seg
	s.mu.Unlock()
	return seg, nil
}

// Segments returns a snapshot of tracked segments, oldest first.
func (s *SegmentStore) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of tracked segments.
func (s *SegmentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

// drop removes a segment from tracking.
func (s *SegmentStore) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments, id)
}

// backdate is a test hook: it moves a segment's creation time into the
// past, both in memory and on disk.
func (s *SegmentStore) backdate(id string, createdAt time.Time) error {
	s.mu.Lock()
	seg, ok := s.segments[id]
	if ok {
		seg.CreatedAt = createdAt
		s.segments[id] = seg
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ops: unknown segment %s", id)
	}
	return os.Chtimes(seg.Path, createdAt, createdAt)
}
