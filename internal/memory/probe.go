// Package memory provides process memory introspection for the maintenance
// scheduler. The scheduler only needs two numbers: total installed memory
// (read once at startup) and current usage (read every scheduling tick),
// so probes are small and the tick-path call must not block.
package memory

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

// Probe reports process memory usage to the maintenance scheduler.
type Probe interface {
	// TotalMemory returns the total installed bytes on the host.
	// Called once at scheduler init.
	TotalMemory() (uint64, error)

	// Used returns the current memory usage in bytes. Called every
	// scheduling tick under the manager lock; must be wait-free in the
	// common case.
	Used() uint64
}

// RuntimeProbe reads usage from the Go runtime and total memory from the
// OS. Heap-in-use is an estimate of resident usage; the scheduler only
// needs estimates.
type RuntimeProbe struct{}

// NewRuntimeProbe returns a probe backed by runtime.MemStats and
// /proc/meminfo.
func NewRuntimeProbe() *RuntimeProbe {
	return &RuntimeProbe{}
}

// TotalMemory parses MemTotal out of /proc/meminfo.
func (p *RuntimeProbe) TotalMemory() (uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("memory: open meminfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memory: parse MemTotal: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("memory: MemTotal not found in /proc/meminfo")
}

// Used returns the bytes of heap currently in use.
func (p *RuntimeProbe) Used() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// StaticProbe is an in-process accountant with a fixed total and an
// externally updated usage value. Components that track their own
// allocations feed it; tests drive it directly.
type StaticProbe struct {
	total uint64
	used  atomic.Uint64
}

// NewStaticProbe returns a probe with the given total memory.
func NewStaticProbe(total uint64) *StaticProbe {
	return &StaticProbe{total: total}
}

func (p *StaticProbe) TotalMemory() (uint64, error) {
	return p.total, nil
}

func (p *StaticProbe) Used() uint64 {
	return p.used.Load()
}

// SetUsed updates the reported usage.
func (p *StaticProbe) SetUsed(n uint64) {
	p.used.Store(n)
}

// AddUsed adjusts the reported usage by delta bytes.
func (p *StaticProbe) AddUsed(delta int64) {
	if delta >= 0 {
		p.used.Add(uint64(delta))
	} else {
		p.used.Add(^uint64(-delta - 1))
	}
}
