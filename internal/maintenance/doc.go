// Package maintenance implements the background maintenance scheduler for
// a karst tablet server.
//
// Tablet servers accumulate in-memory state (write buffers, delta stores,
// anchored history) that must be drained by long-running housekeeping
// operations: memstore flushes, compactions, log garbage collection. The
// Manager decides which op to run next, given bounded worker parallelism
// and competing pressures: write-ahead-log retention, memory usage, and
// read-path performance.
//
// Ops implement the MaintenanceOp contract and register with a Manager.
// A single scheduler goroutine polls every op's self-reported stats each
// tick and dispatches at most one op per tick onto a bounded worker pool.
// Retention and memory-pressure triggers dominate opportunistic
// performance work; there is no fairness between ops, which are expected
// to self-limit by reporting themselves not runnable once they have done
// enough.
package maintenance
