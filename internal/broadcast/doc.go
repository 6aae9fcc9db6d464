// Package broadcast delivers queued broadcast jobs to many recipients.
//
// A monitor loop polls the store for pending jobs, atomically claims each
// one, and hands it to a worker pool. Claiming marks the job sent at
// dispatch time, so the stored state means "handed off", not "fully
// delivered": delivery is at-least-once at the job level and best-effort
// per recipient. Per-job completion counters live in the in-memory status
// map, queryable separately from the stored state.
//
// Each job paces its own sends; jobs running concurrently do not share a
// rate-limit budget. A failed send is logged and counted, and never aborts
// the rest of the job.
package broadcast
