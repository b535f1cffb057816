// Package job holds the data model shared by the scheduler, the execution
// pipeline and storage: Job with its schedule union and lifecycle state
// machine, ExecutionAttempt, and per-job usage aggregation.
//
// Job methods mutate the receiver and are not safe for concurrent use; the
// scheduler serializes access behind its job-table lock and hands out clones.
package job
