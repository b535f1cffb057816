// Package scheduler owns the job table and decides when jobs run.
//
// Every time source (cron ticks, one-shot and session timers, cooldown
// re-arm timers, adaptive poll timers) emits a dueEvent onto one channel. A
// single dispatch loop consumes them and starts each execution in its own
// goroutine, so a slow run never delays detection of other due times.
//
// Execution itself is delegated to the pipeline package. The scheduler turns
// pipeline outcomes into job state transitions and persists them.
package scheduler
