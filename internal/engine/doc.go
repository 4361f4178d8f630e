// Package engine runs pretested integration cycles.
//
// A cycle takes the oldest eligible commit from the staging branches,
// merges it into a clean checkout of the integration branch, hands the
// result to a build executor and, only if the build passes, commits and
// pushes the merge. The last integrated revision is then advanced with a
// compare-and-swap in the store.
//
// ARCHITECTURE:
//
// Controller:
// One per project. Owns the state machine
//
//	Idle → Preparing → Merged → Committing → Idle
//	                          → RollingBack → Idle
//
// and holds the project's fair lock for the whole cycle. Prepare and
// Cycle.Finish are exposed separately so an external build system can sit
// between them; Run does both with a BuildExecutor.
//
// Scheduler:
// A FIFO queue of cycle requests with per-project coalescing. Run
// dispatches each request on its own goroutine; RunUntilIdle drains the
// queue synchronously. Projects that integrated a commit are re-queued so
// a backlog drains one commit per cycle.
//
// Outcomes:
// Every cycle ends as integrated, rejected_conflict, rejected_build, noop
// or fatal. Each outcome is logged and recorded in the store's cycle
// history. Only the controller decides whether a failure is recoverable;
// fatal failures carry an *IntegrationError with the failing command and
// its output.
package engine
