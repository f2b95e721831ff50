// Package dispatch turns task descriptions into plans and executes them.
//
// Planning matches the task against templates, computes the aggregate action
// scope over the dependency graph and asks the autonomy engine whether every
// step may run unattended. Plans that may not wait in pending_approval until a
// human approves or denies them; the gate is a stored state, never a blocking
// call.
//
// Execution is driven by a polling loop over the durable queue. Each plan runs
// in its own goroutine:
//   - Steps start once every dependency succeeded, in insertion order, up to
//     the worker limit.
//   - Steps that write to a project hold that project's lock.
//   - Direct steps run the configured action command (SIGTERM, grace, SIGKILL
//     on timeout).
//   - Delegated steps run on a worker.
//   - Inference steps route to an endpoint, hold one of its slots while the
//     worker runs, and go through the evaluation and revision cycle.
//
// Failure handling:
//   - A failed step cancels in-flight steps and compensates completed ones in
//     reverse order.
//   - A cancelled plan does the same.
//   - An escalated unit ends the plan in pending_human with no rollback.
package dispatch
