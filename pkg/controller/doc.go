/*
Package controller owns the pod fleet: warm-pool filling, the assignment
protocol, and the drain/delete primitives the background loops share.

The assignment protocol is the correctness-critical path. Each call runs
under a tenant-scoped advisory lock and tries, in order: the tenant's
existing assignment (verified live), a claim from the warm pool (skip-locked
so concurrent claims never take the same row), and finally on-demand
creation behind an explicit admission cap. Claims are only handed out after
a liveness probe and a successful session-state handoff; a pod that fails
either is discarded and the claim loop retries.

The fill loop keeps warm + starting at the pool target. It runs on an
interval and on a refill trigger fired after every assignment and release;
the trigger is a buffered channel, so bursts coalesce and shutdown can
observe pending work instead of losing detached goroutines.

Deletion is deliberately pessimistic: the registry only says terminated
once the cluster confirms the pod is gone. Exhausted delete retries leave
the record draining for the reconciler to retry.
*/
package controller
