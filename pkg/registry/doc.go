/*
Package registry provides the durable pod registry: one row per cluster pod
the controller has ever created, plus an append-only lifecycle event log.

Beyond plain CRUD the Store contract carries the two primitives the
assignment protocol is built on:

  - WithLock: a named advisory lock (pg_advisory_lock on Postgres) that
    serializes the whole per-tenant assignment sequence.
  - ClaimWarm: claim-one-row semantics using FOR UPDATE SKIP LOCKED, so two
    concurrent assignments can never flip the same warm pod.

MemoryStore mirrors both primitives with mutexes for tests and for stores
without advisory-lock support.
*/
package registry
