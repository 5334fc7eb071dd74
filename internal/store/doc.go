// Package store provides SQLite-backed durable storage for knowledge
// packages and session firing logs.
//
// The store holds:
//   - Packages: encoded knowledge packages, content-addressed by digest
//   - Firings: agenda events of sessions (created, cancelled, fired, failed)
//
// # Critical Patterns
//
// CP-1: Content Addressing
//   - UNIQUE(digest) on packages; saving the same package twice is a no-op
//   - Loading returns an unwired package; it must be wired before use
//
// CP-2: Logical Identity and Time
//   - Firings are ordered by the per-session seq counter, NEVER timestamps
//   - Enables comparing firing logs of sessions run at different times
//
// CP-3: Idempotent Firing Writes
//   - PRIMARY KEY(session, seq) with ON CONFLICT DO NOTHING
//   - Flushing the same firing log twice writes each event once
//
// CP-4: Deterministic Query Results
//   - All queries MUST include an ORDER BY on seq, with a binary-collated
//     tiebreak where seq is not unique
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Package digests are computed by knowledge.Digest, which hashes the
// encoded record with domain separation (internal/ir/hash.go).
package store
