// Package engine implements rule sessions over a knowledge base.
//
// A Session owns a working memory, the node memories of the shared
// network, an agenda and a truth maintenance system. Every mutation
// propagates synchronously through the network; matches queue
// activations, and FireAllRules runs their consequences.
//
// ARCHITECTURE:
//
// Single-Threaded Sessions:
// A session is driven by one goroutine at a time. Many sessions may run
// concurrently against the same KnowledgeBase: the network is read-only
// during propagation and the accessor cache is mutex-guarded.
//
// Propagation Flow:
// 1. Insert/Update/Modify/Delete assert or retract the handle
// 2. Alpha nodes test the fact; beta nodes join it against tuples
// 3. Terminal nodes add activations; query nodes collect rows
// 4. Retracted matches cancel queued activations and release the
//    logical facts their fired activations justified
// 5. FireAllRules pops activations by salience, then strategy
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Fact recency comes from Clock.Next(), never wall-clock time, so the
// LIFO strategy is reproducible.
//
// Deterministic Ordering:
// Node memories are ordered sets; activations tie-break on creation
// order; query rows come back in match order.
//
// Fail-Stop Evaluation:
// A failing constraint or action is an EVALUATION_FAULT. The session is
// failed afterwards and refuses further mutation; reads still work.
package engine
