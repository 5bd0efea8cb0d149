// Package engine implements the core log-structured key-value engine.
//
// The engine orchestrates:
//   - A single active segment receiving appends under the writer mutex
//   - Sealed, memory-mapped segments with reference-counted handles
//   - A sharded in-memory keydir mapping every live key to its record
//   - Hint files for fast recovery, with full replay as the fallback
//   - Merge of segments with dead bytes, coalesced and rate limited
//   - A background loop consulting the merge policy
package engine
