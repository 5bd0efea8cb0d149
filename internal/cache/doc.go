// Package cache provides an LRU cache for values read from sealed segments.
//
// Sealed segments are immutable, so entries are keyed by (segment, offset)
// and never need updating. When merge retires a segment its entries are
// dropped with InvalidateSegment.
//
// [ShardedLRU] splits the capacity across 16 shards, each with its own
// mutex. Cached bytes can be charged against a [resource.Controller]
// memory limit; values the limit cannot admit are simply not cached.
package cache
