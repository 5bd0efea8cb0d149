// Package keydir implements the in-memory index from key to newest record.
//
// The index is split into power-of-two shards selected by a seeded hash,
// each guarded by its own RWMutex. Merge relocations use CompareAndSwap so
// that a concurrent write always wins over a relocated older record.
package keydir
