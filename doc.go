// Package caskdb provides an embedded log-structured key-value store for Go.
//
// caskdb follows the Bitcask design: every write is appended to a single
// active segment file, an in-memory index maps each key to the location of
// its latest record, and a merge process rewrites live records to reclaim the
// space held by overwritten and deleted values.
//
// # Quick Start
//
//	db, _ := caskdb.Open("./data")
//	defer db.Close()
//
//	_ = db.Put([]byte("user:1"), []byte("alice"))
//	v, _ := db.Get([]byte("user:1"))
//	_ = db.Delete([]byte("user:1"))
//
// # Durability Model
//
// By default each Put and Delete is fsynced before it returns. With
// WithSyncWrites(false) writes are buffered by the operating system until
// Sync, Close or the next rotation:
//
//	db, _ := caskdb.Open("./data", caskdb.WithSyncWrites(false))
//	_ = db.Put(key, value)
//	_ = db.Sync() // durable after this
//
// A crash can leave a partial record at the end of the active segment. Open
// truncates it and reports the repair in RecoveryReport.
//
// # Merging
//
// Merge can be called explicitly or run in the background:
//
//	rep, _ := db.Merge(ctx)
//	fmt.Println(rep.BytesReclaimed)
//
//	db, _ := caskdb.Open("./data", caskdb.WithAutoMerge(0.5, 64<<20))
//
// Merges never block readers and hold the write lock only while swapping
// index entries.
//
// # Key Features
//
//   - Single-seek reads through a sharded in-memory index
//   - Memory-mapped sealed segments
//   - Hint files (LZ4 or Zstandard) for fast startup
//   - CRC32-C checksums on every record
//   - Rate-limited background merging
//   - Optional value cache
package caskdb
