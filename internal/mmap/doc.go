// Package mmap provides read-only memory-mapped access to sealed segment files.
//
// Sealed segments never change after they are written, so readers can decode
// records straight out of the mapping:
//
//	m, err := mmap.Open("000000001.data")
//	if err != nil { ... }
//	defer m.Close()
//
//	rec, err := m.Slice(off, n)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2), with madvise(2) for access hints
//   - Windows: CreateFileMapping/MapViewOfFile (Advise is a no-op)
//
// # Thread Safety
//
// A Mapping is safe for concurrent reads. Close is idempotent, but callers
// must guarantee that no slice obtained from Slice is used after Close
// returns. The segment handle refcount provides that guarantee.
package mmap
