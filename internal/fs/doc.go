// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: An open file with read, write, sync and truncate capabilities
//   - [FileSystem]: Filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using the os package
//   - [FaultyFS]: Test utility that injects write, sync, truncate and rename failures
//
// # Helpers
//
//   - [SyncDir]: fsync a directory after creating, renaming or removing entries
//   - [WriteFileAtomic]: temp file + fsync + rename
//   - [AcquireLock]: exclusive process lock on a store directory
//
// Tests can inject [FaultyFS] to simulate failures:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".data", fs.Fault{FailAfterBytes: 1024, PartialWrite: true})
//
// Filesystem operations do not take a context.Context. They are short,
// non-interruptible syscalls.
package fs
