// Package segment manages segment files: append-only logs of encoded records.
//
// Exactly one segment is active (writable) at a time; all others are sealed
// and never modified again. Files are named by zero-padded id:
//
//	000000001.data   segment data
//	000000001.hint   optional hint file for a sealed segment
//	*.tmp            uncommitted output, removed at open
//
// # Components
//
//   - [Writer]: appends records, rolling back failed writes
//   - [Handle]: reference-counted reader over a sealed (mmap or file) or active segment
//   - [Scanner]: sequential reader that classifies torn tails and corrupt records
//   - [List]: classifies the files of a store directory
package segment
