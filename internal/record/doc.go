// Package record implements the on-disk encoding of log records.
//
// # Wire Format
//
// Every record is a fixed header followed by the key and the value:
//
//	[CRC32: 4 bytes] [Timestamp: 8 bytes] [KeySize: 4 bytes] [ValueSize: 4 bytes] [Key] [Value]
//
// All integers are little-endian. The checksum is CRC32-Castagnoli over every
// byte after the checksum field.
//
// # Tombstones
//
// A deletion is encoded with ValueSize == TombstoneSize (0xFFFFFFFF) and no
// value bytes. Any other ValueSize, including zero, is a live value, so an
// empty value and a deleted key stay distinguishable.
package record
