// Package hint implements hint files: compact per-segment summaries that let
// recovery rebuild the key directory without reading values.
//
// # File Format
//
//	[Header: 8 bytes]
//	  Magic "CKHT", Version (uint16), Codec (uint8), reserved (uint8)
//	[Body]
//	  CodecNone: the raw entry list
//	  otherwise: [UncompressedSize uint32][CompressedSize uint32][Data]
//	[Trailer: 12 bytes]
//	  Count (uint32), BodyLen (uint32), CRC32C of header and body (uint32)
//
// Each entry is [Timestamp u64][KeySize u32][Offset u64][ValueSize u32][Key].
// A ValueSize equal to record.TombstoneSize describes a tombstone.
//
// Hint files are written atomically and are advisory: a file that fails
// validation is reported with [ErrCorrupt] and ignored.
package hint
