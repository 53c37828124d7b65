// Package wire is the byte codec: fixed-width integer and
// length-prefixed string pack/unpack, plus the log entry schema. It
// advances no cursor of its own beyond the slice offsets callers pass
// it, and it never checks framing magics — that's the caller's job.
package wire

import "encoding/binary"

// enc is the fixed endianness for every integer this module puts on
// disk, chosen so encoded files are portable across host architectures.
var enc = binary.LittleEndian

// MagicStart and MagicEnd bracket every on-disk record and index slot.
// Fixed for cross-tool compatibility with existing on-disk state.
const (
	MagicStart uint32 = 123456789
	MagicEnd   uint32 = 987654321
)

// PutUint8 writes v at b[0] and returns the number of bytes written.
func PutUint8(b []byte, v uint8) int {
	b[0] = v
	return 1
}

// GetUint8 reads a byte from b[0].
func GetUint8(b []byte) uint8 {
	return b[0]
}

// PutUint32 writes v as 4 little-endian bytes.
func PutUint32(b []byte, v uint32) int {
	enc.PutUint32(b, v)
	return 4
}

// GetUint32 reads 4 little-endian bytes as a uint32.
func GetUint32(b []byte) uint32 {
	return enc.Uint32(b)
}

// PutUint64 writes v as 8 little-endian bytes.
func PutUint64(b []byte, v uint64) int {
	enc.PutUint64(b, v)
	return 8
}

// GetUint64 reads 8 little-endian bytes as a uint64.
func GetUint64(b []byte) uint64 {
	return enc.Uint64(b)
}

// PutString writes a u32 length prefix followed by the string's bytes.
func PutString(b []byte, s string) int {
	n := PutUint32(b, uint32(len(s)))
	n += copy(b[n:], s)
	return n
}

// GetString reads a u32-length-prefixed string and returns it along
// with the number of bytes consumed.
func GetString(b []byte) (string, int) {
	l := GetUint32(b)
	n := 4 + int(l)
	return string(b[4:n]), n
}

// StringSize returns the encoded size of s including its length
// prefix, without encoding it.
func StringSize(s string) int {
	return 4 + len(s)
}

// EntryType enumerates what an Entry's opaque payload means to the
// layers above the log: a normal replicated command, a leader no-op,
// or one of the membership-change shapes a config change can take.
type EntryType uint32

const (
	EntryRaftLog EntryType = iota
	EntryNop
	EntryConfigChange
	EntryAddPeer
	EntryRemovePeer
)

// Entry is a single Raft log entry: a monotonic index, the term that
// created it, a type tag, and an opaque payload.
type Entry struct {
	Index uint64
	Term  uint64
	Type  EntryType
	Data  []byte
}

// EncodedSize returns the number of bytes PutEntry will write for e,
// not counting the MAGIC_START/MAGIC_END frame around it.
func EncodedSize(e Entry) int {
	return 8 + 8 + 4 + 4 + len(e.Data)
}

// PutEntry writes {index u64 | term u64 | type u32 | len u32 | data}
// to b and returns the number of bytes written.
func PutEntry(b []byte, e Entry) int {
	n := 0
	n += PutUint64(b[n:], e.Index)
	n += PutUint64(b[n:], e.Term)
	n += PutUint32(b[n:], uint32(e.Type))
	n += PutUint32(b[n:], uint32(len(e.Data)))
	n += copy(b[n:], e.Data)
	return n
}

// GetEntry reads an entry encoded by PutEntry and returns it along
// with the number of bytes consumed. The returned Data aliases b; call
// sites that retain it across mutation of the underlying buffer must
// copy it.
func GetEntry(b []byte) (Entry, int) {
	var e Entry
	n := 0
	e.Index = GetUint64(b[n:])
	n += 8
	e.Term = GetUint64(b[n:])
	n += 8
	e.Type = EntryType(GetUint32(b[n:]))
	n += 4
	l := GetUint32(b[n:])
	n += 4
	e.Data = b[n : n+int(l)]
	n += int(l)
	return e, n
}
