// Package wire implements the delta-varint binary format used to encode
// trades and session headers for the TCP, SHM, and NATS transports.
package wire

import "errors"

var (
	// ErrTruncated is returned when a varint ends before a terminating byte.
	ErrTruncated = errors.New("wire: truncated varint")
	// ErrOverflow is returned when a varint exceeds the maximum width for a
	// 64-bit value without terminating.
	ErrOverflow = errors.New("wire: varint overflow")
)

// maxVarintLen is the widest an unsigned LEB128 encoding of a 64-bit value
// can ever be: ceil(64/7) = 10 bytes.
const maxVarintLen = 10

// PutUvarint encodes u as unsigned LEB128 and appends it to dst, returning
// the extended slice. The encoding is canonical: no redundant trailing
// zero continuation bytes are ever emitted.
func PutUvarint(dst []byte, u uint64) []byte {
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// Uvarint decodes an unsigned LEB128 varint from the front of b, returning
// the value and the number of bytes consumed. The decoder is lenient: it
// accepts non-canonical encodings as long as they terminate within
// maxVarintLen bytes.
func Uvarint(b []byte) (uint64, int, error) {
	var u uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		if i >= maxVarintLen {
			return 0, 0, ErrOverflow
		}
		c := b[i]
		u |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return u, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}

// PutVarint zig-zag encodes the signed value n and appends its unsigned
// LEB128 encoding to dst.
func PutVarint(dst []byte, n int64) []byte {
	return PutUvarint(dst, zigzagEncode(n))
}

// Varint decodes a zig-zag signed varint from the front of b, returning
// the value and the number of bytes consumed.
func Varint(b []byte) (int64, int, error) {
	u, n, err := Uvarint(b)
	if err != nil {
		return 0, 0, err
	}
	return zigzagDecode(u), n, nil
}

func zigzagEncode(n int64) uint64 {
	return (uint64(n) << 1) ^ uint64(n>>63)
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
