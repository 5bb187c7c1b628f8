package coap

import (
	"encoding/binary"
	"math/bits"
)

// MinBlockSize and MaxBlockSize bound the block size 2^(SZX+4), per
// SZX in [0,6].
const (
	MinBlockSize = 16
	MaxBlockSize = 1024

	// DefaultBlockSize is the client-wide default block size (section 6).
	DefaultBlockSize = 512
)

// BlockOption is the decoded (NUM, M, SZX) tuple carried by a Block1 or
// Block2 option.
type BlockOption struct {
	Num  uint32
	More bool
	SZX  uint8
}

// Size returns the block size in bytes for this option's SZX.
func (b BlockOption) Size() int { return szxToSize(b.SZX) }

// szxToSize converts a 3-bit SZX exponent to a block size in bytes.
func szxToSize(szx uint8) int {
	if szx > 6 {
		szx = 6
	}
	return 1 << (szx + 4)
}

// sizeToSZX converts a block size in bytes to its SZX exponent, clamping
// to [0,6] ([16,1024] bytes) as section 4.4 specifies.
func sizeToSZX(size int) uint8 {
	if size <= MinBlockSize {
		return 0
	}
	if size >= MaxBlockSize {
		return 6
	}
	// log2(size) - 4
	exp := bits.Len(uint(size)-1) - 4
	if exp < 0 {
		exp = 0
	}
	if exp > 6 {
		exp = 6
	}
	return uint8(exp)
}

// encode packs (NUM, M, SZX) into the 1-3 byte big-endian wire value:
// (NUM<<4) | (M<<3) | SZX.
func (b BlockOption) encode() uint32 {
	v := b.Num << 4
	if b.More {
		v |= 1 << 3
	}
	v |= uint32(b.SZX & 0x7)
	return v
}

// decodeBlockOption parses a Block1/Block2 option's raw wire value
// (already reduced to a uint32 by decodeIntOption) into a BlockOption.
func decodeBlockOption(v interface{}) (BlockOption, bool) {
	n, ok := toUint32(v)
	if !ok {
		return BlockOption{}, false
	}
	return BlockOption{
		Num:  n >> 4,
		More: n&(1<<3) != 0,
		SZX:  uint8(n & 0x7),
	}, true
}

func toUint32(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case float64:
		return uint32(n), true
	default:
		return 0, false
	}
}

// blockOptionBytes renders a BlockOption to its minimum-width wire bytes
// (omitting leading zero bytes, same rule as any other uint option).
func blockOptionBytes(b BlockOption) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], b.encode())
	return trimLeadingZeros(buf[:])
}
