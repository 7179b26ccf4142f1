package memory

import (
	"math/bits"
	"sync/atomic"
)

const fullBlock = ^uint32(0)

// highOnes returns a mask with the n most significant bits set.
func highOnes(n uint32) uint32 {
	return fullBlock << (32 - n)
}

// lowOnes returns a mask with the n least significant bits set.
func lowOnes(n uint32) uint32 {
	return fullBlock >> (32 - n)
}

// lowestClear is the index of the lowest zero bit. v must not be fullBlock.
func lowestClear(v uint32) uint32 {
	return uint32(bits.TrailingZeros32(^v))
}

// prandSalt is "blah" read as a little-endian word.
const prandSalt = 0x68616c62

// Prand is a cheap rotate-xor generator used to spread allocation start
// points across blocks. It is not random in any useful sense.
type Prand struct {
	seed atomic.Uint32
}

func (p *Prand) Next() uint32 {
	s := p.seed.Load()
	n := bits.RotateLeft32(s, int(s&0x1F)) ^ prandSalt
	p.seed.Store(n)
	return n
}
