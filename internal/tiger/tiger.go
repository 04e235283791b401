// Package tiger implements the Tiger/192 hash function (Anderson & Biham)
// behind the standard library's hash.Hash interface, the same shape crypto/sha1
// and crypto/sha256 use. No third-party Tiger implementation turned up anywhere
// in the retrieved corpus, so this package is the one deliberate stdlib-only
// exception in dcshare: the algorithm itself has no ecosystem substitute.
package tiger

import (
	"encoding/binary"
	"hash"
)

// Size of a Tiger checksum in bytes.
const Size = 24

// BlockSize of Tiger's compression function, in bytes.
const BlockSize = 64

type digest struct {
	a, b, c uint64
	x       [BlockSize]byte
	nx      int
	length  uint64
}

// New returns a new hash.Hash computing the Tiger checksum.
func New() hash.Hash {
	d := new(digest)
	d.Reset()
	return d
}

func (d *digest) Reset() {
	d.a = 0x0123456789ABCDEF
	d.b = 0xFEDCBA9876543210
	d.c = 0xF096A5B4C3B2E187
	d.nx = 0
	d.length = 0
}

func (d *digest) Size() int      { return Size }
func (d *digest) BlockSize() int { return BlockSize }

func (d *digest) Write(p []byte) (n int, err error) {
	n = len(p)
	d.length += uint64(n)
	if d.nx > 0 {
		c := copy(d.x[d.nx:], p)
		d.nx += c
		p = p[c:]
		if d.nx == BlockSize {
			compress(d, d.x[:])
			d.nx = 0
		}
	}
	for len(p) >= BlockSize {
		compress(d, p[:BlockSize])
		p = p[BlockSize:]
	}
	if len(p) > 0 {
		d.nx = copy(d.x[:], p)
	}
	return
}

func (d0 *digest) Sum(in []byte) []byte {
	d := *d0
	length := d.length

	var tmp [BlockSize]byte
	tmp[0] = 0x01
	pad := int(63 - (length+8)%64)
	if pad < 0 {
		pad += 64
	}
	d.Write(tmp[:1])
	var zeros [BlockSize]byte
	for pad > 0 {
		n := pad
		if n > BlockSize {
			n = BlockSize
		}
		d.Write(zeros[:n])
		pad -= n
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], length*8)
	d.Write(lenBuf[:])

	var out [Size]byte
	binary.LittleEndian.PutUint64(out[0:8], d.a)
	binary.LittleEndian.PutUint64(out[8:16], d.b)
	binary.LittleEndian.PutUint64(out[16:24], d.c)
	return append(in, out[:]...)
}

// Sum192 returns the Tiger checksum of data.
func Sum192(data []byte) [Size]byte {
	d := New()
	_, _ = d.Write(data)
	var out [Size]byte
	copy(out[:], d.Sum(nil))
	return out
}

func round(a, b, c *uint64, x uint64, mul uint64) {
	*c ^= x
	cb := [8]byte{}
	binary.LittleEndian.PutUint64(cb[:], *c)
	*a -= t1[cb[0]] ^ t2[cb[2]] ^ t3[cb[4]] ^ t4[cb[6]]
	*b += t4[cb[1]] ^ t3[cb[3]] ^ t2[cb[5]] ^ t1[cb[7]]
	*b *= mul
}

func pass(a, b, c *uint64, x *[8]uint64, mul uint64) {
	round(a, b, c, x[0], mul)
	round(b, c, a, x[1], mul)
	round(c, a, b, x[2], mul)
	round(a, b, c, x[3], mul)
	round(b, c, a, x[4], mul)
	round(c, a, b, x[5], mul)
	round(a, b, c, x[6], mul)
	round(b, c, a, x[7], mul)
}

func keySchedule(x *[8]uint64) {
	x[0] -= x[7] ^ 0xA5A5A5A5A5A5A5A5
	x[1] ^= x[0]
	x[2] += x[1]
	x[3] -= x[2] ^ ((^x[1]) << 19)
	x[4] ^= x[3]
	x[5] += x[4]
	x[6] -= x[5] ^ ((^x[4]) >> 23)
	x[7] ^= x[6]
	x[0] += x[7]
	x[1] -= x[0] ^ ((^x[7]) << 19)
	x[2] ^= x[1]
	x[3] += x[2]
	x[4] -= x[3] ^ ((^x[2]) >> 23)
	x[5] ^= x[4]
	x[6] += x[5]
	x[7] -= x[6] ^ 0x0123456789ABCDEF
}

func compress(d *digest, block []byte) {
	var x [8]uint64
	for i := 0; i < 8; i++ {
		x[i] = binary.LittleEndian.Uint64(block[i*8:])
	}

	aa, bb, cc := d.a, d.b, d.c

	pass(&d.a, &d.b, &d.c, &x, 5)
	keySchedule(&x)
	pass(&d.c, &d.a, &d.b, &x, 7)
	keySchedule(&x)
	pass(&d.b, &d.c, &d.a, &x, 9)

	d.a ^= aa
	d.b -= bb
	d.c += cc
}
