// Package tth computes the Direct Connect Tiger Tree Hash (TTH) of a file:
// a Merkle tree over 1024-byte leaves with Tiger/192 as the node hash,
// base32-encoded and trimmed to the conventional 39-character root.
package tth

import (
	"encoding/base32"
	"io"

	"github.com/cenkalti/dcshare/internal/tiger"
)

// LeafSize is the size of a TTH leaf block in bytes.
const LeafSize = 1024

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// Hash is a raw 24-byte Tiger digest, NMDC byte order.
type Hash [tiger.Size]byte

// String returns the 39-character base32 root, per spec: standard base32 of
// the 24-byte digest always ends in exactly one '=' pad character, which is
// dropped.
func (h Hash) String() string {
	enc := base32.StdEncoding.EncodeToString(h[:])
	return enc[:len(enc)-1]
}

// reorder converts a digest produced by tiger.Sum192 (three little-endian
// 64-bit words) into NMDC's big-endian-per-word representation.
func reorder(d [tiger.Size]byte) Hash {
	var out Hash
	for word := 0; word < 3; word++ {
		for i := 0; i < 8; i++ {
			out[word*8+i] = d[word*8+7-i]
		}
	}
	return out
}

func leafHash(chunk []byte) Hash {
	h := tiger.New()
	h.Write([]byte{leafPrefix})
	h.Write(chunk)
	var d [tiger.Size]byte
	copy(d[:], h.Sum(nil))
	return reorder(d)
}

func nodeHash(left, right Hash) Hash {
	h := tiger.New()
	h.Write([]byte{nodePrefix})
	h.Write(left[:])
	h.Write(right[:])
	var d [tiger.Size]byte
	copy(d[:], h.Sum(nil))
	return reorder(d)
}

// emptyHash is the TTH root of a zero-byte file: TigerHash(0x00) with no
// leaves to reduce.
func emptyHash() Hash {
	h := tiger.New()
	h.Write([]byte{leafPrefix})
	var d [tiger.Size]byte
	copy(d[:], h.Sum(nil))
	return reorder(d)
}

// Of reads r to completion and returns the TTH root.
func Of(r io.Reader) (Hash, error) {
	var leaves []Hash
	buf := make([]byte, LeafSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			leaves = append(leaves, leafHash(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Hash{}, err
		}
	}
	if len(leaves) == 0 {
		return emptyHash(), nil
	}
	return reduce(leaves), nil
}

// reduce collapses a level of leaf/node hashes into the single Merkle root.
func reduce(level []Hash) Hash {
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		i := 0
		for ; i+1 < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		if i < len(level) {
			next = append(next, level[i])
		}
		level = next
	}
	return level[0]
}
