package tth

import (
	"bytes"
	"strings"
	"testing"
)

// TestEmptyFileRootIsWellKnownConstant checks the TTH root of a zero-byte
// file against the value every DC client agrees on. Relies on
// internal/tiger's S-boxes matching the reference Tiger constants; see
// TestEmptyVectorMatchesReference there.
func TestEmptyFileRootIsWellKnownConstant(t *testing.T) {
	const want = "LWPNACQDBZRYXW3VHJVCJ64QBZNGHOHHHZWCLNQ"
	h, err := Of(bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	if h.String() != want {
		t.Fatalf("empty-file TTH root = %q, want %q", h.String(), want)
	}
	if len(h.String()) != 39 {
		t.Fatalf("expected 39-char root, got %d: %q", len(h.String()), h.String())
	}
	if strings.Contains(h.String(), "=") {
		t.Fatalf("root must not contain padding: %q", h.String())
	}
}

func TestSingleLeafEqualsLeafHash(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 500)
	h, err := Of(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	want := leafHash(data)
	if h != want {
		t.Fatalf("single-leaf file should hash as one leaf")
	}
}

func TestMultiLeafDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte{0x07}, LeafSize*3+17)
	a, err := Of(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Of(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("TTH must be deterministic")
	}
}

func TestDifferentContentDifferentRoot(t *testing.T) {
	a, _ := Of(bytes.NewReader(bytes.Repeat([]byte{0x01}, LeafSize*2)))
	b, _ := Of(bytes.NewReader(bytes.Repeat([]byte{0x02}, LeafSize*2)))
	if a == b {
		t.Fatalf("distinct content must not collide")
	}
}

func TestOddLeafCountPromotesTail(t *testing.T) {
	// 3 leaves: pair (0,1) combines, leaf 2 promotes unchanged to next level,
	// then combines with the promoted node.
	data := bytes.Repeat([]byte{0x09}, LeafSize*3)
	h, err := Of(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	leaf := leafHash(bytes.Repeat([]byte{0x09}, LeafSize))
	want := nodeHash(nodeHash(leaf, leaf), leaf)
	if h != want {
		t.Fatalf("odd leaf count should promote the unpaired tail")
	}
}
