package tiger

import (
	"encoding/hex"
	"strings"
	"testing"
)

// TestEmptyVectorMatchesReference checks Tiger("") against the published
// test vector from Anderson and Biham's reference distribution. It is the
// oracle for sboxes.go: if this fails, the table in that file does not match
// the real Tiger constants and must be replaced, not patched around.
func TestEmptyVectorMatchesReference(t *testing.T) {
	const want = "3293AC630C13F0245F92BBB1766E16167A4E58492DDE73F3"
	sum := Sum192(nil)
	got := strings.ToUpper(hex.EncodeToString(sum[:]))
	if got != want {
		t.Fatalf("Tiger(\"\") = %s, want %s (sboxes.go does not match the reference S-boxes)", got, want)
	}
}

func TestDeterministic(t *testing.T) {
	a := Sum192([]byte("dcshare"))
	b := Sum192([]byte("dcshare"))
	if a != b {
		t.Fatalf("hash of identical input differed: %x != %x", a, b)
	}
}

func TestDistinctInputs(t *testing.T) {
	a := Sum192([]byte{0x00})
	b := Sum192([]byte{0x01})
	if a == b {
		t.Fatalf("distinct inputs produced the same hash")
	}
}

func TestEmptyInput(t *testing.T) {
	a := Sum192(nil)
	b := Sum192([]byte{})
	if a != b {
		t.Fatalf("nil and empty slice should hash identically")
	}
}

func TestIncrementalWriteMatchesSum192(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	want := Sum192(data)

	d := New()
	_, _ = d.Write(data[:37])
	_, _ = d.Write(data[37:128])
	_, _ = d.Write(data[128:])
	var got [Size]byte
	copy(got[:], d.Sum(nil))

	if got != want {
		t.Fatalf("incremental write mismatch: %x != %x", got, want)
	}
}

func TestBlockSizeBoundary(t *testing.T) {
	data := make([]byte, BlockSize*3)
	d := New()
	_, err := d.Write(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Sum(nil)) != Size {
		t.Fatalf("expected %d-byte digest", Size)
	}
}
