package nmdcproto

import "testing"

func TestLock2KeyDeterministic(t *testing.T) {
	lock := "EXTENDEDPROTOCOLABCABCABCABCABCABCABCABC"
	a := Lock2Key(lock)
	b := Lock2Key(lock)
	if string(a) != string(b) {
		t.Fatalf("Lock2Key must be deterministic")
	}
	if len(a) != len(lock) {
		t.Fatalf("key length must match lock length, got %d want %d", len(a), len(lock))
	}
}

func TestSerializeKeyEscapesSpecialBytes(t *testing.T) {
	k := []byte{0, 5, 36, 96, 124, 126, 'A'}
	out := SerializeKey(k)
	want := "/%DCN000%//%DCN005%//%DCN036%//%DCN096%//%DCN124%//%DCN126%/A"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestKeyContainsNoUnescapedSpecialByte(t *testing.T) {
	for _, lock := range []string{
		"EXTENDEDPROTOCOLABCABCABCABCABCABCABCABC",
		"Majestic12",
		"short lock with spaces and punctuation!!",
	} {
		out := Key(lock)
		raw := []byte(out)
		// Walk the output looking for the literal escape marker; anything
		// outside of it must not equal a special byte value.
		for i := 0; i < len(raw); i++ {
			if raw[i] == '/' && i+1 < len(raw) && raw[i+1] == '%' {
				// skip the whole "/%DCNnnn%/" token
				end := i + len("/%DCNnnn%/")
				if end <= len(raw) {
					i = end - 1
					continue
				}
			}
			if _, special := specialKeyBytes[raw[i]]; special {
				t.Fatalf("unescaped special byte %d found in serialized key for lock %q: %q", raw[i], lock, out)
			}
		}
	}
}
