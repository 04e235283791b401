package search

import "testing"

func TestTupleRoundTrip(t *testing.T) {
	q := Query{SizeRestricted: true, IsMax: true, Size: 1048576, Type: TypeAudio, Term: "some song"}
	tuple := q.Tuple()
	got, ok := ParseTuple(tuple)
	if !ok {
		t.Fatalf("failed to parse tuple %q", tuple)
	}
	if got.SizeRestricted != q.SizeRestricted || got.IsMax != q.IsMax || got.Size != q.Size || got.Type != q.Type {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, q)
	}
	if got.Term != "some song" {
		t.Fatalf("expected term %q, got %q", "some song", got.Term)
	}
}

func TestMatchesSubstringCaseInsensitive(t *testing.T) {
	q := Query{Type: TypeAudio, Term: "song"}
	if !q.Matches("My.Song.mp3", false, 100, "") {
		t.Fatal("expected case-insensitive substring match")
	}
	if q.Matches("My.Track.mp3", false, 100, "") {
		t.Fatal("expected no match for unrelated name")
	}
}

func TestMatchesExtensionWhitelist(t *testing.T) {
	q := Query{Type: TypeAudio, Term: "song"}
	if !q.Matches("song.mp3", false, 100, "") {
		t.Fatal("expected .mp3 to match audio type via 'mp3' suffix token")
	}
	qDoc := Query{Type: TypeDocument, Term: "song"}
	if qDoc.Matches("song.mp3", false, 100, "") {
		t.Fatal("expected document type to reject .mp3")
	}
}

func TestMatchesSizeBound(t *testing.T) {
	q := Query{Type: TypeAudio, Term: "song", SizeRestricted: true, IsMax: true, Size: 1048576}
	if q.Matches("song.mp3", false, 2*1048576, "") {
		t.Fatal("expected max-size bound to reject larger file")
	}
	if !q.Matches("song.mp3", false, 1000, "") {
		t.Fatal("expected small file under max to match")
	}
}

func TestMatchesTTHExact(t *testing.T) {
	q := Query{Type: TypeTTH, Term: "ABCDEF"}
	if !q.Matches("irrelevant", false, 0, "ABCDEF") {
		t.Fatal("expected exact TTH match")
	}
	if q.Matches("irrelevant", false, 0, "OTHER") {
		t.Fatal("expected no match for different TTH")
	}
}

func TestMatchesFolderType(t *testing.T) {
	q := Query{Type: TypeFolder, Term: "music"}
	if !q.Matches("Music", true, 0, "") {
		t.Fatal("expected folder type to match a directory")
	}
	if q.Matches("music.mp3", false, 0, "") {
		t.Fatal("expected folder type to reject a file")
	}
}
