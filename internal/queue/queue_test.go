package queue

import "testing"

func TestAddRejectsDuplicateIDPart(t *testing.T) {
	q := New()
	it := &Item{ID: "tth1", PartIndex: 0, Candidates: map[string]struct{}{}}
	if !q.Add(it) {
		t.Fatal("first add should succeed")
	}
	if q.Add(&Item{ID: "tth1", PartIndex: 0, Candidates: map[string]struct{}{}}) {
		t.Fatal("duplicate (id,part) should be rejected")
	}
	if q.Count() != 1 {
		t.Fatalf("expected 1 item, got %d", q.Count())
	}
}

func TestNextSkipsActiveAndConsidered(t *testing.T) {
	q := New()
	q.Add(&Item{ID: "a", PartIndex: 0, Active: true, Candidates: map[string]struct{}{"nick": {}}})
	q.Add(&Item{ID: "b", PartIndex: 0, Considered: true, Candidates: map[string]struct{}{"nick": {}}})
	q.Add(&Item{ID: "c", PartIndex: 0, Priority: 1, Candidates: map[string]struct{}{"nick": {}}})

	selected, rebuild, err := q.Next("nick", func(it *Item) (bool, error) { return true, nil })
	if err != nil {
		t.Fatal(err)
	}
	if len(rebuild) != 0 {
		t.Fatalf("expected no rebuild candidates, got %d", len(rebuild))
	}
	if selected == nil || selected.ID != "c" {
		t.Fatalf("expected item c selected, got %+v", selected)
	}
	if !selected.Active || !selected.Considered {
		t.Fatal("selected item must be marked active and considered")
	}
}

func TestNextPicksLowestPriority(t *testing.T) {
	q := New()
	q.Add(&Item{ID: "a", PartIndex: 0, Priority: 5, Candidates: map[string]struct{}{"nick": {}}})
	q.Add(&Item{ID: "b", PartIndex: 0, Priority: 1, Candidates: map[string]struct{}{"nick": {}}})

	selected, _, err := q.Next("nick", func(it *Item) (bool, error) { return true, nil })
	if err != nil {
		t.Fatal(err)
	}
	if selected.ID != "b" {
		t.Fatalf("expected lowest-priority item b, got %s", selected.ID)
	}
}

func TestNextIgnoresWrongCandidate(t *testing.T) {
	q := New()
	q.Add(&Item{ID: "a", PartIndex: 0, Candidates: map[string]struct{}{"other": {}}})

	selected, _, err := q.Next("nick", func(it *Item) (bool, error) { return true, nil })
	if err != nil {
		t.Fatal(err)
	}
	if selected != nil {
		t.Fatal("expected no selection for a nick with no candidacy")
	}
}

func TestNextCollectsFailedVerificationForRebuild(t *testing.T) {
	q := New()
	q.Add(&Item{ID: "a", PartIndex: 0, Candidates: map[string]struct{}{"nick": {}}})

	selected, rebuild, err := q.Next("nick", func(it *Item) (bool, error) { return false, nil })
	if err != nil {
		t.Fatal(err)
	}
	if selected != nil {
		t.Fatal("expected no selection")
	}
	if len(rebuild) != 1 {
		t.Fatalf("expected 1 rebuild candidate, got %d", len(rebuild))
	}
}

func TestSiblingsRemain(t *testing.T) {
	q := New()
	q.Add(&Item{ID: "tth1", PartIndex: 0, TargetName: "movie.mkv", Candidates: map[string]struct{}{}})
	q.Add(&Item{ID: "tth1", PartIndex: 1, TargetName: "movie.mkv", Candidates: map[string]struct{}{}})

	if !q.SiblingsRemain("tth1", "movie.mkv", 0) {
		t.Fatal("expected part 1 to remain as a sibling of part 0")
	}
	q.Remove("tth1", 1)
	if q.SiblingsRemain("tth1", "movie.mkv", 0) {
		t.Fatal("expected no siblings once part 1 is removed")
	}
}

func TestReleaseClearsActive(t *testing.T) {
	q := New()
	q.Add(&Item{ID: "a", PartIndex: 0, Active: true, Candidates: map[string]struct{}{}})
	q.Release("a", 0)
	if q.Get("a", 0).Active {
		t.Fatal("expected Active cleared after Release")
	}
}

func TestLastSegmentLengthExactMultiple(t *testing.T) {
	const segmentSize = 10 * 1024 * 1024
	size := int64(2 * segmentSize)
	if got := LastSegmentLength(size, segmentSize); got != segmentSize {
		t.Fatalf("exact multiple: got %d, want %d", got, segmentSize)
	}
}

func TestLastSegmentLengthRemainder(t *testing.T) {
	const segmentSize = 10 * 1024 * 1024
	size := int64(25 * 1024 * 1024)
	want := int64(5*1024*1024 + 1 - 1) // 5MB remainder, formula keeps it exact
	want = size - 2*segmentSize
	if got := LastSegmentLength(size, segmentSize); got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestExpandSegmentLengthsSumToSize(t *testing.T) {
	const segmentSize = 10 * 1024 * 1024
	size := int64(25 * 1024 * 1024)
	tmpl := &Item{ID: "tth1", Candidates: map[string]struct{}{"n1": {}}, TargetName: "f.bin"}
	segs := Expand(tmpl, size, segmentSize)
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	var sum int64
	for i, s := range segs {
		if s.PartIndex != i {
			t.Fatalf("segment %d has PartIndex %d", i, s.PartIndex)
		}
		if s.PartCount != 3 {
			t.Fatalf("expected PartCount 3, got %d", s.PartCount)
		}
		sum += s.Length
	}
	if sum != size {
		t.Fatalf("segment lengths sum to %d, want %d", sum, size)
	}
	if segs[0].Length != segmentSize || segs[1].Length != segmentSize {
		t.Fatal("expected first two segments to be full-size")
	}
}

func TestExpandZeroSizeProducesNoSegments(t *testing.T) {
	tmpl := &Item{ID: "tth1", Candidates: map[string]struct{}{}}
	segs := Expand(tmpl, 0, 10*1024*1024)
	if len(segs) != 0 {
		t.Fatalf("expected 0 segments for zero size, got %d", len(segs))
	}
}
