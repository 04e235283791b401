package queue

// LastSegmentLength returns the length of the final segment when size is
// split into segmentSize-sized chunks, computed as
// ((size-1) mod segmentSize)+1 so that an exact multiple of segmentSize
// yields segmentSize rather than 0.
func LastSegmentLength(size, segmentSize int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size-1)%segmentSize + 1
}

// SegmentCount returns the number of segments size splits into.
func SegmentCount(size, segmentSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + segmentSize - 1) / segmentSize)
}

// Expand builds the per-segment Items for a resolved TTH item of the given
// size, cloning candidates, target name, and location from template.
func Expand(template *Item, size, segmentSize int64) []*Item {
	count := SegmentCount(size, segmentSize)
	items := make([]*Item, count)
	last := LastSegmentLength(size, segmentSize)
	for i := 0; i < count; i++ {
		length := segmentSize
		if i == count-1 {
			length = last
		}
		candidates := make(map[string]struct{}, len(template.Candidates))
		for n := range template.Candidates {
			candidates[n] = struct{}{}
		}
		items[i] = &Item{
			ID:             template.ID,
			IncompleteBase: template.IncompleteBase,
			PartIndex:      i,
			PartCount:      count,
			Kind:           template.Kind,
			Candidates:     candidates,
			Offset:         int64(i) * segmentSize,
			Length:         length,
			Priority:       template.Priority,
			TargetName:     template.TargetName,
			TargetSize:     size,
			TargetLocation: template.TargetLocation,
			OnSuccess:      template.OnSuccess,
			OnFailure:      template.OnFailure,
			Arg:            template.Arg,
		}
	}
	return items
}
