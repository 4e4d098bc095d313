package extension

import "fmt"

// Index locates a change within a list. It is either a single position, for
// a contiguous insertion or removal, or a half-open range that was replaced.
type Index struct {
	start   int
	stop    int
	isRange bool
}

// At returns the index of a contiguous insertion or removal starting at i.
func At(i int) Index {
	return Index{start: i, stop: i}
}

// Range returns the index of a bulk replacement of the items in [start, stop).
func Range(start, stop int) Index {
	return Index{start: start, stop: stop, isRange: true}
}

// IsRange reports whether the index is a Range.
func (x Index) IsRange() bool { return x.isRange }

// Start returns the first position affected by the change.
func (x Index) Start() int { return x.start }

// Stop returns the end of a Range. For At it equals Start.
func (x Index) Stop() int { return x.stop }

// Offset shifts the index by n positions.
func (x Index) Offset(n int) Index {
	x.start += n
	x.stop += n
	return x
}

// Bounds returns the half-open span of the pre-change list that was replaced
// by the change, given how many items were removed.
func (x Index) Bounds(removed int) (int, int) {
	if x.isRange {
		return x.start, x.stop
	}
	return x.start, x.start + removed
}

func (x Index) String() string {
	if x.isRange {
		return fmt.Sprintf("[%d:%d]", x.start, x.stop)
	}
	return fmt.Sprintf("%d", x.start)
}

// ApplyChange returns old with removed taken out and added put back at index.
// The result is a new slice; old is not modified.
func ApplyChange[T any](old, added, removed []T, index Index) ([]T, error) {
	start, stop := index.Bounds(len(removed))
	if start < 0 || stop < start || stop > len(old) {
		return nil, fmt.Errorf("%w: %s over %d items", ErrIndexOutOfRange, index, len(old))
	}
	if index.isRange && stop-start != len(removed) {
		return nil, fmt.Errorf("%w: range %s removes %d items, event lists %d", ErrIndexOutOfRange, index, stop-start, len(removed))
	}

	out := make([]T, 0, len(old)-(stop-start)+len(added))
	out = append(out, old[:start]...)
	out = append(out, added...)
	out = append(out, old[stop:]...)
	return out, nil
}
