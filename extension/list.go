package extension

import (
	"fmt"
	"slices"
)

// Change is one mutation of a Source, in the Source's own indices.
type Change struct {
	Added   []any
	Removed []any
	Index   Index
}

// Source is an ordered contribution owned by a provider.
type Source interface {
	// Snapshot returns the current items.
	Snapshot() []any
	// Observe installs the single receiver of changes, replacing any
	// previous one. A nil fn stops observation.
	Observe(fn func(Change))
}

// List is an observable ordered collection. Every mutation is reported to
// its observer as one Change.
type List[T any] struct {
	items    []T
	observer func(Change)
}

// NewList creates a List holding items.
func NewList[T any](items ...T) *List[T] {
	return &List[T]{items: append([]T(nil), items...)}
}

// Snapshot implements Source.
func (l *List[T]) Snapshot() []any { return toAny(l.items) }

// Observe implements Source.
func (l *List[T]) Observe(fn func(Change)) { l.observer = fn }

// Items returns a copy of the items.
func (l *List[T]) Items() []T { return append([]T(nil), l.items...) }

// Len returns the number of items.
func (l *List[T]) Len() int { return len(l.items) }

// Get returns the item at i.
func (l *List[T]) Get(i int) T { return l.items[i] }

// Append adds items at the end.
func (l *List[T]) Append(items ...T) {
	if len(items) == 0 {
		return
	}
	at := len(l.items)
	l.items = append(l.items, items...)
	l.emit(toAny(items), nil, At(at))
}

// Extend appends every item of items as one change.
func (l *List[T]) Extend(items []T) { l.Append(items...) }

// Insert adds items before position i.
func (l *List[T]) Insert(i int, items ...T) error {
	if i < 0 || i > len(l.items) {
		return fmt.Errorf("%w: insert at %d into %d items", ErrIndexOutOfRange, i, len(l.items))
	}
	if len(items) == 0 {
		return nil
	}
	l.items = slices.Insert(l.items, i, items...)
	l.emit(toAny(items), nil, At(i))
	return nil
}

// RemoveAt removes and returns the item at i.
func (l *List[T]) RemoveAt(i int) (T, error) {
	var zero T
	if i < 0 || i >= len(l.items) {
		return zero, fmt.Errorf("%w: remove %d of %d items", ErrIndexOutOfRange, i, len(l.items))
	}
	item := l.items[i]
	l.items = slices.Delete(l.items, i, i+1)
	l.emit(nil, []any{item}, At(i))
	return item, nil
}

// Pop removes and returns the last item.
func (l *List[T]) Pop() (T, error) {
	return l.RemoveAt(len(l.items) - 1)
}

// Delete removes the items in [i, j).
func (l *List[T]) Delete(i, j int) error {
	if i < 0 || j < i || j > len(l.items) {
		return fmt.Errorf("%w: delete [%d:%d] of %d items", ErrIndexOutOfRange, i, j, len(l.items))
	}
	if i == j {
		return nil
	}
	removed := toAny(l.items[i:j])
	l.items = slices.Delete(l.items, i, j)
	l.emit(nil, removed, Range(i, j))
	return nil
}

// Set replaces the item at i.
func (l *List[T]) Set(i int, item T) error {
	if i < 0 || i >= len(l.items) {
		return fmt.Errorf("%w: set %d of %d items", ErrIndexOutOfRange, i, len(l.items))
	}
	old := l.items[i]
	l.items[i] = item
	l.emit([]any{item}, []any{old}, Range(i, i+1))
	return nil
}

// Replace swaps the whole contents for items.
func (l *List[T]) Replace(items ...T) {
	old := toAny(l.items)
	l.items = append([]T(nil), items...)
	l.emit(toAny(items), old, Range(0, len(old)))
}

// Clear removes every item.
func (l *List[T]) Clear() {
	if len(l.items) == 0 {
		return
	}
	l.Replace()
}

// Sort orders the items by cmp, reported as a replacement of the whole list.
func (l *List[T]) Sort(cmp func(a, b T) int) {
	sorted := slices.Clone(l.items)
	slices.SortStableFunc(sorted, cmp)
	l.Replace(sorted...)
}

func (l *List[T]) emit(added, removed []any, index Index) {
	if l.observer != nil {
		l.observer(Change{Added: added, Removed: removed, Index: index})
	}
}

type values []any

// Values returns a Source that never changes.
func Values[T any](items ...T) Source {
	return values(toAny(items))
}

func (v values) Snapshot() []any { return append([]any(nil), v...) }
func (v values) Observe(func(Change)) {}

type funcSource[T any] func() []T

// FuncSource returns a Source that calls fn on every snapshot. Changes to
// what fn returns are not observed.
func FuncSource[T any](fn func() []T) Source {
	return funcSource[T](fn)
}

func (f funcSource[T]) Snapshot() []any { return toAny(f()) }
func (f funcSource[T]) Observe(func(Change)) {}

func toAny[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

var (
	_ Source = (*List[int])(nil)
	_ Source = values(nil)
)
