package extension

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testProvider struct {
	BaseProvider
	points []Point
	lists  map[string]*List[int]
	calls  int
	fail   error
}

func newTestProvider(points ...Point) *testProvider {
	return &testProvider{points: points, lists: make(map[string]*List[int])}
}

func (p *testProvider) contribute(id string, items ...int) *List[int] {
	l := NewList(items...)
	l.Observe(func(c Change) { p.FireExtensionPointChanged(id, c.Added, c.Removed, c.Index) })
	p.lists[id] = l
	return l
}

func (p *testProvider) GetExtensionPoints() []Point { return p.points }

func (p *testProvider) GetExtensions(id string) ([]any, error) {
	p.calls++
	if p.fail != nil {
		return nil, p.fail
	}
	if l, ok := p.lists[id]; ok {
		return l.Snapshot(), nil
	}
	return nil, nil
}

type recorder struct {
	events []ChangeEvent
}

func (r *recorder) listener() Listener {
	return ListenerFunc(func(_ Registry, ev ChangeEvent) { r.events = append(r.events, ev) })
}

func listPoint(id string) Point { return Point{ID: id, Kind: KindList} }

func mustGet(t *testing.T, r Registry, id string) []any {
	t.Helper()
	ext, err := r.GetExtensions(id)
	require.NoError(t, err)
	return ext
}

func TestProviderRegistry_AccumulationOrder(t *testing.T) {
	t.Parallel()

	t.Run("read after both providers", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		p1 := newTestProvider(listPoint("x"))
		p1.contribute("x", 1, 2, 3)
		p2 := newTestProvider()
		p2.contribute("x", 4, 5, 6)
		require.NoError(t, r.AddProviders(p1, p2))

		assert.Equal(t, []any{1, 2, 3, 4, 5, 6}, mustGet(t, r, "x"))
		assert.Equal(t, []any{1, 2, 3, 4, 5, 6}, mustGet(t, r, "x"))
	})

	t.Run("read between providers", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		p1 := newTestProvider(listPoint("x"))
		p1.contribute("x", 1, 2, 3)
		require.NoError(t, r.AddProvider(p1))
		assert.Equal(t, []any{1, 2, 3}, mustGet(t, r, "x"))

		rec := &recorder{}
		r.AddExtensionPointListener(rec.listener(), "x")
		p2 := newTestProvider()
		p2.contribute("x", 4, 5, 6)
		require.NoError(t, r.AddProvider(p2))

		assert.Equal(t, []any{1, 2, 3, 4, 5, 6}, mustGet(t, r, "x"))
		require.Len(t, rec.events, 1)
		assert.Equal(t, []any{4, 5, 6}, rec.events[0].Added)
		assert.Empty(t, rec.events[0].Removed)
		assert.Equal(t, At(3), rec.events[0].Index)
	})
}

func TestProviderRegistry_GlobalIndex(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	p1 := newTestProvider(listPoint("x"))
	l1 := p1.contribute("x", 1, 2, 3)
	p2 := newTestProvider()
	l2 := p2.contribute("x", 4, 5, 6)
	require.NoError(t, r.AddProviders(p1, p2))
	mustGet(t, r, "x")

	rec := &recorder{}
	r.AddExtensionPointListener(rec.listener(), "x")

	l2.Append(99)
	require.Len(t, rec.events, 1)
	assert.Equal(t, "x", rec.events[0].ExtensionPointID)
	assert.Equal(t, []any{99}, rec.events[0].Added)
	assert.Empty(t, rec.events[0].Removed)
	assert.Equal(t, At(6), rec.events[0].Index)

	l1.Append(7)
	require.Len(t, rec.events, 2)
	assert.Equal(t, At(3), rec.events[1].Index)
	assert.Equal(t, []any{1, 2, 3, 7, 4, 5, 6, 99}, mustGet(t, r, "x"))
}

func TestProviderRegistry_InsertAndReplaceIndices(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	a := newTestProvider(listPoint("x"))
	a.contribute("x", 1, 2)
	b := newTestProvider()
	lb := b.contribute("x", 99, 100)
	require.NoError(t, r.AddProviders(a, b))
	mustGet(t, r, "x")

	rec := &recorder{}
	r.AddExtensionPointListener(rec.listener(), "x")

	require.NoError(t, lb.Insert(0, 98))
	require.Len(t, rec.events, 1)
	assert.Equal(t, []any{98}, rec.events[0].Added)
	assert.Equal(t, At(2), rec.events[0].Index)

	lb.Replace(1, 2)
	require.Len(t, rec.events, 2)
	assert.Equal(t, []any{1, 2}, rec.events[1].Added)
	assert.Equal(t, []any{98, 99, 100}, rec.events[1].Removed)
	assert.Equal(t, Range(2, 5), rec.events[1].Index)
	assert.Equal(t, []any{1, 2, 1, 2}, mustGet(t, r, "x"))
}

func TestProviderRegistry_RoundTrip(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	a := newTestProvider(listPoint("x"))
	la := a.contribute("x", 1, 2, 3)
	b := newTestProvider()
	lb := b.contribute("x", 4, 5, 6)
	require.NoError(t, r.AddProviders(a, b))

	prev := mustGet(t, r, "x")
	count := 0
	r.AddExtensionPointListener(ListenerFunc(func(reg Registry, ev ChangeEvent) {
		count++
		next := mustGet(t, reg, "x")
		if ev.Index.IsRange() {
			assert.Equal(t, ev.Removed, prev[ev.Index.Start():ev.Index.Stop()])
		}
		applied, err := ApplyChange(prev, ev.Added, ev.Removed, ev.Index)
		require.NoError(t, err)
		assert.Equal(t, next, applied)
		prev = next
	}), "x")

	la.Append(7)
	require.NoError(t, lb.Insert(1, 8))
	_, err := la.RemoveAt(0)
	require.NoError(t, err)
	require.NoError(t, lb.Set(0, 9))
	require.NoError(t, lb.Delete(1, 3))
	la.Replace(10, 11)
	_, err = lb.Pop()
	require.NoError(t, err)
	lb.Sort(func(x, y int) int { return y - x })
	la.Clear()

	assert.Equal(t, 9, count)
	assert.Equal(t, []any{9}, mustGet(t, r, "x"))
}

func TestProviderRegistry_MutationIsolation(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	p := newTestProvider(listPoint("x"))
	p.contribute("x", 3, 1, 2)
	require.NoError(t, r.AddProvider(p))

	ext := mustGet(t, r, "x")
	ext[0] = 100
	ext[2] = nil

	assert.Equal(t, []any{3, 1, 2}, mustGet(t, r, "x"))
}

func TestProviderRegistry_RemoveProvider(t *testing.T) {
	t.Parallel()

	t.Run("retracts exactly its extensions", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		a := newTestProvider(listPoint("x"), listPoint("y"))
		a.contribute("x", 42)
		b := newTestProvider()
		b.contribute("x", 43, 44)
		require.NoError(t, r.AddProviders(a, b))
		assert.Len(t, mustGet(t, r, "x"), 3)

		rec := &recorder{}
		r.AddExtensionPointListener(rec.listener(), "x")

		require.NoError(t, r.RemoveProvider(b))
		require.Len(t, rec.events, 1)
		assert.Empty(t, rec.events[0].Added)
		assert.Equal(t, []any{43, 44}, rec.events[0].Removed)
		assert.Equal(t, At(1), rec.events[0].Index)
		assert.Equal(t, []any{42}, mustGet(t, r, "x"))

		require.NoError(t, r.RemoveProvider(a))
		_, ok := r.GetExtensionPoint("x")
		assert.False(t, ok)
		assert.Equal(t, []any{}, mustGet(t, r, "x"))
		require.Len(t, rec.events, 2)
		assert.Equal(t, []any{42}, rec.events[1].Removed)
		assert.Empty(t, r.GetExtensionPoints())
	})

	t.Run("retracts what was observed, not what is current", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		a := newTestProvider(listPoint("x"))
		a.contribute("x", 1)
		b := newTestProvider()
		lb := b.contribute("x", 2, 3)
		require.NoError(t, r.AddProviders(a, b))
		mustGet(t, r, "x")

		// detach b so its next change is not seen by the registry.
		b.SetNotifier(nil)
		lb.Append(4)

		rec := &recorder{}
		r.AddExtensionPointListener(rec.listener(), "x")
		require.NoError(t, r.RemoveProvider(b))
		require.Len(t, rec.events, 1)
		assert.Equal(t, []any{2, 3}, rec.events[0].Removed)
	})

	t.Run("cascades remaining extensions of removed point", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		a := newTestProvider(listPoint("x"))
		b := newTestProvider()
		b.contribute("x", 7)
		require.NoError(t, r.AddProviders(a, b))
		assert.Equal(t, []any{7}, mustGet(t, r, "x"))

		rec := &recorder{}
		r.AddExtensionPointListener(rec.listener(), "x")
		require.NoError(t, r.RemoveProvider(a))

		require.Len(t, rec.events, 1)
		assert.Equal(t, []any{7}, rec.events[0].Removed)
		assert.Equal(t, At(0), rec.events[0].Index)
		assert.Equal(t, []any{}, mustGet(t, r, "x"))
	})

	t.Run("static point survives", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		require.NoError(t, r.AddExtensionPoint(listPoint("x")))
		a := newTestProvider(listPoint("x"))
		require.NoError(t, r.AddProvider(a))
		require.NoError(t, r.RemoveProvider(a))

		_, ok := r.GetExtensionPoint("x")
		assert.True(t, ok)
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		err := r.RemoveProvider(newTestProvider())
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})
}

func TestProviderRegistry_AddProvider(t *testing.T) {
	t.Parallel()

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		p := newTestProvider()
		require.NoError(t, r.AddProvider(p))
		assert.ErrorIs(t, r.AddProvider(p), ErrProviderRegistered)
		assert.Len(t, r.GetProviders(), 1)
	})

	t.Run("conflicting declaration leaves registry unchanged", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		require.NoError(t, r.AddProvider(newTestProvider(listPoint("x"))))
		bad := newTestProvider(listPoint("y"), Point{ID: "x", Kind: KindMap})
		assert.ErrorIs(t, r.AddProvider(bad), ErrDuplicateExtensionPoint)
		assert.Len(t, r.GetProviders(), 1)
		_, ok := r.GetExtensionPoint("y")
		assert.False(t, ok)
	})

	t.Run("failing provider is not added", func(t *testing.T) {
		t.Parallel()
		r := NewProviderRegistry()
		require.NoError(t, r.AddProvider(newTestProvider(listPoint("x"))))
		mustGet(t, r, "x")

		boom := errors.New("boom")
		bad := newTestProvider()
		bad.fail = boom
		assert.ErrorIs(t, r.AddProvider(bad), boom)
		assert.Len(t, r.GetProviders(), 1)
	})
}

func TestProviderRegistry_Points(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	require.NoError(t, r.AddExtensionPoint(Point{ID: "a", Kind: KindList, Desc: "first"}))
	require.NoError(t, r.AddProvider(newTestProvider(listPoint("b"), listPoint("a"))))

	points := r.GetExtensionPoints()
	require.Len(t, points, 2)
	assert.Equal(t, "a", points[0].ID)
	assert.Equal(t, "b", points[1].ID)

	require.NoError(t, r.AddExtensionPoint(Point{ID: "a", Kind: KindList, Desc: "second"}))
	p, ok := r.GetExtensionPoint("a")
	require.True(t, ok)
	assert.Equal(t, "second", p.Desc)

	assert.ErrorIs(t, r.AddExtensionPoint(Point{ID: "a", Kind: KindMap}), ErrDuplicateExtensionPoint)
	assert.ErrorIs(t, r.AddExtensionPoint(Point{Kind: KindList}), ErrMissingPointID)
	assert.ErrorIs(t, r.RemoveExtensionPoint("missing"), ErrUnknownExtensionPoint)
}

func TestProviderRegistry_RemoveExtensionPoint(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	p := newTestProvider(listPoint("x"))
	p.contribute("x", 42, 43)
	require.NoError(t, r.AddProvider(p))
	assert.Equal(t, []any{42, 43}, mustGet(t, r, "x"))

	rec := &recorder{}
	r.AddExtensionPointListener(rec.listener(), "")
	require.NoError(t, r.RemoveExtensionPoint("x"))

	assert.Empty(t, r.GetExtensionPoints())
	assert.Equal(t, []any{}, mustGet(t, r, "x"))
	require.Len(t, rec.events, 1)
	assert.Equal(t, []any{42, 43}, rec.events[0].Removed)
	assert.Equal(t, At(0), rec.events[0].Index)
}

func TestProviderRegistry_SetExtensions(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	require.NoError(t, r.AddExtensionPoint(listPoint("x")))
	assert.ErrorIs(t, r.SetExtensions("x", []any{1, 2, 3}), ErrNotSupported)
}

func TestProviderRegistry_Laziness(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	p := newTestProvider(listPoint("x"))
	l := p.contribute("x", 1)
	require.NoError(t, r.AddProvider(p))

	rec := &recorder{}
	r.AddExtensionPointListener(rec.listener(), "x")
	assert.Equal(t, 0, p.calls, "subscribing must not evaluate contributions")

	l.Append(2)
	assert.Empty(t, rec.events, "changes to unread points are not reported")
	assert.Equal(t, 0, p.calls)

	assert.Equal(t, []any{1, 2}, mustGet(t, r, "x"))
	assert.Equal(t, 1, p.calls)
	mustGet(t, r, "x")
	assert.Equal(t, 1, p.calls, "reads are served from cache")
}

func TestProviderRegistry_RefreshFailureDropsCache(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	p := newTestProvider(listPoint("x"))
	l := p.contribute("x", 1)
	require.NoError(t, r.AddProvider(p))
	mustGet(t, r, "x")

	rec := &recorder{}
	r.AddExtensionPointListener(rec.listener(), "x")

	p.fail = errors.New("unavailable")
	l.Append(2)
	assert.Empty(t, rec.events)

	p.fail = nil
	assert.Equal(t, []any{1, 2}, mustGet(t, r, "x"))
}

func TestProviderRegistry_UndeclaredPoint(t *testing.T) {
	t.Parallel()

	r := NewProviderRegistry()
	p := newTestProvider()
	p.contribute("nobody.declares", 1)
	require.NoError(t, r.AddProvider(p))

	ext, err := r.GetExtensions("nobody.declares")
	require.NoError(t, err)
	assert.NotNil(t, ext)
	assert.Empty(t, ext)
}
