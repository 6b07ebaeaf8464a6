package quadtree

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type boxItem struct {
	id int
	b  Rect
}

func (bi boxItem) Bounds() Rect { return bi.b }

func TestEmptyTree(t *testing.T) {
	tree := New(Rect{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100})
	assert.Equal(t, 0, tree.Len())
	assert.Empty(t, tree.Query(Rect{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}))
}

func TestQueryMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	extent := Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000}
	tree := New(extent)

	items := make([]boxItem, 300)
	for i := range items {
		x := rng.Float64() * 950
		y := rng.Float64() * 950
		w := rng.Float64()*50 + 1
		h := rng.Float64()*50 + 1
		items[i] = boxItem{id: i, b: Rect{MinX: x, MinY: y, MaxX: x + w, MaxY: y + h}}
		tree.Insert(items[i])
	}
	require.Equal(t, len(items), tree.Len())

	for q := 0; q < 50; q++ {
		x := rng.Float64() * 900
		y := rng.Float64() * 900
		w := rng.Float64() * 200
		h := rng.Float64() * 200
		window := Rect{MinX: x, MinY: y, MaxX: x + w, MaxY: y + h}

		var want []int
		for _, it := range items {
			if it.b.Intersects(window) {
				want = append(want, it.id)
			}
		}

		var got []int
		for _, it := range tree.Query(window) {
			got = append(got, it.(boxItem).id)
		}
		assert.ElementsMatch(t, want, got, "window %+v", window)
	}
}

func TestInsertClipsToExtent(t *testing.T) {
	tree := New(Rect{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100})
	// Straddles the left edge of the extent.
	it := boxItem{id: 1, b: Rect{MinX: -50, MinY: 10, MaxX: 20, MaxY: 30}}
	tree.Insert(it)

	got := tree.Query(Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 100})
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].(boxItem).id)
}

func TestCoincidentItemsForceDepthLimit(t *testing.T) {
	tree := New(Rect{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100})
	b := Rect{MinX: 10, MinY: 10, MaxX: 11, MaxY: 11}
	for i := 0; i < 100; i++ {
		tree.Insert(boxItem{id: i, b: b})
	}
	got := tree.Query(b)
	assert.Len(t, got, 100)
}

func TestTouchingEdgesIntersect(t *testing.T) {
	a := Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	b := Rect{MinX: 10, MinY: 0, MaxX: 20, MaxY: 10}
	c := Rect{MinX: 10.0001, MinY: 0, MaxX: 20, MaxY: 10}
	assert.True(t, a.Intersects(b))
	assert.True(t, b.Intersects(a))
	assert.False(t, a.Intersects(c))
}
