// Package quadtree indexes items by axis-aligned bounding box.
package quadtree

// Rect is an axis-aligned bounding box in georeferenced coordinates.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Intersects reports whether the two rectangles share any point.
// Touching edges count as intersecting.
func (r Rect) Intersects(o Rect) bool {
	return r.MinX <= o.MaxX && o.MinX <= r.MaxX && r.MinY <= o.MaxY && o.MinY <= r.MaxY
}

func (r Rect) contains(o Rect) bool {
	return o.MinX >= r.MinX && o.MaxX <= r.MaxX && o.MinY >= r.MinY && o.MaxY <= r.MaxY
}

func (r Rect) clip(o Rect) Rect {
	if o.MinX < r.MinX {
		o.MinX = r.MinX
	}
	if o.MinY < r.MinY {
		o.MinY = r.MinY
	}
	if o.MaxX > r.MaxX {
		o.MaxX = r.MaxX
	}
	if o.MaxY > r.MaxY {
		o.MaxY = r.MaxY
	}
	if o.MinX > o.MaxX {
		o.MinX = o.MaxX
	}
	if o.MinY > o.MaxY {
		o.MinY = o.MaxY
	}
	return o
}

// Item is anything indexable by bounding box. Implementations should be
// small value types; the tree stores them as given and never copies the
// underlying data they refer to.
type Item interface {
	Bounds() Rect
}

const (
	nodeCapacity = 8
	maxDepth     = 12
)

type node struct {
	bounds   Rect
	items    []Item
	children []*node
}

// Tree is a region quadtree over bounding boxes. Items are inserted once
// and never removed; queries return every item whose bounding box
// intersects the query window.
//
// A Tree is not safe for concurrent use.
type Tree struct {
	root node
	size int
}

// New returns an empty tree covering the given extent. Item bounds are
// clipped to the extent for placement, so items partially outside it are
// still indexed by their inside portion.
func New(bounds Rect) *Tree {
	return &Tree{root: node{bounds: bounds}}
}

// Len returns the number of inserted items.
func (t *Tree) Len() int { return t.size }

// Insert adds item to the tree.
func (t *Tree) Insert(item Item) {
	b := t.root.bounds.clip(item.Bounds())
	t.root.insert(item, b, 0)
	t.size++
}

func (n *node) insert(item Item, b Rect, depth int) {
	if n.children == nil {
		if len(n.items) < nodeCapacity || depth >= maxDepth {
			n.items = append(n.items, item)
			return
		}
		n.split(depth)
	}
	for _, c := range n.children {
		if c.bounds.contains(b) {
			c.insert(item, b, depth+1)
			return
		}
	}
	// Straddles a child boundary; stays at this node.
	n.items = append(n.items, item)
}

func (n *node) split(depth int) {
	midX := 0.5 * (n.bounds.MinX + n.bounds.MaxX)
	midY := 0.5 * (n.bounds.MinY + n.bounds.MaxY)
	n.children = []*node{
		{bounds: Rect{MinX: n.bounds.MinX, MinY: n.bounds.MinY, MaxX: midX, MaxY: midY}},
		{bounds: Rect{MinX: midX, MinY: n.bounds.MinY, MaxX: n.bounds.MaxX, MaxY: midY}},
		{bounds: Rect{MinX: n.bounds.MinX, MinY: midY, MaxX: midX, MaxY: n.bounds.MaxY}},
		{bounds: Rect{MinX: midX, MinY: midY, MaxX: n.bounds.MaxX, MaxY: n.bounds.MaxY}},
	}

	items := n.items
	n.items = nil
	for _, it := range items {
		b := n.bounds.clip(it.Bounds())
		placed := false
		for _, c := range n.children {
			if c.bounds.contains(b) {
				c.insert(it, b, depth+1)
				placed = true
				break
			}
		}
		if !placed {
			n.items = append(n.items, it)
		}
	}
}

// Query returns every item whose bounding box intersects rect.
func (t *Tree) Query(rect Rect) []Item {
	var out []Item
	t.root.query(rect, &out)
	return out
}

func (n *node) query(rect Rect, out *[]Item) {
	if !n.bounds.Intersects(rect) {
		return
	}
	for _, it := range n.items {
		if it.Bounds().Intersects(rect) {
			*out = append(*out, it)
		}
	}
	for _, c := range n.children {
		c.query(rect, out)
	}
}
