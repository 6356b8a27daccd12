package cluster

import "sort"

// KDPoint is a point projected to unit Web-Mercator space.
// Idx points back into the index's input slice.
type KDPoint struct {
	X, Y float64
	Idx  int32
}

// KDTree is a static 2D tree stored in a single slice: every range is sorted by
// its axis around the median, leaves hold at most NodeSize points.
type KDTree struct {
	Points   []KDPoint
	NodeSize int
}

// NewKDTree copies the points and builds the tree.
func NewKDTree(points []KDPoint, nodeSize int) *KDTree {
	if nodeSize <= 0 {
		nodeSize = 64
	}
	tree := &KDTree{
		Points:   make([]KDPoint, len(points)),
		NodeSize: nodeSize,
	}
	copy(tree.Points, points)

	if len(points) > 0 {
		tree.buildNodes(0, len(points)-1, 0)
	}
	return tree
}

func (t *KDTree) buildNodes(start, end, axis int) {
	if end-start <= t.NodeSize {
		return
	}

	median := (start + end) / 2
	sortPointsRange(t.Points[start:end+1], axis)

	t.buildNodes(start, median-1, 1-axis)
	t.buildNodes(median+1, end, 1-axis)
}

func sortPointsRange(points []KDPoint, axis int) {
	if axis == 0 {
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].X < points[j].X
		})
	} else {
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Y < points[j].Y
		})
	}
}

// Within calls fn for every point whose distance to (x, y) is at most r.
func (t *KDTree) Within(x, y, r float64, fn func(p KDPoint)) {
	if len(t.Points) == 0 {
		return
	}
	t.within(0, len(t.Points)-1, 0, x, y, r*r, r, fn)
}

func (t *KDTree) within(start, end, axis int, x, y, r2, r float64, fn func(p KDPoint)) {
	if start > end {
		return
	}

	if end-start <= t.NodeSize {
		for _, p := range t.Points[start : end+1] {
			if sqDist(p.X, p.Y, x, y) <= r2 {
				fn(p)
			}
		}
		return
	}

	median := (start + end) / 2
	p := t.Points[median]
	if sqDist(p.X, p.Y, x, y) <= r2 {
		fn(p)
	}

	coord, target := p.X, x
	if axis == 1 {
		coord, target = p.Y, y
	}

	if target-r <= coord {
		t.within(start, median-1, 1-axis, x, y, r2, r, fn)
	}
	if target+r >= coord {
		t.within(median+1, end, 1-axis, x, y, r2, r, fn)
	}
}

func sqDist(ax, ay, bx, by float64) float64 {
	dx := ax - bx
	dy := ay - by
	return dx*dx + dy*dy
}
