// Package cluster groups map points into clusters per zoom level, in the manner of
// supercluster: points are projected to Web-Mercator, indexed in a KD-tree and merged
// greedily within a pixel radius that shrinks as the zoom grows.
package cluster

import (
	"math"
	"sync"

	"github.com/paulmach/orb"
)

// Options configures an Index. Zero values are replaced by defaults.
type Options struct {
	MinZoom   int
	MaxZoom   int
	MinPoints int
	Radius    float64 // in pixels, relative to Extent
	Extent    int     // tile size in pixels
	NodeSize  int
}

// DefaultOptions match a marker cluster group with a 30 px radius on 256 px tiles.
func DefaultOptions() Options {
	return Options{
		MinZoom:   0,
		MaxZoom:   18,
		MinPoints: 2,
		Radius:    30,
		Extent:    256,
		NodeSize:  64,
	}
}

// Point is an input point. Properties are copied to the output of unclustered points.
type Point struct {
	ID         uint32
	Lng, Lat   float64
	Properties map[string]interface{}
}

// Node is either a single input point or a cluster of several.
type Node struct {
	ID         uint32
	Lng, Lat   float64
	Count      int
	Members    []uint32
	Properties map[string]interface{}
}

// IsCluster reports whether the node groups more than one point.
func (n Node) IsCluster() bool {
	return n.Count > 1
}

// Index is immutable once loaded and safe for concurrent queries.
type Index struct {
	Options Options

	points []Point
	tree   *KDTree

	mu    sync.Mutex
	cache map[int][]Node
}

// New creates an empty index, validating the options.
func New(options Options) *Index {
	defaults := DefaultOptions()
	if options.MinZoom < 0 {
		options.MinZoom = 0
	}
	if options.MaxZoom <= 0 {
		options.MaxZoom = defaults.MaxZoom
	}
	if options.MinZoom > options.MaxZoom {
		options.MinZoom = options.MaxZoom
	}
	if options.MinPoints <= 0 {
		options.MinPoints = defaults.MinPoints
	}
	if options.Radius <= 0 {
		options.Radius = defaults.Radius
	}
	if options.Extent <= 0 {
		options.Extent = defaults.Extent
	}
	if options.NodeSize <= 0 {
		options.NodeSize = defaults.NodeSize
	}

	return &Index{
		Options: options,
		cache:   make(map[int][]Node),
	}
}

// Load indexes the points. It must be called once, before any query.
func (ix *Index) Load(points []Point) {
	ix.points = make([]Point, len(points))
	copy(ix.points, points)

	kdPoints := make([]KDPoint, len(points))
	for i, p := range points {
		x, y := project(p.Lng, p.Lat)
		kdPoints[i] = KDPoint{X: x, Y: y, Idx: int32(i)}
	}
	ix.tree = NewKDTree(kdPoints, ix.Options.NodeSize)
}

// Len returns the number of loaded points.
func (ix *Index) Len() int {
	return len(ix.points)
}

// Clusters returns the nodes visible in bounds at the given zoom.
func (ix *Index) Clusters(bounds orb.Bound, zoom int) []Node {
	all := ix.clustersAt(ix.clampZoom(zoom))

	visible := make([]Node, 0, len(all))
	for _, n := range all {
		if inBounds(bounds, n.Lng, n.Lat) {
			visible = append(visible, n)
		}
	}
	return visible
}

func (ix *Index) clampZoom(zoom int) int {
	if zoom < ix.Options.MinZoom {
		return ix.Options.MinZoom
	}
	if zoom > ix.Options.MaxZoom+1 {
		return ix.Options.MaxZoom + 1
	}
	return zoom
}

func (ix *Index) clustersAt(zoom int) []Node {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if nodes, ok := ix.cache[zoom]; ok {
		return nodes
	}
	nodes := ix.clusterPoints(zoom)
	ix.cache[zoom] = nodes
	return nodes
}

// clusterPoints merges, in input order, every unprocessed point with its unprocessed
// neighbours when the group reaches MinPoints.
func (ix *Index) clusterPoints(zoom int) []Node {
	nodes := make([]Node, 0, len(ix.points))
	if len(ix.points) == 0 {
		return nodes
	}

	if zoom > ix.Options.MaxZoom {
		for i := range ix.points {
			nodes = append(nodes, ix.singleNode(i))
		}
		return nodes
	}

	radius := ix.Options.Radius / (float64(ix.Options.Extent) * math.Pow(2, float64(zoom)))
	processed := make([]bool, len(ix.points))
	positions := make([][2]float64, len(ix.points))
	for _, p := range ix.tree.Points {
		positions[p.Idx] = [2]float64{p.X, p.Y}
	}

	for i := range ix.points {
		if processed[i] {
			continue
		}

		var nearby []int32
		ix.tree.Within(positions[i][0], positions[i][1], radius, func(p KDPoint) {
			if int(p.Idx) != i && !processed[p.Idx] {
				nearby = append(nearby, p.Idx)
			}
		})

		if len(nearby)+1 < ix.Options.MinPoints {
			processed[i] = true
			nodes = append(nodes, ix.singleNode(i))
			continue
		}

		members := append([]int32{int32(i)}, nearby...)
		for _, m := range members {
			processed[m] = true
		}
		nodes = append(nodes, ix.createCluster(i, zoom, members, positions))
	}

	return nodes
}

func (ix *Index) singleNode(i int) Node {
	p := ix.points[i]
	return Node{
		ID:         p.ID,
		Lng:        p.Lng,
		Lat:        p.Lat,
		Count:      1,
		Members:    []uint32{p.ID},
		Properties: p.Properties,
	}
}

func (ix *Index) createCluster(seed, zoom int, members []int32, positions [][2]float64) Node {
	var sumX, sumY float64
	ids := make([]uint32, len(members))
	for k, m := range members {
		sumX += positions[m][0]
		sumY += positions[m][1]
		ids[k] = ix.points[m].ID
	}

	inv := 1.0 / float64(len(members))
	lng, lat := unproject(sumX*inv, sumY*inv)

	return Node{
		ID:      uint32(seed)<<5 + uint32(zoom+1) + uint32(len(ix.points)),
		Lng:     lng,
		Lat:     lat,
		Count:   len(members),
		Members: ids,
	}
}

// project maps WGS84 to unit Web-Mercator space, y growing southwards.
func project(lng, lat float64) (float64, float64) {
	sin := math.Sin(lat * math.Pi / 180)
	x := lng/360 + 0.5
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		y = 0
	} else if y > 1 {
		y = 1
	}
	return x, y
}

func unproject(x, y float64) (float64, float64) {
	lng := (x - 0.5) * 360
	lat := math.Atan(math.Sinh(math.Pi*(1-2*y))) * 180 / math.Pi
	return lng, lat
}

// inBounds handles bounds crossing the antimeridian (Min lon greater than Max lon).
func inBounds(b orb.Bound, lng, lat float64) bool {
	if lat < b.Min.Lat() || lat > b.Max.Lat() {
		return false
	}
	if b.Min.Lon() <= b.Max.Lon() {
		return lng >= b.Min.Lon() && lng <= b.Max.Lon()
	}
	return lng >= b.Min.Lon() || lng <= b.Max.Lon()
}

// World covers every valid coordinate.
var World = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
