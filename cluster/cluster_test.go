package cluster

import (
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/paulmach/orb"
)

func TestProjectRoundTrip(t *testing.T) {
	coords := [][2]float64{{0, 0}, {19.93, 50.05}, {-122.4, 37.77}, {179.9, -84}}
	for _, c := range coords {
		x, y := project(c[0], c[1])
		lng, lat := unproject(x, y)
		if math.Abs(lng-c[0]) > 1e-9 || math.Abs(lat-c[1]) > 1e-9 {
			t.Errorf("round trip of %v gave (%f, %f)", c, lng, lat)
		}
	}
}

func TestKDTreeWithinMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	points := make([]KDPoint, 1000)
	for i := range points {
		points[i] = KDPoint{X: rng.Float64(), Y: rng.Float64(), Idx: int32(i)}
	}
	tree := NewKDTree(points, 8)

	for q := 0; q < 50; q++ {
		x, y, r := rng.Float64(), rng.Float64(), rng.Float64()*0.1

		var got []int
		tree.Within(x, y, r, func(p KDPoint) { got = append(got, int(p.Idx)) })

		var want []int
		for _, p := range points {
			if sqDist(p.X, p.Y, x, y) <= r*r {
				want = append(want, int(p.Idx))
			}
		}

		sort.Ints(got)
		if len(got) != len(want) {
			t.Fatalf("query %d: got %d points, want %d", q, len(got), len(want))
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("query %d: mismatch at %d: %d vs %d", q, i, got[i], want[i])
			}
		}
	}
}

func krakowPoints() []Point {
	return []Point{
		{ID: 1, Lng: 19.9350, Lat: 50.0540, Properties: map[string]interface{}{"name": "a"}},
		{ID: 2, Lng: 19.9352, Lat: 50.0541, Properties: map[string]interface{}{"name": "b"}},
		{ID: 3, Lng: 2.3522, Lat: 48.8566, Properties: map[string]interface{}{"name": "paris"}},
	}
}

func TestClustersMergeCloseAndSplitWhenZoomed(t *testing.T) {
	ix := New(DefaultOptions())
	ix.Load(krakowPoints())

	low := ix.Clusters(World, 3)
	if len(low) != 2 {
		t.Fatalf("zoom 3: expected 2 nodes, got %d", len(low))
	}

	var merged *Node
	for i := range low {
		if low[i].IsCluster() {
			merged = &low[i]
		}
	}
	if merged == nil {
		t.Fatal("zoom 3: expected the two Krakow points to be clustered")
	}
	if merged.Count != 2 {
		t.Errorf("cluster count = %d, want 2", merged.Count)
	}
	if math.Abs(merged.Lng-19.9351) > 1e-3 || math.Abs(merged.Lat-50.05405) > 1e-3 {
		t.Errorf("unexpected centroid (%f, %f)", merged.Lng, merged.Lat)
	}

	high := ix.Clusters(World, 19)
	if len(high) != 3 {
		t.Fatalf("zoom past max: expected 3 single nodes, got %d", len(high))
	}
	for _, n := range high {
		if n.IsCluster() {
			t.Errorf("unexpected cluster at max zoom: %+v", n)
		}
	}
}

func TestClustersEveryPointAppearsOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	points := make([]Point, 500)
	for i := range points {
		points[i] = Point{ID: uint32(i), Lng: rng.Float64()*20 - 10, Lat: rng.Float64()*20 + 40}
	}

	ix := New(DefaultOptions())
	ix.Load(points)

	for zoom := 0; zoom <= 19; zoom += 3 {
		seen := make(map[uint32]int)
		total := 0
		for _, n := range ix.Clusters(World, zoom) {
			total += n.Count
			for _, m := range n.Members {
				seen[m]++
			}
		}
		if total != len(points) || len(seen) != len(points) {
			t.Fatalf("zoom %d: total=%d distinct=%d, want %d", zoom, total, len(seen), len(points))
		}
	}
}

func TestClustersMinPoints(t *testing.T) {
	opts := DefaultOptions()
	opts.MinPoints = 3
	ix := New(opts)
	ix.Load(krakowPoints())

	for _, n := range ix.Clusters(World, 3) {
		if n.IsCluster() {
			t.Errorf("two points must not form a cluster with MinPoints=3: %+v", n)
		}
	}
}

func TestClustersBounds(t *testing.T) {
	ix := New(DefaultOptions())
	ix.Load(krakowPoints())

	france := orb.Bound{Min: orb.Point{-5, 42}, Max: orb.Point{8, 51}}
	nodes := ix.Clusters(france, 19)
	if len(nodes) != 1 || nodes[0].ID != 3 {
		t.Fatalf("expected only the Paris point, got %+v", nodes)
	}

	wrapped := orb.Bound{Min: orb.Point{170, -90}, Max: orb.Point{5, 90}}
	if got := len(ix.Clusters(wrapped, 19)); got != 1 {
		t.Errorf("antimeridian bounds: expected 1 node, got %d", got)
	}
}

func TestClustersEmptyIndex(t *testing.T) {
	ix := New(Options{})
	ix.Load(nil)
	if got := ix.Clusters(World, 5); len(got) != 0 {
		t.Errorf("expected no nodes, got %d", len(got))
	}
	if ix.Len() != 0 {
		t.Errorf("Len() = %d", ix.Len())
	}
}

func TestClustersConcurrentQueries(t *testing.T) {
	ix := New(DefaultOptions())
	ix.Load(krakowPoints())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(zoom int) {
			defer wg.Done()
			ix.Clusters(World, zoom%20)
		}(i)
	}
	wg.Wait()
}

func TestGeoJSON(t *testing.T) {
	ix := New(DefaultOptions())
	ix.Load(krakowPoints())

	fc := ix.GeoJSON(World, 3)
	if len(fc.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(fc.Features))
	}

	var clusters, singles int
	for _, f := range fc.Features {
		if f.Properties["cluster"] == true {
			clusters++
			if f.Properties["point_count"] != 2 {
				t.Errorf("point_count = %v", f.Properties["point_count"])
			}
		} else {
			singles++
			if f.Properties["name"] != "paris" {
				t.Errorf("single point lost its properties: %v", f.Properties)
			}
		}
	}
	if clusters != 1 || singles != 1 {
		t.Errorf("clusters=%d singles=%d", clusters, singles)
	}

	data, err := json.Marshal(fc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.Type != "FeatureCollection" {
		t.Errorf("unexpected GeoJSON output: %s", data)
	}
}
