package cluster

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// GeoJSON converts the nodes visible in bounds at zoom into a feature collection.
// Clusters carry cluster, cluster_id and point_count; single points carry their own properties.
func (ix *Index) GeoJSON(bounds orb.Bound, zoom int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, n := range ix.Clusters(bounds, zoom) {
		f := geojson.NewFeature(orb.Point{n.Lng, n.Lat})
		f.ID = n.ID

		if n.IsCluster() {
			f.Properties = geojson.Properties{
				"cluster":     true,
				"cluster_id":  n.ID,
				"point_count": n.Count,
			}
		} else {
			f.Properties = make(geojson.Properties, len(n.Properties)+1)
			for k, v := range n.Properties {
				f.Properties[k] = v
			}
			f.Properties["cluster"] = false
		}

		fc.Append(f)
	}

	return fc
}
