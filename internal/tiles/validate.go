package tiles

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// Validate checks a freshly loaded set: non-empty, unique non-empty ids,
// and well-formed polygon rings.
func Validate(set *model.PolygonSet) error {
	if set.Len() == 0 {
		return eris.New("tiles: polygon set is empty")
	}
	seen := make(map[string]struct{}, set.Len())
	for i, p := range set.Polygons {
		if p.ID == "" {
			return eris.Errorf("tiles: polygon %d has an empty id", i)
		}
		if _, dup := seen[p.ID]; dup {
			return eris.Errorf("tiles: duplicate polygon id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if err := validateGeometry(p.Geometry); err != nil {
			return eris.Wrapf(err, "tiles: polygon %q", p.ID)
		}
	}
	return nil
}

func validateGeometry(g geom.T) error {
	switch t := g.(type) {
	case nil:
		return eris.New("missing geometry")
	case *geom.Polygon:
		return validatePolygon(t)
	case *geom.MultiPolygon:
		if t.NumPolygons() == 0 {
			return eris.New("empty multipolygon")
		}
		for i := 0; i < t.NumPolygons(); i++ {
			if err := validatePolygon(t.Polygon(i)); err != nil {
				return eris.Wrapf(err, "part %d", i)
			}
		}
		return nil
	}
	return eris.Errorf("unsupported geometry %T", g)
}

func validatePolygon(p *geom.Polygon) error {
	if p.NumLinearRings() == 0 {
		return eris.New("empty polygon")
	}
	for i := 0; i < p.NumLinearRings(); i++ {
		if err := validateRing(p.LinearRing(i).Coords()); err != nil {
			return eris.Wrapf(err, "ring %d", i)
		}
	}
	return nil
}

func validateRing(coords []geom.Coord) error {
	n := len(coords)
	if n < 4 {
		return eris.Errorf("ring has %d coordinates, need at least 4", n)
	}
	if !samePoint(coords[0], coords[n-1]) {
		return eris.New("ring is not closed")
	}
	coords = dropRepeated(coords)
	n = len(coords)
	if n < 4 {
		return eris.Errorf("ring has %d distinct vertices, need at least 3", n-1)
	}
	// Edges i and j are adjacent when they share a vertex, including the
	// closing pair (0, n-2).
	edges := n - 1
	for i := 0; i < edges; i++ {
		for j := i + 1; j < edges; j++ {
			if j == i+1 || (i == 0 && j == edges-1) {
				continue
			}
			if segmentsIntersect(coords[i], coords[i+1], coords[j], coords[j+1]) {
				return eris.Errorf("ring self-intersects between edges %d and %d", i, j)
			}
		}
	}
	return nil
}

func samePoint(a, b geom.Coord) bool {
	return a[0] == b[0] && a[1] == b[1]
}

// dropRepeated removes consecutive duplicate vertices, which would
// otherwise form zero-length edges.
func dropRepeated(coords []geom.Coord) []geom.Coord {
	out := make([]geom.Coord, 0, len(coords))
	for _, c := range coords {
		if len(out) > 0 && samePoint(out[len(out)-1], c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func orientation(a, b, c geom.Coord) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p geom.Coord) bool {
	return min(a[0], b[0]) <= p[0] && p[0] <= max(a[0], b[0]) &&
		min(a[1], b[1]) <= p[1] && p[1] <= max(a[1], b[1])
}

func segmentsIntersect(p1, p2, q1, q2 geom.Coord) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}
