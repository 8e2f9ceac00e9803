package area

import "fmt"

// Role is the outer/inner annotation a segment inherits from the relation
// membership (or "outer" unconditionally, for a segment extracted from a
// standalone closed way).
type Role int

const (
	RoleUnknown Role = iota
	RoleOuter
	RoleInner
)

func (r Role) String() string {
	switch r {
	case RoleOuter:
		return "outer"
	case RoleInner:
		return "inner"
	default:
		return "unknown"
	}
}

// Way is the minimal view of an OSM way the assembler needs: an ordered
// node sequence and a tag set. It is deliberately decoupled from
// github.com/paulmach/osm so the assembler's core logic can be exercised
// with plain integer literals (see fromosm.go for the adapter that builds
// one of these from a real *osm.Way).
type Way struct {
	ID    int64
	Nodes []NodeRef
	Tags  map[string]string

	// Source object attributes, carried through unchanged onto the
	// assembled Area (spec §3/§4.10). Zero values if the caller has
	// nothing to report (e.g. a synthetic way built for a test).
	Version   int32
	Changeset int64
	UID       int32
	User      string
	Visible   bool
}

// Closed reports whether the way's first and last nodes share an id.
func (w *Way) Closed() bool {
	if len(w.Nodes) < 2 {
		return false
	}
	return w.Nodes[0].ID == w.Nodes[len(w.Nodes)-1].ID
}

// EndsHaveSameLocation reports whether the first and last node differ in id
// but occupy the same Location -- legal, but worth a duplicate-node
// advisory since it usually indicates a data error upstream.
func (w *Way) EndsHaveSameLocation() bool {
	if len(w.Nodes) < 2 {
		return false
	}
	first, last := w.Nodes[0], w.Nodes[len(w.Nodes)-1]
	return first.ID != last.ID && first.Location == last.Location
}

// Member is one member of a Relation: the way it points to (already
// resolved, or nil if the member offset was absent/unavailable) and its
// role string as tagged on the relation.
type Member struct {
	Way  *Way
	Role string
}

// Relation is the minimal view of an OSM multipolygon relation the
// assembler needs.
type Relation struct {
	ID      int64
	Tags    map[string]string
	Members []Member

	// Source object attributes, carried through unchanged onto the
	// assembled Area (spec §3/§4.10).
	Version   int32
	Changeset int64
	UID       int32
	User      string
	Visible   bool
}

// Segment is a directed node pair plus the role it inherited from its
// source way and a back-reference to that way (for problem reporting and
// tag inheritance). Segments are value objects: two segments with the same
// endpoint locations compare equal via SameLocations, independent of role
// or way.
type Segment struct {
	First, Second NodeRef
	Role          Role
	Way           *Way
}

func (s Segment) String() string {
	return fmt.Sprintf("segment[%s -> %s]", s.First, s.Second)
}

// Canonicalize swaps First/Second if needed so First.Location <=
// Second.Location lexicographically. This is the sweep-friendly
// orientation used for sorting, deduplication and intersection testing.
func (s Segment) Canonicalize() Segment {
	if s.Second.Location.Less(s.First.Location) {
		s.First, s.Second = s.Second, s.First
	}
	return s
}

// Swapped returns a copy of s with its endpoints exchanged, preserving
// role and way.
func (s Segment) Swapped() Segment {
	s.First, s.Second = s.Second, s.First
	return s
}

// SameLocations reports whether s and o share the same endpoint locations
// in the same orientation. This is the equality osmium uses for sorting,
// dedup and intersection detection -- it ignores node id and role.
func (s Segment) SameLocations(o Segment) bool {
	return s.First.Location == o.First.Location && s.Second.Location == o.Second.Location
}

// RoleOuter reports whether the segment's inherited role is "outer".
func (s Segment) RoleOuter() bool { return s.Role == RoleOuter }

// RoleInner reports whether the segment's inherited role is "inner".
func (s Segment) RoleInner() bool { return s.Role == RoleInner }

// lessSegments orders two segments lexicographically by (First, Second)
// Location, the sort order stage2 sweeps in.
func lessSegments(a, b Segment) bool {
	if a.First.Location != b.First.Location {
		return a.First.Location.Less(b.First.Location)
	}
	return a.Second.Location.Less(b.Second.Location)
}

func cross64(o, a, b Location) int64 {
	ox, oy := int64(o.X), int64(o.Y)
	ax, ay := int64(a.X), int64(a.Y)
	bx, by := int64(b.X), int64(b.Y)
	return (ax-ox)*(by-oy) - (ay-oy)*(bx-ox)
}

func minI32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// onSegment reports whether r lies within the bounding box of p,q. Callers
// only use this once p, q, r are already known to be colinear.
func onSegment(p, q, r Location) bool {
	return minI32(p.X, q.X) <= r.X && r.X <= maxI32(p.X, q.X) &&
		minI32(p.Y, q.Y) <= r.Y && r.Y <= maxI32(p.Y, q.Y)
}

// outsideXRange reports whether a later canonical segment starts to the
// right of where an earlier one ends, i.e. their x-ranges cannot overlap.
// FindIntersections uses it to break the sweep early: once later.First.X
// exceeds earlier.Second.X, no subsequent segment in sorted order can
// intersect it either.
func outsideXRange(later, earlier Segment) bool {
	return later.First.Location.X > earlier.Second.Location.X
}

// yRangeOverlap reports whether the y-ranges of two segments overlap,
// the cheap rejection test run before the exact intersection computation.
func yRangeOverlap(a, b Segment) bool {
	aLo, aHi := minI32(a.First.Location.Y, a.Second.Location.Y), maxI32(a.First.Location.Y, a.Second.Location.Y)
	bLo, bHi := minI32(b.First.Location.Y, b.Second.Location.Y), maxI32(b.First.Location.Y, b.Second.Location.Y)
	return aLo <= bHi && bLo <= aHi
}

// calculateIntersection computes whether two segments truly cross: a
// strictly-interior crossing of both, or a T-junction where one segment's
// endpoint lies in the interior of the other without the two segments
// sharing that endpoint. Exact duplicates and legitimate shared endpoints
// (the normal way two consecutive ring segments touch) are not crossings.
// Colinear partial overlap is reported as an intersection, per spec.
//
// The returned Location is the crossing point, for problem reporting only
// -- it is never fed back into further geometry decisions, so rounding a
// non-lattice proper-crossing point to the nearest integer is acceptable.
func calculateIntersection(s1, s2 Segment) (Location, bool) {
	p1, p2 := s1.First.Location, s1.Second.Location
	p3, p4 := s2.First.Location, s2.Second.Location

	d1 := cross64(p3, p4, p1)
	d2 := cross64(p3, p4, p2)
	d3 := cross64(p1, p2, p3)
	d4 := cross64(p1, p2, p4)

	properA := (d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)
	properB := (d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)
	if properA && properB {
		return roundedIntersection(p1, p2, p3, p4), true
	}

	// An endpoint of one segment lying on the other counts unless it is also
	// an endpoint of that other segment; this covers T-junctions as well as
	// colinear overlaps, including overlaps that start at a shared endpoint.
	if d1 == 0 && p1 != p3 && p1 != p4 && onSegment(p3, p4, p1) {
		return p1, true
	}
	if d2 == 0 && p2 != p3 && p2 != p4 && onSegment(p3, p4, p2) {
		return p2, true
	}
	if d3 == 0 && p3 != p1 && p3 != p2 && onSegment(p1, p2, p3) {
		return p3, true
	}
	if d4 == 0 && p4 != p1 && p4 != p2 && onSegment(p1, p2, p4) {
		return p4, true
	}

	return Location{}, false
}

// roundedIntersection computes the (possibly non-lattice) crossing point
// of line p1-p2 and line p3-p4 via Cramer's rule and rounds to the nearest
// integer Location for display in a problem report.
func roundedIntersection(p1, p2, p3, p4 Location) Location {
	x1, y1 := float64(p1.X), float64(p1.Y)
	x2, y2 := float64(p2.X), float64(p2.Y)
	x3, y3 := float64(p3.X), float64(p3.Y)
	x4, y4 := float64(p4.X), float64(p4.Y)

	denom := (x1-x2)*(y3-y4) - (y1-y2)*(x3-x4)
	if denom == 0 {
		// Colinear/parallel: fall back to the shared boundary point nearest p1.
		return p1
	}
	t := ((x1-x3)*(y3-y4) - (y1-y3)*(x3-x4)) / denom
	ix := x1 + t*(x2-x1)
	iy := y1 + t*(y2-y1)
	return Location{X: int32(roundHalfAway(ix)), Y: int32(roundHalfAway(iy))}
}

func roundHalfAway(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}
