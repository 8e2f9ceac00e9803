// Package area assembles validated polygonal areas (outer rings with holes)
// from OSM ways and multipolygon relations. It is the geometry/topology
// engine of the import pipeline: segment extraction, plane-sweep
// intersection checking, ring assembly and sub-ring splitting, inner/outer
// classification, nesting, and tag-inheritance policy.
package area

import "fmt"

// Location is a fixed-point 2D coordinate. Both axes are scaled integers
// (matching middle.ScaleCoord's lat/lon * 1e7 convention) so that the
// orientation, intersection and point-in-ring tests in this package are
// exact integer arithmetic. Floating point appears only in the rounded
// crossing point handed to problem reports and in ProtoRing.Area's return
// value.
type Location struct {
	X int32
	Y int32
}

// Less reports whether l sorts strictly before o, lexicographically by
// (X, Y). This is the canonical sweep order used for segment sorting and
// endpoint comparisons throughout the package.
func (l Location) Less(o Location) bool {
	if l.X != o.X {
		return l.X < o.X
	}
	return l.Y < o.Y
}

// LessEq reports whether l sorts at or before o.
func (l Location) LessEq(o Location) bool {
	return l == o || l.Less(o)
}

func (l Location) String() string {
	return fmt.Sprintf("(%d,%d)", l.X, l.Y)
}

// NodeRef is a (node id, Location) pair, the unit endpoint of a Segment and
// of a ring. Two NodeRefs may share a Location but carry different IDs --
// that is legal topology, reported as a duplicate-node advisory rather than
// rejected.
type NodeRef struct {
	ID       int64
	Location Location
}

func (n NodeRef) String() string {
	return fmt.Sprintf("node[%d]%s", n.ID, n.Location)
}

// SameLocation reports whether n and o occupy the same Location, regardless
// of whether their IDs match.
func (n NodeRef) SameLocation(o NodeRef) bool {
	return n.Location == o.Location
}
