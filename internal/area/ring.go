package area

import "fmt"

// ProtoRing is an ordered chain of segments being assembled into a closed
// ring. Rings are always referenced through a stable pointer (see
// Assembler.rings, a container/list.List of *ProtoRing) so that splitting
// off a sub-ring or merging two open rings never invalidates another
// ring's address.
type ProtoRing struct {
	segments   []Segment
	role       Role // RoleOuter or RoleInner once classified, RoleUnknown until then
	innerRings []*ProtoRing
}

// NewProtoRing starts a new ring containing a single segment.
func NewProtoRing(seg Segment) *ProtoRing {
	return &ProtoRing{segments: []Segment{seg}}
}

// NewProtoRingFromSegments builds a ring directly from an existing slice
// (used when splitting off a sub-ring); the slice is copied so the new
// ring does not alias the ring it was split from.
func NewProtoRingFromSegments(segs []Segment) *ProtoRing {
	cp := make([]Segment, len(segs))
	copy(cp, segs)
	return &ProtoRing{segments: cp}
}

func (r *ProtoRing) String() string {
	return fmt.Sprintf("ring[%d segments, first=%s last=%s]", len(r.segments), r.FirstSegment(), r.LastSegment())
}

// Segments returns the ring's segment chain in order.
func (r *ProtoRing) Segments() []Segment { return r.segments }

// FirstSegment returns the first segment in the chain.
func (r *ProtoRing) FirstSegment() Segment { return r.segments[0] }

// LastSegment returns the last segment in the chain.
func (r *ProtoRing) LastSegment() Segment { return r.segments[len(r.segments)-1] }

// Closed reports whether the chain's first endpoint equals its last
// endpoint by Location.
func (r *ProtoRing) Closed() bool {
	return r.FirstSegment().First.Location == r.LastSegment().Second.Location
}

// MinNode returns the lexicographically smallest endpoint (by Location)
// among all the ring's segments, used both as the ray-cast origin for
// inner/outer classification and as a stable per-ring anchor.
func (r *ProtoRing) MinNode() NodeRef {
	min := r.segments[0].First
	for _, seg := range r.segments {
		if seg.First.Location.Less(min.Location) {
			min = seg.First
		}
		if seg.Second.Location.Less(min.Location) {
			min = seg.Second
		}
	}
	return min
}

// vertices returns the ring's node sequence: the first segment's First
// endpoint, followed by every segment's Second endpoint.
func (r *ProtoRing) vertices() []NodeRef {
	out := make([]NodeRef, 0, len(r.segments)+1)
	out = append(out, r.FirstSegment().First)
	for _, seg := range r.segments {
		out = append(out, seg.Second)
	}
	return out
}

// signedArea2 returns twice the signed polygon area via the shoelace
// formula over the ring's vertex sequence.
func (r *ProtoRing) signedArea2() int64 {
	verts := r.vertices()
	var sum int64
	for i := 0; i < len(verts); i++ {
		a := verts[i].Location
		b := verts[(i+1)%len(verts)].Location
		sum += int64(a.X)*int64(b.Y) - int64(b.X)*int64(a.Y)
	}
	return sum
}

// Area returns the signed polygon area divided by two, per spec's data
// model (`area` = signed polygon area / 2). It is negative for clockwise
// rings under this package's coordinate convention.
func (r *ProtoRing) Area() float64 {
	return float64(r.signedArea2()) / 2
}

// IsClockwise reports whether the ring is wound clockwise. Empirically, in
// this package's integer (x, y) frame, a ring traced
// (0,0)->(10,0)->(10,10)->(0,10)->(0,0) -- which reads counter-clockwise on
// paper with y increasing upward -- has positive signedArea2; this package
// calls that orientation "not clockwise" and reverses outer rings that
// aren't already clockwise, matching the convention osmium's AreaBuilder
// expects on the wire. See SPEC_FULL.md §7 for the worked derivation.
func (r *ProtoRing) IsClockwise() bool {
	return r.signedArea2() < 0
}

// Reverse flips the ring's winding direction: segment order is reversed
// and each segment's endpoints are swapped.
func (r *ProtoRing) Reverse() {
	n := len(r.segments)
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		r.segments[i], r.segments[j] = r.segments[j], r.segments[i]
	}
	for i := range r.segments {
		r.segments[i] = r.segments[i].Swapped()
	}
}

// AddSegmentEnd appends a segment (already oriented so its First matches
// the ring's current last endpoint) to the end of the chain.
func (r *ProtoRing) AddSegmentEnd(seg Segment) {
	r.segments = append(r.segments, seg)
}

// AddSegmentStart prepends a segment (already oriented so its Second
// matches the ring's current first endpoint) to the start of the chain.
func (r *ProtoRing) AddSegmentStart(seg Segment) {
	r.segments = append([]Segment{seg}, r.segments...)
}

// MergeRing appends another ring's segments directly to the end of this
// ring's chain, assuming this ring's last endpoint matches other's first
// endpoint.
func (r *ProtoRing) MergeRing(other *ProtoRing) {
	r.segments = append(r.segments, other.segments...)
}

// MergeRingReverse reverses other in place and then appends its segments,
// for the case where this ring's last endpoint matches other's *last*
// endpoint (so other must be traversed backwards to connect).
func (r *ProtoRing) MergeRingReverse(other *ProtoRing) {
	other.Reverse()
	r.MergeRing(other)
}

// SwapSegments exchanges the entire segment chains of r and other. Used by
// possibly_combine_rings_start's "prepend" case: swapping first, then
// merging, has the effect of prepending other's original chain to r
// without needing a separate prepend-many operation.
func (r *ProtoRing) SwapSegments(other *ProtoRing) {
	r.segments, other.segments = other.segments, r.segments
}

// Contains reports whether seg is one of this ring's own segments (compared
// by endpoint Location, not node id or role) -- used to exclude a ring's
// own boundary from its inner/outer ray-cast classification.
func (r *ProtoRing) Contains(seg Segment) bool {
	for _, s := range r.segments {
		if s.SameLocations(seg) {
			return true
		}
	}
	return false
}

// SetOuter / SetInner / Outer / Inner manage the ring's classified role.
func (r *ProtoRing) SetOuter() { r.role = RoleOuter }
func (r *ProtoRing) SetInner() { r.role = RoleInner }
func (r *ProtoRing) Outer() bool { return r.role == RoleOuter }
func (r *ProtoRing) Inner() bool { return r.role == RoleInner }

// AddInnerRing attaches an inner ring to this (outer) ring.
func (r *ProtoRing) AddInnerRing(inner *ProtoRing) {
	r.innerRings = append(r.innerRings, inner)
}

// InnerRings returns the inner rings attached to this outer ring.
func (r *ProtoRing) InnerRings() []*ProtoRing { return r.innerRings }

// Ways returns the distinct set of source ways referenced by this ring's
// segments, for tag inheritance (spec §4.8's "tags common to all outer
// ways").
func (r *ProtoRing) Ways() []*Way {
	seen := make(map[int64]*Way)
	var order []int64
	for _, seg := range r.segments {
		if seg.Way == nil {
			continue
		}
		if _, ok := seen[seg.Way.ID]; !ok {
			order = append(order, seg.Way.ID)
		}
		seen[seg.Way.ID] = seg.Way
	}
	out := make([]*Way, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id])
	}
	return out
}

// IsIn reports whether any vertex of r lies strictly inside outer, using
// even-odd ray casting against outer's own segments.
func (r *ProtoRing) IsIn(outer *ProtoRing) bool {
	for _, v := range r.vertices() {
		if pointStrictlyInRing(v.Location, outer.segments) {
			return true
		}
	}
	return false
}

// pointStrictlyInRing implements the standard half-open-interval even-odd
// ray-casting point-in-polygon test, cast in the -x direction from pt
// against the given segment set.
func pointStrictlyInRing(pt Location, segments []Segment) bool {
	count := 0
	for _, seg := range segments {
		a, b := seg.First.Location, seg.Second.Location
		if a == pt || b == pt {
			return false // on a vertex, not strictly inside
		}
		ylo, yhi := minI32(a.Y, b.Y), maxI32(a.Y, b.Y)
		if ylo == yhi || pt.Y < ylo || pt.Y >= yhi {
			continue
		}
		cross := int64(b.X-a.X)*int64(pt.Y-a.Y) - int64(b.Y-a.Y)*int64(pt.X-a.X)
		var toLeft bool
		if b.Y > a.Y {
			toLeft = cross <= 0
		} else {
			toLeft = cross >= 0
		}
		if toLeft {
			count++
		}
	}
	return count%2 == 1
}

// toLeftOfForClassification mirrors the reference's to_left_of test used
// by check_inner_outer: a closed-interval (inclusive of both endpoints)
// variant of the ray-cast edge test, deliberately double-counting shared
// vertices -- classifyRing corrects for that with the "above" tie-break
// spec.md §4.5 and §9 describe.
func toLeftOfForClassification(seg Segment, pt Location) bool {
	a, b := seg.First.Location, seg.Second.Location
	y1, y2 := a.Y, b.Y
	if y1 == y2 {
		return false
	}
	if pt.Y < minI32(y1, y2) || pt.Y > maxI32(y1, y2) {
		return false
	}
	cross := int64(b.X-a.X)*int64(pt.Y-y1) - int64(y2-y1)*int64(pt.X-a.X)
	if y2 > y1 {
		return cross <= 0
	}
	return cross >= 0
}
