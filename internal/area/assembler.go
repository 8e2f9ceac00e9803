package area

import (
	"container/list"
	"fmt"
	"os"
	"sort"
)

// Assembler reconstructs validated Areas from a single closed Way or a
// multipolygon Relation and its member Ways. One Assembler instance is
// strictly single-threaded and synchronous per call to Assemble /
// AssembleRelation; separate instances (each with its own output Buffer
// and, if shared, a thread-safe ProblemReporter) may run in parallel.
type Assembler struct {
	reporter ProblemReporter
	debug    bool

	segmentList *SegmentList
	rings       *list.List // of *ProtoRing

	objectID int64

	outerRings []*ProtoRing
	innerRings []*ProtoRing

	mismatches int
}

// NewAssembler creates an Assembler that reports problems to reporter
// (which may be nil, for silent operation).
func NewAssembler(reporter ProblemReporter) *Assembler {
	return &Assembler{
		reporter:    reporter,
		segmentList: NewSegmentList(reporter),
		rings:       list.New(),
	}
}

// EnableDebugOutput toggles verbose tracing; it has no semantic effect on
// the assembled result (spec §6).
func (a *Assembler) EnableDebugOutput(debug bool) {
	a.debug = debug
}

func (a *Assembler) init(objectID int64) {
	a.segmentList.Clear()
	a.rings.Init()
	a.outerRings = a.outerRings[:0]
	a.innerRings = a.innerRings[:0]
	a.objectID = objectID
	a.mismatches = 0
}

// Assemble builds an Area from a single closed (or treated-as-closed) Way
// and appends it to out. The shell is committed before geometry assembly
// runs; if assembly fails, the shell (with no rings) is what remains in
// the buffer.
func (a *Assembler) Assemble(way *Way, out *Buffer) *Area {
	a.init(way.ID)

	if way.EndsHaveSameLocation() && a.reporter != nil {
		first, last := way.Nodes[0], way.Nodes[len(way.Nodes)-1]
		a.reporter.ReportDuplicateNode(first.ID, last.ID, first.Location)
	}

	a.segmentList.ExtractFromWay(way, RoleOuter)

	areaObj := &Area{
		ID:        way.ID * 2,
		Version:   way.Version,
		Changeset: way.Changeset,
		UID:       way.UID,
		User:      way.User,
		Visible:   way.Visible,
	}
	out.commitShell(areaObj)

	if !a.stage2() {
		return areaObj
	}

	areaObj.Tags = selectWayAreaTags(way)
	a.addRingsToArea(areaObj)
	return areaObj
}

// AssembleRelation builds an Area from a multipolygon relation and its
// already-resolved member ways, appends it to out, and -- when there were
// no inner/outer role mismatches -- recursively assembles any orphaned
// inner way whose own tags disagree with the area's tags as a standalone
// area in the same buffer (spec §4.9).
func (a *Assembler) AssembleRelation(rel *Relation, out *Buffer) *Area {
	a.init(rel.ID)

	a.segmentList.ExtractFromRelation(rel)

	areaObj := &Area{
		ID:        rel.ID*2 + 1,
		Version:   rel.Version,
		Changeset: rel.Changeset,
		UID:       rel.UID,
		User:      rel.User,
		Visible:   rel.Visible,
	}
	out.commitShell(areaObj)

	if !a.stage2() {
		return areaObj
	}

	outerWays := a.collectOuterWays()
	areaObj.Tags = selectRelationAreaTags(rel, outerWays)
	a.addRingsToArea(areaObj)

	if a.mismatches == 0 {
		a.recoverOrphanInners(rel, areaObj, out)
	}

	return areaObj
}

func (a *Assembler) collectOuterWays() []*Way {
	seen := make(map[int64]bool)
	var out []*Way
	for _, ring := range a.outerRings {
		for _, way := range ring.Ways() {
			if !seen[way.ID] {
				seen[way.ID] = true
				out = append(out, way)
			}
		}
	}
	return out
}

// recoverOrphanInners re-assembles, as a standalone area, every relation
// member whose role is "inner", whose geometry is closed, and whose own
// (filtered) tags differ from the area's (filtered) tags.
func (a *Assembler) recoverOrphanInners(rel *Relation, areaObj *Area, out *Buffer) {
	areaTagsFiltered := filterTags(areaObj.Tags, excludedWayKeys)

	for _, member := range rel.Members {
		if member.Role != "inner" || member.Way == nil {
			continue
		}
		way := member.Way
		if !way.Closed() || len(way.Tags) == 0 {
			continue
		}

		wayTagsFiltered := filterTags(way.Tags, excludedWayKeys)
		if len(wayTagsFiltered) == 0 {
			continue
		}

		if !tagsEqual(wayTagsFiltered, areaTagsFiltered) {
			a.Assemble(way, out)
		}
	}
}

// stage2 runs the geometric pipeline shared by both entry points: sort,
// dedup, intersection check, ring assembly, closure check, inner/outer
// classification and nesting, and role reconciliation. It returns false
// (aborting the area) on any fatal problem.
func (a *Assembler) stage2() bool {
	a.segmentList.Sort()
	a.segmentList.EraseDuplicateSegments()

	if a.segmentList.FindIntersections(a.objectID) {
		return false
	}

	for _, seg := range a.segmentList.Segments() {
		if !a.addToExistingRing(seg) {
			a.rings.PushBack(NewProtoRing(seg))
		}
	}

	if a.checkForOpenRings() {
		return false
	}

	if a.rings.Len() == 1 {
		ring := a.rings.Front().Value.(*ProtoRing)
		ring.SetOuter()
		a.outerRings = append(a.outerRings, ring)
	} else {
		a.classifyAndOrient()
		a.nestInnerRings()
	}

	a.checkInnerOuterRoles()

	if a.debug {
		fmt.Fprintf(os.Stderr, "area: object %d: %d segments, %d rings, %d role mismatches\n",
			a.objectID, a.segmentList.Len(), a.rings.Len(), a.mismatches)
		for e := a.rings.Front(); e != nil; e = e.Next() {
			ring := e.Value.(*ProtoRing)
			fmt.Fprintf(os.Stderr, "area: object %d: %s role=%s\n", a.objectID, ring, ring.role)
		}
	}

	return true
}

// hasSameLocation reports whether two NodeRefs share a Location, emitting
// a duplicate-node advisory if their ids differ.
func (a *Assembler) hasSameLocation(n1, n2 NodeRef) bool {
	if n1.Location != n2.Location {
		return false
	}
	if n1.ID != n2.ID && a.reporter != nil {
		a.reporter.ReportDuplicateNode(n1.ID, n2.ID, n1.Location)
	}
	return true
}

// addToExistingRing tries to attach seg to an end of some existing open
// ring (spec §4.3 step 1); if none matches, the caller starts a new ring.
func (a *Assembler) addToExistingRing(seg Segment) bool {
	for e := a.rings.Front(); e != nil; e = e.Next() {
		ring := e.Value.(*ProtoRing)
		if ring.Closed() {
			continue
		}

		switch {
		case a.hasSameLocation(ring.LastSegment().Second, seg.First):
			a.combineRings(seg, e, true)
			return true
		case a.hasSameLocation(ring.LastSegment().Second, seg.Second):
			a.combineRings(seg.Swapped(), e, true)
			return true
		case a.hasSameLocation(ring.FirstSegment().First, seg.First):
			a.combineRings(seg.Swapped(), e, false)
			return true
		case a.hasSameLocation(ring.FirstSegment().First, seg.Second):
			a.combineRings(seg, e, false)
			return true
		}
	}
	return false
}

// combineRings attaches seg to ring (already oriented so the match is at
// the correct end), then runs sub-ring detection and ring-merge at that
// end (spec §4.3 steps 3-4).
func (a *Assembler) combineRings(seg Segment, e *list.Element, atEnd bool) {
	ring := e.Value.(*ProtoRing)

	if atEnd {
		ring.AddSegmentEnd(seg)
		a.hasClosedSubringEnd(ring)
		if a.possiblyCombineRingsEnd(ring, e) {
			a.checkForClosedSubring(ring)
		}
	} else {
		ring.AddSegmentStart(seg)
		a.hasClosedSubringStart(ring)
		if a.possiblyCombineRingsStart(ring, e) {
			a.checkForClosedSubring(ring)
		}
	}
}

// hasClosedSubringEnd looks for an interior segment whose first endpoint
// now matches the newly-appended end, meaning the tail of ring has closed
// into a standalone sub-ring; if found, it is split off.
func (a *Assembler) hasClosedSubringEnd(ring *ProtoRing) bool {
	segs := ring.segments
	if len(segs) < 3 {
		return false
	}
	last := segs[len(segs)-1].Second
	for i := 1; i < len(segs)-1; i++ {
		if a.hasSameLocation(last, segs[i].First) {
			a.splitSubring(ring, i, len(segs))
			return true
		}
	}
	return false
}

// hasClosedSubringStart is the mirror image of hasClosedSubringEnd for a
// segment just prepended to the ring's start.
func (a *Assembler) hasClosedSubringStart(ring *ProtoRing) bool {
	segs := ring.segments
	if len(segs) < 3 {
		return false
	}
	first := segs[0].First
	for i := 1; i < len(segs)-1; i++ {
		if a.hasSameLocation(first, segs[i].Second) {
			a.splitSubring(ring, 0, i+1)
			return true
		}
	}
	return false
}

// splitSubring extracts ring.segments[lo:hi] into a new ring and removes
// that slice from ring in place.
func (a *Assembler) splitSubring(ring *ProtoRing, lo, hi int) {
	newRing := NewProtoRingFromSegments(ring.segments[lo:hi])
	ring.segments = append(ring.segments[:lo], ring.segments[hi:]...)
	a.rings.PushBack(newRing)
}

// possiblyCombineRingsEnd looks for another open ring sharing a Location
// with ring's newly exposed end and splices it in if found.
func (a *Assembler) possiblyCombineRingsEnd(ring *ProtoRing, self *list.Element) bool {
	nr := ring.LastSegment().Second
	for e := a.rings.Front(); e != nil; {
		next := e.Next()
		if e == self {
			e = next
			continue
		}
		other := e.Value.(*ProtoRing)
		if other.Closed() {
			e = next
			continue
		}
		if a.hasSameLocation(nr, other.FirstSegment().First) {
			ring.MergeRing(other)
			a.rings.Remove(e)
			return true
		}
		if a.hasSameLocation(nr, other.LastSegment().Second) {
			ring.MergeRingReverse(other)
			a.rings.Remove(e)
			return true
		}
		e = next
	}
	return false
}

// possiblyCombineRingsStart is the mirror image for ring's start endpoint.
func (a *Assembler) possiblyCombineRingsStart(ring *ProtoRing, self *list.Element) bool {
	nr := ring.FirstSegment().First
	for e := a.rings.Front(); e != nil; {
		next := e.Next()
		if e == self {
			e = next
			continue
		}
		other := e.Value.(*ProtoRing)
		if other.Closed() {
			e = next
			continue
		}
		if a.hasSameLocation(nr, other.LastSegment().Second) {
			ring.SwapSegments(other)
			ring.MergeRing(other)
			a.rings.Remove(e)
			return true
		}
		if a.hasSameLocation(nr, other.FirstSegment().First) {
			ring.Reverse()
			ring.MergeRing(other)
			a.rings.Remove(e)
			return true
		}
		e = next
	}
	return false
}

// checkForClosedSubring performs the general (non-end-specific) sub-ring
// scan: sort a copy of ring's segments and look for two segments whose
// First endpoints coincide, which brackets a closed loop somewhere in the
// interior of the chain (used after a ring merge, where the join point
// need not be at either end).
func (a *Assembler) checkForClosedSubring(ring *ProtoRing) bool {
	segs := ring.segments
	if len(segs) < 3 {
		return false
	}

	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lessSegments(sorted[i], sorted[j])
	})

	matchIdx := -1
	for i := 0; i+1 < len(sorted); i++ {
		if a.hasSameLocation(sorted[i].First, sorted[i+1].First) {
			matchIdx = i
			break
		}
	}
	if matchIdx == -1 {
		return false
	}

	target1, target2 := sorted[matchIdx], sorted[matchIdx+1]
	r1, r2 := -1, -1
	for i, s := range segs {
		if r1 == -1 && s.SameLocations(target1) {
			r1 = i
			continue
		}
		if r2 == -1 && s.SameLocations(target2) {
			r2 = i
		}
	}
	if r1 == -1 || r2 == -1 {
		return false
	}

	lo, hi := r1, r2
	if lo > hi {
		lo, hi = hi, lo
	}
	a.splitSubring(ring, lo, hi)
	return true
}

// checkForOpenRings reports every ring that never closed and returns true
// if any were found (spec §4.4).
func (a *Assembler) checkForOpenRings() bool {
	open := false
	for e := a.rings.Front(); e != nil; e = e.Next() {
		ring := e.Value.(*ProtoRing)
		if !ring.Closed() {
			open = true
			if a.reporter != nil {
				a.reporter.ReportRingNotClosed(a.objectID, ring.FirstSegment().First.Location, ring.LastSegment().Second.Location)
			}
		}
	}
	return open
}

// classifyRing runs spec §4.5's ray-cast test, setting ring's role.
func (a *Assembler) classifyRing(ring *ProtoRing) {
	minNode := ring.MinNode()

	count := 0
	above := 0

	for _, seg := range a.segmentList.Segments() {
		if seg.First.Location.X > minNode.Location.X {
			break
		}
		if ring.Contains(seg) {
			continue
		}
		if toLeftOfForClassification(seg, minNode.Location) {
			count++
		}
		if seg.First.Location == minNode.Location && seg.Second.Location.Y > minNode.Location.Y {
			above++
		}
		if seg.Second.Location == minNode.Location && seg.First.Location.Y > minNode.Location.Y {
			above++
		}
	}

	count += above % 2

	if count%2 == 1 {
		ring.SetInner()
	} else {
		ring.SetOuter()
	}
}

// classifyAndOrient classifies every ring (spec §4.5) and normalizes its
// winding direction (spec §4.6): outer rings clockwise, inner rings
// counter-clockwise.
func (a *Assembler) classifyAndOrient() {
	for e := a.rings.Front(); e != nil; e = e.Next() {
		ring := e.Value.(*ProtoRing)
		a.classifyRing(ring)

		if ring.Outer() {
			if !ring.IsClockwise() {
				ring.Reverse()
			}
			a.outerRings = append(a.outerRings, ring)
		} else {
			if ring.IsClockwise() {
				ring.Reverse()
			}
			a.innerRings = append(a.innerRings, ring)
		}
	}
}

// nestInnerRings assigns each inner ring to its enclosing outer ring
// (spec §4.6). With exactly one outer ring every inner attaches to it;
// otherwise outer rings are tried smallest-area-first.
func (a *Assembler) nestInnerRings() {
	if len(a.outerRings) == 1 {
		for _, inner := range a.innerRings {
			a.outerRings[0].AddInnerRing(inner)
		}
		return
	}

	sorted := append([]*ProtoRing(nil), a.outerRings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return absF(sorted[i].Area()) < absF(sorted[j].Area())
	})

	for _, inner := range a.innerRings {
		for _, outer := range sorted {
			if inner.IsIn(outer) {
				outer.AddInnerRing(inner)
				break
			}
		}
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// checkInnerOuterRoles verifies that every segment of an outer ring
// carries the "outer" role and every segment of an inner ring carries
// "inner" (spec §4.7). Mismatches are counted and reported but never
// abort assembly.
func (a *Assembler) checkInnerOuterRoles() {
	for _, ring := range a.outerRings {
		for _, seg := range ring.Segments() {
			if !seg.RoleOuter() {
				a.mismatches++
				if a.reporter != nil {
					a.reporter.ReportRoleShouldBeOuter(a.objectID, wayID(seg.Way), seg.First.Location, seg.Second.Location)
				}
			}
		}
	}
	for _, ring := range a.innerRings {
		for _, seg := range ring.Segments() {
			if !seg.RoleInner() {
				a.mismatches++
				if a.reporter != nil {
					a.reporter.ReportRoleShouldBeInner(a.objectID, wayID(seg.Way), seg.First.Location, seg.Second.Location)
				}
			}
		}
	}
}

// addRingsToArea emits, per outer ring, the outer boundary followed by its
// inner rings (spec §4.10), in the order outer rings were discovered.
func (a *Assembler) addRingsToArea(areaObj *Area) {
	for _, outer := range a.outerRings {
		emitted := OuterRing{Ring: Ring{Nodes: ringNodes(outer)}}
		for _, inner := range outer.InnerRings() {
			emitted.Inners = append(emitted.Inners, Ring{Nodes: ringNodes(inner)})
		}
		areaObj.Outers = append(areaObj.Outers, emitted)
	}
}

func ringNodes(ring *ProtoRing) []NodeRef {
	nodes := make([]NodeRef, 0, len(ring.Segments())+1)
	nodes = append(nodes, ring.FirstSegment().First)
	for _, seg := range ring.Segments() {
		nodes = append(nodes, seg.Second)
	}
	return nodes
}
