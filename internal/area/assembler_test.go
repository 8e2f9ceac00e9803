package area

import "testing"

func node(id int64, x, y int32) NodeRef {
	return NodeRef{ID: id, Location: Location{X: x, Y: y}}
}

func way(id int64, tags map[string]string, nodes ...NodeRef) *Way {
	return &Way{ID: id, Nodes: nodes, Tags: tags}
}

// TestAssembleSquareWay is scenario 1: a single closed way with no holes.
func TestAssembleSquareWay(t *testing.T) {
	w := way(1, map[string]string{"natural": "water"},
		node(1, 0, 0), node(2, 10, 0), node(3, 10, 10), node(4, 0, 10), node(1, 0, 0))

	reporter := &CollectingReporter{}
	out := NewBuffer()
	a := NewAssembler(reporter)

	got := a.Assemble(w, out)

	if got.ID != w.ID*2 {
		t.Errorf("area id = %d, want %d", got.ID, w.ID*2)
	}
	if !got.Valid() {
		t.Fatalf("area has no rings")
	}
	if len(got.Outers) != 1 {
		t.Fatalf("got %d outer rings, want 1", len(got.Outers))
	}
	outer := got.Outers[0]
	if len(outer.Inners) != 0 {
		t.Errorf("got %d inner rings, want 0", len(outer.Inners))
	}
	if len(outer.Nodes) != 5 {
		t.Fatalf("got %d nodes in outer ring, want 5", len(outer.Nodes))
	}
	if outer.Nodes[0].Location != outer.Nodes[len(outer.Nodes)-1].Location {
		t.Errorf("outer ring is not closed: first=%s last=%s", outer.Nodes[0], outer.Nodes[len(outer.Nodes)-1])
	}
	if !tagsEqual(got.Tags, map[string]string{"natural": "water"}) {
		t.Errorf("tags = %v, want natural=water", got.Tags)
	}
	if len(reporter.Problems) != 0 {
		t.Errorf("got %d reported problems, want 0: %+v", len(reporter.Problems), reporter.Problems)
	}
}

// TestAssembleSquareWithHole is scenario 2: a multipolygon relation with one
// outer way and one inner way forming a hole.
func TestAssembleSquareWithHole(t *testing.T) {
	outer := way(10, nil,
		node(1, 0, 0), node(2, 10, 0), node(3, 10, 10), node(4, 0, 10), node(1, 0, 0))
	inner := way(11, nil,
		node(5, 2, 2), node(6, 8, 2), node(7, 8, 8), node(8, 2, 8), node(5, 2, 2))

	rel := &Relation{
		ID:   20,
		Tags: map[string]string{"type": "multipolygon", "building": "yes"},
		Members: []Member{
			{Way: outer, Role: "outer"},
			{Way: inner, Role: "inner"},
		},
	}

	reporter := &CollectingReporter{}
	out := NewBuffer()
	a := NewAssembler(reporter)

	got := a.AssembleRelation(rel, out)

	if got.ID != rel.ID*2+1 {
		t.Errorf("area id = %d, want %d", got.ID, rel.ID*2+1)
	}
	if len(got.Outers) != 1 {
		t.Fatalf("got %d outer rings, want 1", len(got.Outers))
	}
	if len(got.Outers[0].Inners) != 1 {
		t.Fatalf("got %d inner rings, want 1", len(got.Outers[0].Inners))
	}
	if !tagsEqual(got.Tags, map[string]string{"building": "yes"}) {
		t.Errorf("tags = %v, want building=yes", got.Tags)
	}
	if len(reporter.Problems) != 0 {
		t.Errorf("got %d reported problems, want 0: %+v", len(reporter.Problems), reporter.Problems)
	}
}

// TestAssembleSelfCrossingBowtie is scenario 3: a single way whose segments
// cross themselves, which must abort before any ring is produced.
func TestAssembleSelfCrossingBowtie(t *testing.T) {
	w := way(1, map[string]string{"natural": "water"},
		node(1, 0, 0), node(2, 10, 10), node(3, 10, 0), node(4, 0, 10), node(1, 0, 0))

	reporter := &CollectingReporter{}
	out := NewBuffer()
	a := NewAssembler(reporter)

	got := a.Assemble(w, out)

	if got.Valid() {
		t.Fatalf("bowtie way produced %d rings, want 0 (shell only)", len(got.Outers))
	}
	if reporter.Count(ProblemIntersection) != 1 {
		t.Fatalf("got %d intersection reports, want 1", reporter.Count(ProblemIntersection))
	}
	p := reporter.Problems[0]
	if p.Intersection.X != 5 || p.Intersection.Y != 5 {
		t.Errorf("intersection at %s, want (5,5)", p.Intersection)
	}
}

// TestAssembleTwoOuterWaysFormingOneRing is scenario 4: two outer way
// fragments that share endpoints and must be stitched into one closed ring.
func TestAssembleTwoOuterWaysFormingOneRing(t *testing.T) {
	wayA := way(1, map[string]string{"natural": "water", "name": "Pond"},
		node(1, 0, 0), node(2, 10, 0), node(3, 10, 10))
	wayB := way(2, map[string]string{"natural": "water"},
		node(3, 10, 10), node(4, 0, 10), node(1, 0, 0))

	rel := &Relation{
		ID: 30,
		Members: []Member{
			{Way: wayA, Role: "outer"},
			{Way: wayB, Role: "outer"},
		},
	}

	reporter := &CollectingReporter{}
	out := NewBuffer()
	a := NewAssembler(reporter)

	got := a.AssembleRelation(rel, out)

	if len(got.Outers) != 1 {
		t.Fatalf("got %d outer rings, want 1", len(got.Outers))
	}
	if len(got.Outers[0].Inners) != 0 {
		t.Errorf("got %d inner rings, want 0", len(got.Outers[0].Inners))
	}
	if !tagsEqual(got.Tags, map[string]string{"natural": "water"}) {
		t.Errorf("tags = %v, want common tags {natural=water}", got.Tags)
	}
	nodes := got.Outers[0].Nodes
	if nodes[0].Location != nodes[len(nodes)-1].Location {
		t.Errorf("merged ring not closed: first=%s last=%s", nodes[0], nodes[len(nodes)-1])
	}
}

// TestAssembleRoleMismatch is scenario 5: a relation where a geometrically
// outer ring is tagged as an inner member. Assembly still succeeds but the
// mismatch is reported and orphan-inner recovery is suppressed.
func TestAssembleRoleMismatch(t *testing.T) {
	outerBig := way(1, map[string]string{"landuse": "forest"},
		node(1, 0, 0), node(2, 20, 0), node(3, 20, 20), node(4, 0, 20), node(1, 0, 0))
	// Tagged "inner" but geometrically an independent, non-nested ring --
	// the assembler still classifies it as outer and reports the mismatch.
	wronglyInner := way(2, map[string]string{"landuse": "meadow"},
		node(5, 100, 100), node(6, 110, 100), node(7, 110, 110), node(8, 100, 110), node(5, 100, 100))

	rel := &Relation{
		ID: 40,
		Members: []Member{
			{Way: outerBig, Role: "outer"},
			{Way: wronglyInner, Role: "inner"},
		},
	}

	reporter := &CollectingReporter{}
	out := NewBuffer()
	a := NewAssembler(reporter)

	got := a.AssembleRelation(rel, out)

	if !got.Valid() {
		t.Fatalf("expected area to still be emitted despite role mismatch")
	}
	if len(got.Outers) != 2 {
		t.Fatalf("got %d outer rings, want 2 (both rings classified outer)", len(got.Outers))
	}
	if reporter.Count(ProblemRoleShouldOuter) == 0 {
		t.Errorf("expected at least one role-should-be-outer report")
	}
	// Orphan-inner recovery must not have fired an extra Assemble call for
	// wronglyInner, so the buffer holds exactly the one relation area.
	if len(out.Areas) != 1 {
		t.Errorf("got %d areas in buffer, want 1 (orphan-inner recovery suppressed)", len(out.Areas))
	}
}

// TestAssembleUnclosedRing is scenario 6: member ways that never close into
// a ring.
func TestAssembleUnclosedRing(t *testing.T) {
	wayA := way(1, nil, node(1, 0, 0), node(2, 10, 0))
	wayB := way(2, nil, node(3, 10, 10), node(4, 0, 10))

	rel := &Relation{
		ID: 50,
		Members: []Member{
			{Way: wayA, Role: "outer"},
			{Way: wayB, Role: "outer"},
		},
	}

	reporter := &CollectingReporter{}
	out := NewBuffer()
	a := NewAssembler(reporter)

	got := a.AssembleRelation(rel, out)

	if got.Valid() {
		t.Fatalf("unclosed ring input produced %d rings, want 0", len(got.Outers))
	}
	if reporter.Count(ProblemRingNotClosed) == 0 {
		t.Errorf("expected a ring-not-closed report")
	}
}

// TestAssembleEmptyRelation covers the empty-member-list boundary: no
// segments, no rings, just the shell.
func TestAssembleEmptyRelation(t *testing.T) {
	rel := &Relation{ID: 60}

	out := NewBuffer()
	a := NewAssembler(nil)

	got := a.AssembleRelation(rel, out)

	if got.Valid() {
		t.Fatalf("empty relation produced %d rings, want 0", len(got.Outers))
	}
	if len(out.Areas) != 1 {
		t.Fatalf("got %d areas in buffer, want 1 (shell still committed)", len(out.Areas))
	}
}

// TestAssembleDuplicateNodeSameLocation covers two ways sharing an endpoint
// location under different node ids: the assembler must still succeed.
func TestAssembleDuplicateNodeSameLocation(t *testing.T) {
	wayA := way(1, map[string]string{"landuse": "farmland"},
		node(1, 0, 0), node(2, 10, 0), node(3, 10, 10))
	// Node 9 occupies the same location as node 1, but is a different id.
	wayB := way(2, map[string]string{"landuse": "farmland"},
		node(3, 10, 10), node(4, 0, 10), node(9, 0, 0))

	rel := &Relation{
		ID: 70,
		Members: []Member{
			{Way: wayA, Role: "outer"},
			{Way: wayB, Role: "outer"},
		},
	}

	reporter := &CollectingReporter{}
	out := NewBuffer()
	a := NewAssembler(reporter)

	got := a.AssembleRelation(rel, out)

	if !got.Valid() {
		t.Fatalf("expected assembly to succeed despite duplicate-node mismatch")
	}
	if reporter.Count(ProblemDuplicateNode) == 0 {
		t.Errorf("expected a duplicate-node advisory")
	}
}

// TestAssembleTouchingRingsSplit covers the sub-ring splitter: a single way
// that touches itself at one vertex, forming two closed loops joined at a
// point, must be split into two separate outer rings.
func TestAssembleTouchingRingsSplit(t *testing.T) {
	// Loop 1: (0,0)-(10,0)-(10,10)-(0,10)-(0,0)
	// Loop 2, sharing vertex (0,0): (0,0)-(-10,0)-(-10,-10)-(0,-10)-(0,0)
	w := way(1, map[string]string{"natural": "water"},
		node(1, 0, 0), node(2, 10, 0), node(3, 10, 10), node(4, 0, 10), node(1, 0, 0),
		node(5, -10, 0), node(6, -10, -10), node(7, 0, -10), node(1, 0, 0))

	reporter := &CollectingReporter{}
	out := NewBuffer()
	a := NewAssembler(reporter)

	got := a.Assemble(w, out)

	if len(got.Outers) != 2 {
		t.Fatalf("got %d outer rings, want 2 (touching rings split)", len(got.Outers))
	}
	for i, outer := range got.Outers {
		nodes := outer.Nodes
		if nodes[0].Location != nodes[len(nodes)-1].Location {
			t.Errorf("outer ring %d not closed: first=%s last=%s", i, nodes[0], nodes[len(nodes)-1])
		}
	}
}

// TestSegmentCountRoundTrips checks the §8 invariant that the total number
// of segments across every emitted ring equals the number of distinct
// canonical segments in the deduplicated input.
func TestSegmentCountRoundTrips(t *testing.T) {
	outer := way(10, nil,
		node(1, 0, 0), node(2, 10, 0), node(3, 10, 10), node(4, 0, 10), node(1, 0, 0))
	inner := way(11, nil,
		node(5, 2, 2), node(6, 8, 2), node(7, 8, 8), node(8, 2, 8), node(5, 2, 2))

	rel := &Relation{
		ID: 80,
		Members: []Member{
			{Way: outer, Role: "outer"},
			{Way: inner, Role: "inner"},
		},
	}

	segList := NewSegmentList(nil)
	segList.ExtractFromRelation(rel)
	segList.Sort()
	segList.EraseDuplicateSegments()
	wantSegments := segList.Len()

	out := NewBuffer()
	a := NewAssembler(nil)
	got := a.AssembleRelation(rel, out)

	gotSegments := 0
	for _, o := range got.Outers {
		gotSegments += len(o.Nodes) - 1
		for _, in := range o.Inners {
			gotSegments += len(in.Nodes) - 1
		}
	}

	if gotSegments != wantSegments {
		t.Errorf("emitted %d segments, want %d (deduplicated input)", gotSegments, wantSegments)
	}
}
