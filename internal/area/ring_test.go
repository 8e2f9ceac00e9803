package area

import "testing"

func square(ids [4]int64, x0, y0, x1, y1 int32) *ProtoRing {
	nodes := []NodeRef{
		node(ids[0], x0, y0),
		node(ids[1], x1, y0),
		node(ids[2], x1, y1),
		node(ids[3], x0, y1),
	}
	ring := NewProtoRing(Segment{First: nodes[0], Second: nodes[1]})
	ring.AddSegmentEnd(Segment{First: nodes[1], Second: nodes[2]})
	ring.AddSegmentEnd(Segment{First: nodes[2], Second: nodes[3]})
	ring.AddSegmentEnd(Segment{First: nodes[3], Second: nodes[0]})
	return ring
}

func TestProtoRingClosedAndArea(t *testing.T) {
	ring := square([4]int64{1, 2, 3, 4}, 0, 0, 10, 10)
	if !ring.Closed() {
		t.Fatalf("expected square ring to be closed")
	}
	if got := ring.Area(); got != 100 {
		t.Errorf("area = %v, want 100", got)
	}
}

func TestProtoRingIsClockwiseMatchesSquareConvention(t *testing.T) {
	// (0,0)->(10,0)->(10,10)->(0,10)->(0,0): positive signed area, which
	// this package's convention treats as not clockwise.
	ring := square([4]int64{1, 2, 3, 4}, 0, 0, 10, 10)
	if ring.IsClockwise() {
		t.Errorf("expected this winding to be classified counter-clockwise")
	}

	ring.Reverse()
	if !ring.IsClockwise() {
		t.Errorf("expected the reversed winding to be classified clockwise")
	}
}

func TestProtoRingReversePreservesClosureAndVertexSet(t *testing.T) {
	ring := square([4]int64{1, 2, 3, 4}, 0, 0, 10, 10)
	before := make(map[Location]bool)
	for _, v := range ring.vertices() {
		before[v.Location] = true
	}

	ring.Reverse()

	if !ring.Closed() {
		t.Fatalf("reversed ring is no longer closed")
	}
	after := make(map[Location]bool)
	for _, v := range ring.vertices() {
		after[v.Location] = true
	}
	if len(before) != len(after) {
		t.Fatalf("reverse changed vertex count: before=%d after=%d", len(before), len(after))
	}
	for loc := range before {
		if !after[loc] {
			t.Errorf("vertex %s lost after reverse", loc)
		}
	}
}

func TestProtoRingIsInDetectsNesting(t *testing.T) {
	outer := square([4]int64{1, 2, 3, 4}, 0, 0, 10, 10)
	inner := square([4]int64{5, 6, 7, 8}, 2, 2, 8, 8)
	disjoint := square([4]int64{9, 10, 11, 12}, 100, 100, 110, 110)

	if !inner.IsIn(outer) {
		t.Errorf("expected inner square to be detected as nested inside outer square")
	}
	if disjoint.IsIn(outer) {
		t.Errorf("expected disjoint square to not be detected as nested")
	}
}

func TestProtoRingMinNodeIsLexicographicallySmallest(t *testing.T) {
	ring := square([4]int64{1, 2, 3, 4}, 3, -1, 13, 9)
	min := ring.MinNode()
	if min.Location != (Location{X: 3, Y: -1}) {
		t.Errorf("MinNode = %s, want (3,-1)", min.Location)
	}
}

func TestFilterTagsExcludesAdministrativeKeys(t *testing.T) {
	tags := map[string]string{
		"type":     "multipolygon",
		"building": "yes",
		"source":   "survey",
	}
	out := filterTags(tags, excludedRelationKeys)
	if len(out) != 1 {
		t.Fatalf("filterTags kept %d keys, want 1", len(out))
	}
	if out["building"] != "yes" {
		t.Errorf("expected building=yes to survive filtering, got %v", out)
	}
}

func TestCommonTagsRequiresAllWays(t *testing.T) {
	a := &Way{ID: 1, Tags: map[string]string{"natural": "water", "name": "Pond"}}
	b := &Way{ID: 2, Tags: map[string]string{"natural": "water"}}
	c := &Way{ID: 3, Tags: map[string]string{"natural": "water", "name": "Pond"}}

	got := commonTags([]*Way{a, b, c})
	if len(got) != 1 || got["natural"] != "water" {
		t.Errorf("commonTags = %v, want {natural: water}", got)
	}
}
