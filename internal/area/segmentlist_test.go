package area

import "testing"

func TestExtractFromWayDropsZeroLengthSegments(t *testing.T) {
	w := way(1, nil, node(1, 0, 0), node(2, 0, 0), node(3, 10, 0))

	l := NewSegmentList(nil)
	l.ExtractFromWay(w, RoleOuter)

	if l.Len() != 1 {
		t.Fatalf("got %d segments, want 1 (zero-length segment dropped)", l.Len())
	}
}

func TestExtractFromRelationSkipsAbsentMembers(t *testing.T) {
	w := way(1, nil, node(1, 0, 0), node(2, 10, 0))
	rel := &Relation{
		Members: []Member{
			{Way: w, Role: "outer"},
			{Way: nil, Role: "outer"},
		},
	}

	l := NewSegmentList(nil)
	l.ExtractFromRelation(rel)

	if l.Len() != 1 {
		t.Fatalf("got %d segments, want 1 (absent member skipped)", l.Len())
	}
}

func TestExtractFromRelationAssignsInnerRole(t *testing.T) {
	w := way(1, nil, node(1, 0, 0), node(2, 10, 0))
	rel := &Relation{
		Members: []Member{{Way: w, Role: "inner"}},
	}

	l := NewSegmentList(nil)
	l.ExtractFromRelation(rel)

	if l.Len() != 1 || !l.Segments()[0].RoleInner() {
		t.Fatalf("expected segment to carry inner role")
	}
}

func TestEraseDuplicateSegmentsAfterSort(t *testing.T) {
	wA := way(1, nil, node(1, 0, 0), node(2, 10, 0))
	wB := way(2, nil, node(3, 10, 0), node(4, 0, 0))

	l := NewSegmentList(nil)
	l.ExtractFromWay(wA, RoleOuter)
	l.ExtractFromWay(wB, RoleOuter)
	l.Sort()
	l.EraseDuplicateSegments()

	if l.Len() != 1 {
		t.Fatalf("got %d segments after dedup, want 1 (both ways trace the same edge)", l.Len())
	}
}

func TestFindIntersectionsOnBowtie(t *testing.T) {
	w := way(1, nil, node(1, 0, 0), node(2, 10, 10), node(3, 10, 0), node(4, 0, 10), node(1, 0, 0))

	reporter := &CollectingReporter{}
	l := NewSegmentList(reporter)
	l.ExtractFromWay(w, RoleOuter)
	l.Sort()
	l.EraseDuplicateSegments()

	if !l.FindIntersections(99) {
		t.Fatalf("expected an intersection to be found in the bowtie")
	}
	if reporter.Count(ProblemIntersection) != 1 {
		t.Errorf("got %d intersection reports, want 1", reporter.Count(ProblemIntersection))
	}
}

func TestFindIntersectionsOnSimpleSquare(t *testing.T) {
	w := way(1, nil, node(1, 0, 0), node(2, 10, 0), node(3, 10, 10), node(4, 0, 10), node(1, 0, 0))

	l := NewSegmentList(nil)
	l.ExtractFromWay(w, RoleOuter)
	l.Sort()
	l.EraseDuplicateSegments()

	if l.FindIntersections(1) {
		t.Errorf("expected no intersections in a simple square")
	}
}
