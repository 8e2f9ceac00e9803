package area

import "testing"

func TestSegmentCanonicalize(t *testing.T) {
	s := Segment{First: node(2, 10, 0), Second: node(1, 0, 0)}
	c := s.Canonicalize()
	if c.First.ID != 1 || c.Second.ID != 2 {
		t.Errorf("canonicalize did not reorder: first=%s second=%s", c.First, c.Second)
	}

	already := Segment{First: node(1, 0, 0), Second: node(2, 10, 0)}
	c2 := already.Canonicalize()
	if c2.First.ID != 1 || c2.Second.ID != 2 {
		t.Errorf("canonicalize reordered an already-ordered segment: first=%s second=%s", c2.First, c2.Second)
	}
}

func TestSegmentSameLocationsIgnoresIDAndRole(t *testing.T) {
	a := Segment{First: node(1, 0, 0), Second: node(2, 10, 0), Role: RoleOuter}
	b := Segment{First: node(9, 0, 0), Second: node(8, 10, 0), Role: RoleInner}
	if !a.SameLocations(b) {
		t.Errorf("expected segments with matching locations to compare equal regardless of id/role")
	}
}

func TestCalculateIntersectionProperCrossing(t *testing.T) {
	s1 := Segment{First: node(1, 0, 0), Second: node(2, 10, 10)}
	s2 := Segment{First: node(3, 10, 0), Second: node(4, 0, 10)}

	loc, ok := calculateIntersection(s1, s2)
	if !ok {
		t.Fatalf("expected a proper crossing to be detected")
	}
	if loc.X != 5 || loc.Y != 5 {
		t.Errorf("intersection at %s, want (5,5)", loc)
	}
}

func TestCalculateIntersectionSharedEndpointNotCrossing(t *testing.T) {
	// Two segments meeting exactly at a shared endpoint -- the ordinary way
	// consecutive ring segments touch -- must not be reported.
	s1 := Segment{First: node(1, 0, 0), Second: node(2, 10, 0)}
	s2 := Segment{First: node(2, 10, 0), Second: node(3, 10, 10)}

	_, ok := calculateIntersection(s1, s2)
	if ok {
		t.Errorf("shared endpoint falsely reported as an intersection")
	}
}

func TestCalculateIntersectionDisjointSegments(t *testing.T) {
	s1 := Segment{First: node(1, 0, 0), Second: node(2, 10, 0)}
	s2 := Segment{First: node(3, 0, 100), Second: node(4, 10, 100)}

	_, ok := calculateIntersection(s1, s2)
	if ok {
		t.Errorf("disjoint segments falsely reported as an intersection")
	}
}

func TestCalculateIntersectionTJunction(t *testing.T) {
	// s2's endpoint (5,0) lies in the interior of s1, without the two
	// segments sharing that point as an endpoint of both.
	s1 := Segment{First: node(1, 0, 0), Second: node(2, 10, 0)}
	s2 := Segment{First: node(3, 5, 0), Second: node(4, 5, 10)}

	loc, ok := calculateIntersection(s1, s2)
	if !ok {
		t.Fatalf("expected a T-junction to be detected")
	}
	if loc.X != 5 || loc.Y != 0 {
		t.Errorf("intersection at %s, want (5,0)", loc)
	}
}

func TestOutsideXRangeBreaksSweep(t *testing.T) {
	earlier := Segment{First: node(1, 0, 0), Second: node(2, 5, 5)}
	later := Segment{First: node(3, 6, 0), Second: node(4, 10, 5)}
	if !outsideXRange(later, earlier) {
		t.Errorf("expected later segment starting past earlier's right edge to be out of x-range")
	}

	overlapping := Segment{First: node(3, 4, 0), Second: node(4, 10, 5)}
	if outsideXRange(overlapping, earlier) {
		t.Errorf("expected overlapping x-ranges to not be flagged outside")
	}
}

func TestLessSegmentsOrdersByFirstThenSecond(t *testing.T) {
	a := Segment{First: node(1, 0, 0), Second: node(2, 5, 5)}
	b := Segment{First: node(1, 0, 0), Second: node(3, 10, 10)}
	c := Segment{First: node(4, 1, 0), Second: node(5, 2, 0)}

	if !lessSegments(a, b) {
		t.Errorf("expected segment with smaller Second to sort first when First matches")
	}
	if !lessSegments(b, c) {
		t.Errorf("expected segment with smaller First to sort first")
	}
}
