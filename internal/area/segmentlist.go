package area

import "sort"

// SegmentList is the ordered sequence of NodeRefSegments being assembled for
// one area. It owns extraction from ways/relations, canonical sorting,
// duplicate removal and the plane-sweep intersection check.
type SegmentList struct {
	segments []Segment
	reporter ProblemReporter
}

// NewSegmentList creates an empty segment list that reports duplicate-node
// and intersection problems to reporter (which may be nil).
func NewSegmentList(reporter ProblemReporter) *SegmentList {
	return &SegmentList{reporter: reporter}
}

// Clear empties the list for reuse by a fresh assembly.
func (l *SegmentList) Clear() {
	l.segments = l.segments[:0]
}

// Len returns the number of segments currently held.
func (l *SegmentList) Len() int { return len(l.segments) }

// Segments returns the current segment slice. Callers must not retain it
// across a Clear.
func (l *SegmentList) Segments() []Segment { return l.segments }

// hasSameLocation reports whether two NodeRefs occupy the same Location,
// reporting a duplicate-node advisory if their ids differ while doing so.
func (l *SegmentList) hasSameLocation(a, b NodeRef) bool {
	if a.Location != b.Location {
		return false
	}
	if a.ID != b.ID && l.reporter != nil {
		l.reporter.ReportDuplicateNode(a.ID, b.ID, a.Location)
	}
	return true
}

// ExtractFromWay flattens a single way into directed node-pair segments,
// all tagged with the given role. Zero-length segments (consecutive nodes
// at the same Location) are dropped as degenerate, not an error.
func (l *SegmentList) ExtractFromWay(way *Way, role Role) {
	for i := 0; i+1 < len(way.Nodes); i++ {
		first, second := way.Nodes[i], way.Nodes[i+1]
		if first.Location == second.Location {
			continue
		}
		seg := Segment{First: first, Second: second, Role: role, Way: way}.Canonicalize()
		l.segments = append(l.segments, seg)
	}
}

// ExtractFromRelation flattens every member way of a relation into directed
// segments, assigning role "inner" for members tagged role=="inner" and
// "outer" for everything else (including an empty role string). Members
// with a nil Way (an absent offset) are skipped.
func (l *SegmentList) ExtractFromRelation(rel *Relation) {
	for _, member := range rel.Members {
		way := member.Way
		if way == nil {
			continue
		}
		role := RoleOuter
		if member.Role == "inner" {
			role = RoleInner
		}

		if len(way.Nodes) >= 2 {
			first, last := way.Nodes[0], way.Nodes[len(way.Nodes)-1]
			if first.ID != last.ID && first.Location == last.Location && l.reporter != nil {
				l.reporter.ReportDuplicateNode(first.ID, last.ID, first.Location)
			}
		}

		l.ExtractFromWay(way, role)
	}
}

// Sort orders the segments lexicographically by (First, Second) Location,
// the bottom-left-to-top-right sweep order stage2 relies on.
func (l *SegmentList) Sort() {
	sort.SliceStable(l.segments, func(i, j int) bool {
		return lessSegments(l.segments[i], l.segments[j])
	})
}

// EraseDuplicateSegments removes exact duplicates (same canonical endpoint
// locations) once the list is sorted.
func (l *SegmentList) EraseDuplicateSegments() {
	if len(l.segments) < 2 {
		return
	}
	out := l.segments[:1]
	for _, seg := range l.segments[1:] {
		if seg.SameLocations(out[len(out)-1]) {
			continue
		}
		out = append(out, seg)
	}
	l.segments = out
}

// FindIntersections runs the plane sweep: for every pair of segments where
// the earlier one precedes the later in sorted order, check for a true
// crossing. objectID identifies the area being assembled, for problem
// reports. Returns true iff at least one intersection was found.
func (l *SegmentList) FindIntersections(objectID int64) bool {
	found := false
	n := len(l.segments)
	for i := 0; i < n; i++ {
		s1 := l.segments[i]
		for j := i + 1; j < n; j++ {
			s2 := l.segments[j]

			if outsideXRange(s2, s1) {
				break
			}

			if s1.SameLocations(s2) {
				// Exact overlap already removed by dedup; defensive skip.
				continue
			}

			if !yRangeOverlap(s1, s2) {
				continue
			}

			if loc, ok := calculateIntersection(s1, s2); ok {
				found = true
				if l.reporter != nil {
					w1, w2 := wayID(s1.Way), wayID(s2.Way)
					l.reporter.ReportIntersection(objectID, w1, s1.First.Location, s1.Second.Location, w2, s2.First.Location, s2.Second.Location, loc)
				}
			}
		}
	}
	return found
}

func wayID(w *Way) int64 {
	if w == nil {
		return 0
	}
	return w.ID
}
