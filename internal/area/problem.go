package area

// ProblemReporter is the pluggable sink for every geometry problem the
// assembler detects. All methods are pure notification: they return
// nothing, and a nil ProblemReporter is valid everywhere in this package --
// failures still abort assembly, just silently.
type ProblemReporter interface {
	ReportDuplicateNode(id1, id2 int64, loc Location)
	ReportIntersection(objectID, way1ID int64, w1First, w1Second Location, way2ID int64, w2First, w2Second Location, intersection Location)
	ReportRingNotClosed(objectID int64, first, last Location)
	ReportRoleShouldBeOuter(objectID, wayID int64, first, second Location)
	ReportRoleShouldBeInner(objectID, wayID int64, first, second Location)
}

// Problem is one reported occurrence, captured uniformly for tests and for
// reporters that just want a slice to inspect after an assembly.
type Problem struct {
	Kind         string
	ObjectID     int64
	WayID        int64
	Way2ID       int64
	First        Location
	Second       Location
	Third        Location
	Fourth       Location
	Intersection Location
	NodeID1      int64
	NodeID2      int64
}

// Problem kinds reported by CollectingReporter.
const (
	ProblemDuplicateNode   = "duplicate_node"
	ProblemIntersection    = "intersection"
	ProblemRingNotClosed   = "ring_not_closed"
	ProblemRoleShouldOuter = "role_should_be_outer"
	ProblemRoleShouldInner = "role_should_be_inner"
)

// CollectingReporter implements ProblemReporter by appending every problem
// to a slice, for use in tests that assert on exactly which problems (and
// how many) were reported.
type CollectingReporter struct {
	Problems []Problem
}

func (c *CollectingReporter) ReportDuplicateNode(id1, id2 int64, loc Location) {
	c.Problems = append(c.Problems, Problem{Kind: ProblemDuplicateNode, NodeID1: id1, NodeID2: id2, First: loc})
}

func (c *CollectingReporter) ReportIntersection(objectID, way1ID int64, w1First, w1Second Location, way2ID int64, w2First, w2Second Location, intersection Location) {
	c.Problems = append(c.Problems, Problem{
		Kind: ProblemIntersection, ObjectID: objectID,
		WayID: way1ID, First: w1First, Second: w1Second,
		Way2ID: way2ID, Third: w2First, Fourth: w2Second,
		Intersection: intersection,
	})
}

func (c *CollectingReporter) ReportRingNotClosed(objectID int64, first, last Location) {
	c.Problems = append(c.Problems, Problem{Kind: ProblemRingNotClosed, ObjectID: objectID, First: first, Second: last})
}

func (c *CollectingReporter) ReportRoleShouldBeOuter(objectID, wayID int64, first, second Location) {
	c.Problems = append(c.Problems, Problem{Kind: ProblemRoleShouldOuter, ObjectID: objectID, WayID: wayID, First: first, Second: second})
}

func (c *CollectingReporter) ReportRoleShouldBeInner(objectID, wayID int64, first, second Location) {
	c.Problems = append(c.Problems, Problem{Kind: ProblemRoleShouldInner, ObjectID: objectID, WayID: wayID, First: first, Second: second})
}

// Count returns how many problems of the given kind were reported.
func (c *CollectingReporter) Count(kind string) int {
	n := 0
	for _, p := range c.Problems {
		if p.Kind == kind {
			n++
		}
	}
	return n
}
