// Package reportlog adapts the area package's ProblemReporter interface to
// the pipeline's zap logger, so assembly problems surface the same way
// every other pipeline warning does instead of requiring a bespoke sink.
package reportlog

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/arealab/osmarea/internal/area"
)

// Reporter logs every reported problem as a structured zap warning and
// keeps running counters so a caller can decide whether a relation was too
// broken to bother loading. It is safe for concurrent use by multiple
// Assembler instances sharing one output Buffer's surrounding goroutine
// pool, per spec §5's "a reporter whose implementation is thread-safe".
type Reporter struct {
	log *zap.Logger

	duplicateNodes  atomic.Int64
	intersections   atomic.Int64
	openRings       atomic.Int64
	roleMismatches  atomic.Int64
	maxPerRelation  int
	perRelation     atomic.Int64
	currentRelation atomic.Int64
}

// New creates a Reporter bound to log. maxPerRelation caps how many
// problems are logged for a single object id before further problems for
// that id are only counted, not logged (0 = unlimited); this mirrors
// config.Config.MaxAssemblyProblems.
func New(log *zap.Logger, maxPerRelation int) *Reporter {
	return &Reporter{log: log, maxPerRelation: maxPerRelation}
}

// StartObject resets the per-object throttle counter; call it before each
// Assemble/AssembleRelation invocation that reuses this Reporter.
func (r *Reporter) StartObject(objectID int64) {
	r.currentRelation.Store(objectID)
	r.perRelation.Store(0)
}

func (r *Reporter) allowLog() bool {
	if r.maxPerRelation <= 0 {
		return true
	}
	return r.perRelation.Add(1) <= int64(r.maxPerRelation)
}

func (r *Reporter) ReportDuplicateNode(id1, id2 int64, loc area.Location) {
	r.duplicateNodes.Add(1)
	if r.allowLog() {
		r.log.Debug("duplicate node at shared location",
			zap.Int64("node1", id1), zap.Int64("node2", id2),
			zap.Int32("x", loc.X), zap.Int32("y", loc.Y))
	}
}

func (r *Reporter) ReportIntersection(objectID, way1ID int64, w1First, w1Second area.Location, way2ID int64, w2First, w2Second area.Location, intersection area.Location) {
	r.intersections.Add(1)
	if r.allowLog() {
		r.log.Warn("self-intersecting area geometry",
			zap.Int64("object_id", objectID),
			zap.Int64("way1", way1ID), zap.Int64("way2", way2ID),
			zap.Int32("at_x", intersection.X), zap.Int32("at_y", intersection.Y))
	}
}

func (r *Reporter) ReportRingNotClosed(objectID int64, first, last area.Location) {
	r.openRings.Add(1)
	if r.allowLog() {
		r.log.Warn("area ring did not close",
			zap.Int64("object_id", objectID),
			zap.Int32("first_x", first.X), zap.Int32("first_y", first.Y),
			zap.Int32("last_x", last.X), zap.Int32("last_y", last.Y))
	}
}

func (r *Reporter) ReportRoleShouldBeOuter(objectID, wayID int64, first, second area.Location) {
	r.roleMismatches.Add(1)
	if r.allowLog() {
		r.log.Debug("member should have role outer", zap.Int64("object_id", objectID), zap.Int64("way_id", wayID))
	}
}

func (r *Reporter) ReportRoleShouldBeInner(objectID, wayID int64, first, second area.Location) {
	r.roleMismatches.Add(1)
	if r.allowLog() {
		r.log.Debug("member should have role inner", zap.Int64("object_id", objectID), zap.Int64("way_id", wayID))
	}
}

// Stats is a snapshot of the running problem counters.
type Stats struct {
	DuplicateNodes int64
	Intersections  int64
	OpenRings      int64
	RoleMismatches int64
}

// Snapshot returns the current counter values.
func (r *Reporter) Snapshot() Stats {
	return Stats{
		DuplicateNodes: r.duplicateNodes.Load(),
		Intersections:  r.intersections.Load(),
		OpenRings:      r.openRings.Load(),
		RoleMismatches: r.roleMismatches.Load(),
	}
}
