package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/arealab/osmarea/internal/area"
	"github.com/arealab/osmarea/internal/area/reportlog"
	"github.com/arealab/osmarea/internal/config"
	"github.com/arealab/osmarea/internal/expire"
	"github.com/arealab/osmarea/internal/logger"
	"github.com/arealab/osmarea/internal/middle"
	"github.com/arealab/osmarea/internal/osc"
	"github.com/arealab/osmarea/internal/proj"
	"github.com/arealab/osmarea/internal/wkb"
)

// AppendStats tracks append processing statistics
type AppendStats struct {
	NodesProcessed     int64
	WaysProcessed      int64
	RelationsProcessed int64
	WaysRebuilt        int64
	RelationsRebuilt   int64
	PointsUpdated      int64
	LinesUpdated       int64
	PolygonsUpdated    int64
	Duration           time.Duration
}

// AppendProcessor handles incremental updates from OSC files
type AppendProcessor struct {
	cfg         *config.Config
	pool        *pgxpool.Pool
	middleStore *middle.MiddleStore
	transformer *proj.Transformer

	// Pending sets for cascading updates
	pendingWays      map[int64]bool
	pendingRelations map[int64]bool

	// Tile expiry tracking
	expireTracker *expire.Tracker

	// Area reassembly. A single AppendProcessor processes one OSC file's
	// changes synchronously, so one Assembler/Reporter pair is reused for
	// every rebuilt way and relation in the run, the same reuse-across-
	// every-object lifetime the streaming and DuckDB pipelines give theirs.
	reporter  *reportlog.Reporter
	assembler *area.Assembler
}

// NewAppendProcessor creates a new append processor
func NewAppendProcessor(cfg *config.Config, pool *pgxpool.Pool, middleStore *middle.MiddleStore) *AppendProcessor {
	transformer, _ := proj.NewTransformer(proj.SRID4326, cfg.Projection)

	// Create expire tracker if expire output is configured
	var tracker *expire.Tracker
	if cfg.ExpireOutput != "" {
		tracker = expire.NewTracker(cfg.ExpireMinZoom, cfg.ExpireMaxZoom)
	}

	reporter := reportlog.New(logger.Get(), cfg.MaxAssemblyProblems)

	return &AppendProcessor{
		cfg:              cfg,
		pool:             pool,
		middleStore:      middleStore,
		transformer:      transformer,
		pendingWays:      make(map[int64]bool),
		pendingRelations: make(map[int64]bool),
		expireTracker:    tracker,
		reporter:         reporter,
		assembler:        area.NewAssembler(reporter),
	}
}

// AssemblyProblems returns the cumulative count of rejected/flagged
// geometry encountered while rebuilding ways and relations this run.
func (p *AppendProcessor) AssemblyProblems() reportlog.Stats {
	return p.reporter.Snapshot()
}

// ExpireTracker returns the expire tracker (for writing output after processing)
func (p *AppendProcessor) ExpireTracker() *expire.Tracker {
	return p.expireTracker
}

// ProcessChanges applies changes from an OSC file
func (p *AppendProcessor) ProcessChanges(ctx context.Context, changes <-chan osc.Change) (*AppendStats, error) {
	log := logger.Get()
	stats := &AppendStats{}
	start := time.Now()

	log.Info("Processing OSC changes")

	// Process all changes
	for change := range changes {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var err error
		switch change.Type {
		case "node":
			err = p.processNodeChange(ctx, change, stats)
		case "way":
			err = p.processWayChange(ctx, change, stats)
		case "relation":
			err = p.processRelationChange(ctx, change, stats)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to process %s change: %w", change.Type, err)
		}
	}

	log.Info("Processed direct changes",
		zap.Int64("nodes", stats.NodesProcessed),
		zap.Int64("ways", stats.WaysProcessed),
		zap.Int64("relations", stats.RelationsProcessed))

	// Rebuild pending ways (affected by node changes)
	if len(p.pendingWays) > 0 {
		log.Info("Rebuilding affected ways", zap.Int("count", len(p.pendingWays)))
		for wayID := range p.pendingWays {
			if err := p.rebuildWay(ctx, wayID, stats); err != nil {
				log.Warn("Failed to rebuild way", zap.Int64("id", wayID), zap.Error(err))
			}
		}
	}

	// Rebuild pending relations (affected by way changes)
	if len(p.pendingRelations) > 0 {
		log.Info("Rebuilding affected relations", zap.Int("count", len(p.pendingRelations)))
		for relID := range p.pendingRelations {
			if err := p.rebuildRelation(ctx, relID, stats); err != nil {
				log.Warn("Failed to rebuild relation", zap.Int64("id", relID), zap.Error(err))
			}
		}
	}

	stats.Duration = time.Since(start)

	log.Info("Append processing complete",
		zap.Int64("ways_rebuilt", stats.WaysRebuilt),
		zap.Int64("relations_rebuilt", stats.RelationsRebuilt),
		zap.Int64("points_updated", stats.PointsUpdated),
		zap.Int64("lines_updated", stats.LinesUpdated),
		zap.Int64("polygons_updated", stats.PolygonsUpdated),
		zap.Duration("duration", stats.Duration))

	return stats, nil
}

// processNodeChange handles a node create/modify/delete
func (p *AppendProcessor) processNodeChange(ctx context.Context, change osc.Change, stats *AppendStats) error {
	node := change.Node
	if node == nil {
		return nil
	}
	stats.NodesProcessed++

	// Expire tiles for the node's location
	if p.expireTracker != nil {
		lat := middle.UnscaleCoord(node.Lat)
		lon := middle.UnscaleCoord(node.Lon)
		p.expireTracker.ExpirePoint(lat, lon)
	}

	switch change.Action {
	case osc.ActionCreate, osc.ActionModify:
		// Update middle table
		if err := p.middleStore.UpdateNode(ctx, node); err != nil {
			return err
		}

		// Update point geometry if node has meaningful tags
		if len(node.Tags) > 0 && hasMeaningfulNodeTags(node.Tags) {
			if err := p.updatePointGeometry(ctx, node); err != nil {
				return err
			}
			stats.PointsUpdated++
		}

		// Find affected ways and mark for rebuild
		wayIDs, err := p.middleStore.GetWaysForNode(ctx, node.ID)
		if err != nil {
			return err
		}
		for _, wayID := range wayIDs {
			p.pendingWays[wayID] = true
		}

	case osc.ActionDelete:
		// Delete from middle table
		if err := p.middleStore.DeleteNode(ctx, node.ID); err != nil {
			return err
		}

		// Delete from output table
		if err := p.deleteFromOutput(ctx, "planet_osm_point", node.ID, "N"); err != nil {
			return err
		}

		// Find affected ways and mark for rebuild
		wayIDs, err := p.middleStore.GetWaysForNode(ctx, node.ID)
		if err != nil {
			return err
		}
		for _, wayID := range wayIDs {
			p.pendingWays[wayID] = true
		}
	}

	return nil
}

// processWayChange handles a way create/modify/delete
func (p *AppendProcessor) processWayChange(ctx context.Context, change osc.Change, stats *AppendStats) error {
	way := change.Way
	if way == nil {
		return nil
	}
	stats.WaysProcessed++

	switch change.Action {
	case osc.ActionCreate, osc.ActionModify:
		// Update middle table
		if err := p.middleStore.UpdateWay(ctx, way); err != nil {
			return err
		}

		// Rebuild way geometry
		if err := p.rebuildWayDirect(ctx, way, stats); err != nil {
			return err
		}

		// Find affected relations and mark for rebuild
		relIDs, err := p.middleStore.GetRelationsForMember(ctx, "w", way.ID)
		if err != nil {
			return err
		}
		for _, relID := range relIDs {
			p.pendingRelations[relID] = true
		}

	case osc.ActionDelete:
		// Delete from middle table
		if err := p.middleStore.DeleteWay(ctx, way.ID); err != nil {
			return err
		}

		// Delete from output tables (could be line or polygon)
		if err := p.deleteFromOutput(ctx, "planet_osm_line", way.ID, "W"); err != nil {
			return err
		}
		if err := p.deleteFromOutput(ctx, "planet_osm_polygon", way.ID, "W"); err != nil {
			return err
		}

		// Find affected relations and mark for rebuild
		relIDs, err := p.middleStore.GetRelationsForMember(ctx, "w", way.ID)
		if err != nil {
			return err
		}
		for _, relID := range relIDs {
			p.pendingRelations[relID] = true
		}
	}

	return nil
}

// processRelationChange handles a relation create/modify/delete
func (p *AppendProcessor) processRelationChange(ctx context.Context, change osc.Change, stats *AppendStats) error {
	rel := change.Relation
	if rel == nil {
		return nil
	}
	stats.RelationsProcessed++

	switch change.Action {
	case osc.ActionCreate, osc.ActionModify:
		// Update middle table
		if err := p.middleStore.UpdateRelation(ctx, rel); err != nil {
			return err
		}

		// Rebuild relation geometry if it's a multipolygon
		if isMultipolygonTags(rel.Tags) {
			if err := p.rebuildRelationDirect(ctx, rel, stats); err != nil {
				return err
			}
		}

	case osc.ActionDelete:
		// Delete from middle table
		if err := p.middleStore.DeleteRelation(ctx, rel.ID); err != nil {
			return err
		}

		// Delete from output table
		if err := p.deleteFromOutput(ctx, "planet_osm_polygon", rel.ID, "R"); err != nil {
			return err
		}
	}

	return nil
}

// rebuildWay rebuilds a way's geometry from middle tables
func (p *AppendProcessor) rebuildWay(ctx context.Context, wayID int64, stats *AppendStats) error {
	way, err := p.middleStore.GetWay(ctx, wayID)
	if err != nil {
		return err
	}
	if way == nil {
		return nil // Way was deleted
	}

	return p.rebuildWayDirect(ctx, way, stats)
}

// areaWayFromRaw resolves a middle.RawWay's nodes into an *area.Way, the
// same NodeRef/Location shape the streaming and DuckDB pipelines feed to
// the Assembler. Returns ok=false if any node is missing, mirroring how
// both other pipelines treat an incomplete way.
func (p *AppendProcessor) areaWayFromRaw(ctx context.Context, way *middle.RawWay) (*area.Way, bool, error) {
	nodes := make([]area.NodeRef, 0, len(way.Nodes))
	for _, nodeID := range way.Nodes {
		node, err := p.middleStore.GetNode(ctx, nodeID)
		if err != nil {
			return nil, false, err
		}
		if node == nil {
			return nil, false, nil
		}
		nodes = append(nodes, area.NodeRef{ID: nodeID, Location: area.Location{X: node.Lon, Y: node.Lat}})
	}
	return &area.Way{
		ID:        way.ID,
		Nodes:     nodes,
		Tags:      way.Tags,
		Version:   way.Version,
		Changeset: way.Changeset,
		UID:       way.UID,
		User:      way.User,
		Visible:   true, // middle tables only ever hold the current, visible revision
	}, true, nil
}

// rebuildWayDirect rebuilds geometry for a way. A closed, area-tagged way
// is run through the Assembler exactly like a standalone way in the
// streaming and DuckDB pipelines -- so a self-intersecting or
// duplicate-node edit to a building outline is rejected and reported
// rather than silently re-polygonized from raw node order.
func (p *AppendProcessor) rebuildWayDirect(ctx context.Context, way *middle.RawWay, stats *AppendStats) error {
	if len(way.Nodes) < 4 {
		return nil // Not enough points
	}

	areaWay, ok, err := p.areaWayFromRaw(ctx, way)
	if err != nil {
		return err
	}
	if !ok {
		return nil // Missing node, can't build geometry
	}

	isClosed := way.Nodes[0] == way.Nodes[len(way.Nodes)-1]
	isAreaTag := isAreaTags(way.Tags)

	tagsJSON, _ := json.Marshal(way.Tags)

	// Delete existing geometry first
	if err := p.deleteFromOutput(ctx, "planet_osm_line", way.ID, "W"); err != nil {
		return err
	}
	if err := p.deleteFromOutput(ctx, "planet_osm_polygon", way.ID, "W"); err != nil {
		return err
	}

	if isClosed && isAreaTag {
		p.reporter.StartObject(way.ID)
		assembled := p.assembler.Assemble(areaWay, area.NewBuffer())
		if !assembled.Valid() {
			return nil
		}

		polyRings := make([][]float64, 0, 1+len(assembled.Outers[0].Inners))
		polyRings = append(polyRings, ringToCoords(assembled.Outers[0].Nodes))
		for _, inner := range assembled.Outers[0].Inners {
			polyRings = append(polyRings, ringToCoords(inner.Nodes))
		}
		if p.expireTracker != nil {
			for _, ring := range polyRings {
				p.expireTracker.ExpireCoords(ring)
			}
		}
		for _, ring := range polyRings {
			p.transformer.TransformCoords(ring)
		}

		encoder := wkb.NewEncoderWithSRID(1024, p.cfg.Projection)
		wkbBytes := encoder.EncodePolygonWithRings(polyRings)
		if wkbBytes == nil {
			return nil
		}
		if err := p.insertGeometry(ctx, "planet_osm_polygon", way.ID, "W", string(tagsJSON), wkbBytes); err != nil {
			return err
		}
		stats.PolygonsUpdated++
	} else {
		coords := ringToCoords(areaWay.Nodes)
		if p.expireTracker != nil {
			p.expireTracker.ExpireCoords(coords)
		}
		p.transformer.TransformCoords(coords)

		encoder := wkb.NewEncoderWithSRID(1024, p.cfg.Projection)
		wkbBytes := encoder.EncodeLineString(coords)
		if err := p.insertGeometry(ctx, "planet_osm_line", way.ID, "W", string(tagsJSON), wkbBytes); err != nil {
			return err
		}
		stats.LinesUpdated++
	}

	stats.WaysRebuilt++
	return nil
}

// rebuildRelation rebuilds a relation's geometry from middle tables
func (p *AppendProcessor) rebuildRelation(ctx context.Context, relID int64, stats *AppendStats) error {
	rel, err := p.middleStore.GetRelation(ctx, relID)
	if err != nil {
		return err
	}
	if rel == nil {
		return nil // Relation was deleted
	}

	if !isMultipolygonTags(rel.Tags) {
		return nil // Not a multipolygon
	}

	return p.rebuildRelationDirect(ctx, rel, stats)
}

// rebuildRelationDirect rebuilds geometry for a multipolygon relation by
// resolving every way member into an *area.Way and running the same
// AssembleRelation the streaming and DuckDB pipelines use, rather than the
// ad hoc "connect matching endpoints" ring-stitching an earlier revision
// of this function did -- that approach had no sub-ring splitting,
// self-intersection detection, or real inner/outer nesting, so an edited
// relation with touching rings or a crossed member way would have silently
// produced a wrong polygon instead of being rejected and reported.
func (p *AppendProcessor) rebuildRelationDirect(ctx context.Context, rel *middle.RawRelation, stats *AppendStats) error {
	wayCache := make(map[int64]*area.Way)
	resolveWay := func(wayID int64) (*area.Way, bool) {
		if wy, ok := wayCache[wayID]; ok {
			return wy, wy != nil
		}
		raw, err := p.middleStore.GetWay(ctx, wayID)
		if err != nil || raw == nil {
			wayCache[wayID] = nil
			return nil, false
		}
		wy, ok, err := p.areaWayFromRaw(ctx, raw)
		if err != nil || !ok {
			wayCache[wayID] = nil
			return nil, false
		}
		wayCache[wayID] = wy
		return wy, true
	}

	areaRel := &area.Relation{
		ID:        rel.ID,
		Tags:      rel.Tags,
		Version:   rel.Version,
		Changeset: rel.Changeset,
		UID:       rel.UID,
		User:      rel.User,
		Visible:   true, // middle tables only ever hold the current, visible revision
	}
	for _, member := range rel.Members {
		if member.Type != "w" {
			continue
		}
		wy, _ := resolveWay(member.Ref)
		areaRel.Members = append(areaRel.Members, area.Member{Way: wy, Role: member.Role})
	}

	if len(areaRel.Members) == 0 {
		return nil
	}

	p.reporter.StartObject(rel.ID)
	assembled := p.assembler.AssembleRelation(areaRel, area.NewBuffer())
	if !assembled.Valid() {
		return nil
	}

	var polygons [][][]float64
	for _, outer := range assembled.Outers {
		poly := make([][]float64, 0, 1+len(outer.Inners))
		poly = append(poly, ringToCoords(outer.Nodes))
		for _, inner := range outer.Inners {
			poly = append(poly, ringToCoords(inner.Nodes))
		}
		polygons = append(polygons, poly)
	}

	if p.expireTracker != nil {
		for _, poly := range polygons {
			for _, ring := range poly {
				p.expireTracker.ExpireCoords(ring)
			}
		}
	}
	for _, poly := range polygons {
		for _, ring := range poly {
			p.transformer.TransformCoords(ring)
		}
	}

	encoder := wkb.NewEncoderWithSRID(4096, p.cfg.Projection)
	var wkbBytes []byte
	if len(polygons) == 1 && len(polygons[0]) == 1 {
		wkbBytes = encoder.EncodePolygon(polygons[0][0])
	} else if len(polygons) == 1 {
		wkbBytes = encoder.EncodePolygonWithRings(polygons[0])
	} else {
		wkbBytes = encoder.EncodeMultiPolygon(polygons)
	}

	if wkbBytes == nil {
		return nil
	}

	tagsJSON, _ := json.Marshal(assembled.Tags)

	// Delete existing and insert new
	if err := p.deleteFromOutput(ctx, "planet_osm_polygon", rel.ID, "R"); err != nil {
		return err
	}
	if err := p.insertGeometry(ctx, "planet_osm_polygon", rel.ID, "R", string(tagsJSON), wkbBytes); err != nil {
		return err
	}

	stats.RelationsRebuilt++
	stats.PolygonsUpdated++
	return nil
}

// updatePointGeometry updates a point geometry in the output table
func (p *AppendProcessor) updatePointGeometry(ctx context.Context, node *middle.RawNode) error {
	// Delete existing
	if err := p.deleteFromOutput(ctx, "planet_osm_point", node.ID, "N"); err != nil {
		return err
	}

	// Transform coordinates
	lon := middle.UnscaleCoord(node.Lon)
	lat := middle.UnscaleCoord(node.Lat)
	x, y := p.transformer.Transform(lon, lat)

	// Encode point
	encoder := wkb.NewEncoderWithSRID(64, p.cfg.Projection)
	wkbBytes := encoder.EncodePoint(x, y)

	tagsJSON, _ := json.Marshal(node.Tags)
	return p.insertGeometry(ctx, "planet_osm_point", node.ID, "N", string(tagsJSON), wkbBytes)
}

// deleteFromOutput deletes a geometry from an output table
func (p *AppendProcessor) deleteFromOutput(ctx context.Context, table string, osmID int64, osmType string) error {
	sql := fmt.Sprintf("DELETE FROM %s.%s WHERE osm_id = $1 AND osm_type = $2", p.cfg.DBSchema, table)
	_, err := p.pool.Exec(ctx, sql, osmID, osmType)
	return err
}

// insertGeometry inserts a geometry into an output table
func (p *AppendProcessor) insertGeometry(ctx context.Context, table string, osmID int64, osmType, tags string, geomWKB []byte) error {
	sql := fmt.Sprintf("INSERT INTO %s.%s (osm_id, osm_type, tags, geom) VALUES ($1, $2, $3, $4)", p.cfg.DBSchema, table)
	_, err := p.pool.Exec(ctx, sql, osmID, osmType, tags, geomWKB)
	return err
}

// hasMeaningfulNodeTags checks if node tags are meaningful (not just metadata)
func hasMeaningfulNodeTags(tags map[string]string) bool {
	dominated := map[string]bool{
		"created_by": true,
		"source":     true,
		"note":       true,
		"fixme":      true,
		"FIXME":      true,
	}

	for k := range tags {
		if !dominated[k] {
			return true
		}
	}
	return false
}

// isAreaTags checks if tags indicate an area
func isAreaTags(tags map[string]string) bool {
	if v, ok := tags["area"]; ok {
		return v == "yes"
	}

	areaKeys := map[string]bool{
		"building": true,
		"landuse":  true,
		"natural":  true,
		"leisure":  true,
		"amenity":  true,
		"shop":     true,
		"tourism":  true,
		"man_made": true,
	}

	for k := range tags {
		if areaKeys[k] {
			return true
		}
	}

	return false
}

// isMultipolygonTags checks if tags indicate a multipolygon relation
func isMultipolygonTags(tags map[string]string) bool {
	if t, ok := tags["type"]; ok {
		return t == "multipolygon" || t == "boundary"
	}
	return false
}
