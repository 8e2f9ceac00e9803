package transform

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/arealab/osmarea/internal/area"
	"github.com/arealab/osmarea/internal/area/reportlog"
	"github.com/arealab/osmarea/internal/logger"
	"github.com/arealab/osmarea/internal/middle"
	"github.com/arealab/osmarea/internal/parquet"
)

// buildAssembledPolygons runs the area assembler over every multipolygon
// and boundary relation in the extract, writing one row per assembled area
// (all of its outer rings and holes in one WKT geometry) to
// relation_polygons.parquet. Unlike
// buildWayPolygons, this cannot be expressed as a single SQL query: ring
// merging, hole nesting and self-intersection detection need the full
// plane-sweep machinery in the area package.
func (t *Transformer) buildAssembledPolygons() (int64, error) {
	log := logger.Get()

	rels, err := t.loadMultipolygonRelations()
	if err != nil {
		return 0, fmt.Errorf("failed to load multipolygon relations: %w", err)
	}
	if len(rels) == 0 {
		return 0, nil
	}
	log.Info("Assembling multipolygon relations", zap.Int("relations", len(rels)))

	membersByRelation, wayRefs, err := t.loadRelationMembers(rels)
	if err != nil {
		return 0, fmt.Errorf("failed to load relation members: %w", err)
	}

	ways, err := t.loadWaysByID(wayRefs)
	if err != nil {
		return 0, fmt.Errorf("failed to load member ways: %w", err)
	}

	outputPath := filepath.Join(t.cfg.OutputDir, "relation_polygons.parquet")
	writer, err := parquet.NewGeometryWriter(outputPath, t.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to create relation polygon writer: %w", err)
	}
	defer writer.Close()

	reporter := reportlog.New(log, 20)
	assembler := area.NewAssembler(reporter)

	var count int64
	for _, rel := range rels {
		relObj := &area.Relation{ID: rel.id, Tags: rel.tags}
		for _, m := range membersByRelation[rel.id] {
			relObj.Members = append(relObj.Members, area.Member{Way: ways[m.ref], Role: m.role})
		}
		if len(relObj.Members) == 0 {
			continue
		}

		reporter.StartObject(rel.id)
		buf := area.NewBuffer()
		assembler.AssembleRelation(relObj, buf)

		for _, assembled := range buf.Areas {
			if !assembled.Valid() {
				continue
			}

			osmID, osmType := rel.id, "R"
			if assembled.ID%2 == 0 {
				osmID, osmType = assembled.ID/2, "W"
			}

			tagsJSON, err := json.Marshal(assembled.Tags)
			if err != nil {
				return count, fmt.Errorf("failed to marshal tags for relation %d: %w", rel.id, err)
			}

			wkt := areaToWKT(assembled)
			if wkt == "" {
				continue
			}
			if err := writer.Write(osmID, osmType, string(tagsJSON), wkt); err != nil {
				return count, fmt.Errorf("failed to write polygon for relation %d: %w", rel.id, err)
			}
			count++
		}
	}

	return count, nil
}

// buildWayPolygons runs the area assembler over every closed way that
// isn't itself an outer/inner member of a multipolygon or boundary
// relation -- those go through buildAssembledPolygons instead, so a ring
// is never emitted twice. This replaces a raw ST_MakeLine/ST_MakePolygon
// SQL pass: a self-intersecting or duplicate-node standalone way (a
// crossed building outline) is now rejected via the same ProblemReporter
// path a relation member would go through, instead of being trusted as a
// valid ring.
func (t *Transformer) buildWayPolygons() (int64, error) {
	log := logger.Get()

	wayIDs, err := t.loadStandaloneWayCandidates()
	if err != nil {
		return 0, fmt.Errorf("failed to load standalone way candidates: %w", err)
	}
	if len(wayIDs) == 0 {
		return 0, nil
	}

	ways, err := t.loadWaysByID(wayIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to load standalone ways: %w", err)
	}

	outputPath := filepath.Join(t.cfg.OutputDir, "way_polygons.parquet")
	writer, err := parquet.NewGeometryWriter(outputPath, t.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to create way polygon writer: %w", err)
	}
	defer writer.Close()

	reporter := reportlog.New(log, 20)
	assembler := area.NewAssembler(reporter)

	var count int64
	for id, way := range ways {
		if len(way.Nodes) < 4 || way.Nodes[0].ID != way.Nodes[len(way.Nodes)-1].ID {
			continue
		}

		reporter.StartObject(id)
		buf := area.NewBuffer()
		assembled := assembler.Assemble(way, buf)
		if !assembled.Valid() {
			continue
		}

		tagsJSON, err := json.Marshal(assembled.Tags)
		if err != nil {
			return count, fmt.Errorf("failed to marshal tags for way %d: %w", id, err)
		}

		wkt := areaToWKT(assembled)
		if wkt == "" {
			continue
		}
		if err := writer.Write(id, "W", string(tagsJSON), wkt); err != nil {
			return count, fmt.Errorf("failed to write polygon for way %d: %w", id, err)
		}
		count++
	}

	return count, nil
}

// loadStandaloneWayCandidates returns the IDs of ways eligible to be
// assembled as standalone polygons: at least 4 nodes, and not referenced
// as a way member of any multipolygon/boundary relation.
func (t *Transformer) loadStandaloneWayCandidates() (map[int64]bool, error) {
	rows, err := t.db.Query(`
		SELECT w.id
		FROM ways w
		JOIN (
			SELECT way_id, count(*) AS n
			FROM way_nodes
			GROUP BY way_id
			HAVING count(*) >= 4
		) wn ON wn.way_id = w.id
		WHERE w.id NOT IN (
			SELECT rm.ref
			FROM relation_members rm
			JOIN relations r ON rm.relation_id = r.id
			WHERE rm.type = 'W'
			  AND (r.tags LIKE '%"type":"multipolygon"%' OR r.tags LIKE '%"type":"boundary"%')
		)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

type relationRow struct {
	id   int64
	tags map[string]string
}

type memberRow struct {
	ref  int64
	role string
}

// loadMultipolygonRelations fetches every relation tagged as a
// multipolygon or boundary, which are the only relation types the area
// assembler knows how to turn into rings.
func (t *Transformer) loadMultipolygonRelations() ([]relationRow, error) {
	rows, err := t.db.Query(`
		SELECT id, tags FROM relations
		WHERE tags LIKE '%"type":"multipolygon"%' OR tags LIKE '%"type":"boundary"%'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []relationRow
	for rows.Next() {
		var id int64
		var tagsJSON string
		if err := rows.Scan(&id, &tagsJSON); err != nil {
			return nil, err
		}
		tags := map[string]string{}
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
				return nil, fmt.Errorf("invalid tags for relation %d: %w", id, err)
			}
		}
		rels = append(rels, relationRow{id: id, tags: tags})
	}
	return rels, rows.Err()
}

// loadRelationMembers fetches the way members of the given relations,
// grouped by relation ID, and returns the set of distinct way IDs that
// need to be resolved to node geometry.
func (t *Transformer) loadRelationMembers(rels []relationRow) (map[int64][]memberRow, map[int64]bool, error) {
	ids := make([]string, 0, len(rels))
	for _, r := range rels {
		ids = append(ids, strconv.FormatInt(r.id, 10))
	}

	rows, err := t.db.Query(fmt.Sprintf(`
		SELECT relation_id, ref, role FROM relation_members
		WHERE type = 'W' AND relation_id IN (%s)
		ORDER BY relation_id, seq
	`, strings.Join(ids, ",")))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	membersByRelation := make(map[int64][]memberRow)
	wayRefs := make(map[int64]bool)
	for rows.Next() {
		var relationID, ref int64
		var role string
		if err := rows.Scan(&relationID, &ref, &role); err != nil {
			return nil, nil, err
		}
		membersByRelation[relationID] = append(membersByRelation[relationID], memberRow{ref: ref, role: role})
		wayRefs[ref] = true
	}
	return membersByRelation, wayRefs, rows.Err()
}

// loadWaysByID resolves each referenced way to its ordered node sequence
// and tags, building the *area.Way values the assembler operates on.
// Coordinates are kept at the same fixed-point scale middle.ScaleCoord
// uses elsewhere in the pipeline so area geometry stays comparable
// regardless of the eventual output projection.
func (t *Transformer) loadWaysByID(wayRefs map[int64]bool) (map[int64]*area.Way, error) {
	ways := make(map[int64]*area.Way, len(wayRefs))
	if len(wayRefs) == 0 {
		return ways, nil
	}

	ids := make([]string, 0, len(wayRefs))
	for id := range wayRefs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	idList := strings.Join(ids, ",")

	tagRows, err := t.db.Query(fmt.Sprintf(`SELECT id, tags FROM ways WHERE id IN (%s)`, idList))
	if err != nil {
		return nil, err
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var id int64
		var tagsJSON string
		if err := tagRows.Scan(&id, &tagsJSON); err != nil {
			return nil, err
		}
		tags := map[string]string{}
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
				return nil, fmt.Errorf("invalid tags for way %d: %w", id, err)
			}
		}
		ways[id] = &area.Way{ID: id, Tags: tags}
	}
	if err := tagRows.Err(); err != nil {
		return nil, err
	}

	nodeRows, err := t.db.Query(fmt.Sprintf(`
		SELECT wn.way_id, n.id, n.lon, n.lat
		FROM way_nodes wn
		JOIN nodes n ON wn.node_id = n.id
		WHERE wn.way_id IN (%s)
		ORDER BY wn.way_id, wn.seq
	`, idList))
	if err != nil {
		return nil, err
	}
	defer nodeRows.Close()
	for nodeRows.Next() {
		var wayID, nodeID int64
		var lon, lat float64
		if err := nodeRows.Scan(&wayID, &nodeID, &lon, &lat); err != nil {
			return nil, err
		}
		w, ok := ways[wayID]
		if !ok {
			continue
		}
		w.Nodes = append(w.Nodes, area.NodeRef{
			ID: nodeID,
			Location: area.Location{
				X: middle.ScaleCoord(lon),
				Y: middle.ScaleCoord(lat),
			},
		})
	}
	return ways, nodeRows.Err()
}

// areaToWKT renders an assembled area as WKT, choosing POLYGON for a
// single outer ring and MULTIPOLYGON when orphan-inner recovery or a
// multi-outer relation produced more than one.
func areaToWKT(a *area.Area) string {
	if len(a.Outers) == 0 {
		return ""
	}

	polys := make([]string, 0, len(a.Outers))
	for _, outer := range a.Outers {
		rings := make([]string, 0, 1+len(outer.Inners))
		rings = append(rings, ringToWKT(outer.Nodes))
		for _, inner := range outer.Inners {
			rings = append(rings, ringToWKT(inner.Nodes))
		}
		polys = append(polys, "("+strings.Join(rings, ",")+")")
	}

	if len(polys) == 1 {
		return "POLYGON" + polys[0]
	}
	return "MULTIPOLYGON(" + strings.Join(polys, ",") + ")"
}

func ringToWKT(nodes []area.NodeRef) string {
	points := make([]string, len(nodes))
	for i, n := range nodes {
		lon := middle.UnscaleCoord(n.Location.X)
		lat := middle.UnscaleCoord(n.Location.Y)
		points[i] = strconv.FormatFloat(lon, 'f', 7, 64) + " " + strconv.FormatFloat(lat, 'f', 7, 64)
	}
	return "(" + strings.Join(points, ",") + ")"
}
