package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/spf13/cobra"

	"github.com/arealab/osmarea/internal/area"
	"github.com/arealab/osmarea/internal/area/reportlog"
	"github.com/arealab/osmarea/internal/logger"
	"github.com/arealab/osmarea/internal/middle"
)

var (
	assembleRelationID int64
	assembleWayID      int64
	assembleDebug      bool
)

var assembleCmd = &cobra.Command{
	Use:   "assemble <input.osm.pbf>",
	Short: "Assemble a single way or relation into area geometry",
	Long: `Isolate a single closed way or multipolygon/boundary relation, pull just
the data it needs out of a PBF file with a handful of scans, and run it
through the area assembler without running a full import.

This exists to reproduce a reported assembly problem (a self-intersection,
an unclosed ring, a role mismatch) in isolation rather than rerunning a
whole import to trigger it again.`,
	Args: cobra.ExactArgs(1),
	Run:  runAssemble,
}

func init() {
	rootCmd.AddCommand(assembleCmd)

	assembleCmd.Flags().Int64Var(&assembleRelationID, "relation", 0, "Relation ID to assemble")
	assembleCmd.Flags().Int64Var(&assembleWayID, "way", 0, "Way ID to assemble (closed way, no relation)")
	assembleCmd.Flags().BoolVar(&assembleDebug, "debug", true, "Enable verbose area-assembler tracing")
}

func runAssemble(cmd *cobra.Command, args []string) {
	log := logger.Get()
	pbfPath := args[0]

	if (assembleRelationID == 0) == (assembleWayID == 0) {
		exitWithError("assemble requires exactly one of --relation or --way",
			fmt.Errorf("got --relation=%d --way=%d", assembleRelationID, assembleWayID))
	}

	reporter := reportlog.New(log, 0)
	assembler := area.NewAssembler(reporter)
	assembler.EnableDebugOutput(assembleDebug)

	buf := area.NewBuffer()

	if assembleWayID != 0 {
		way, err := loadStandaloneWay(pbfPath, assembleWayID)
		if err != nil {
			exitWithError("failed to load way", err)
		}
		reporter.StartObject(way.ID)
		assembler.Assemble(way, buf)
	} else {
		rel, err := loadStandaloneRelation(pbfPath, assembleRelationID)
		if err != nil {
			exitWithError("failed to load relation", err)
		}
		reporter.StartObject(rel.ID)
		assembler.AssembleRelation(rel, buf)
	}

	if len(buf.Areas) == 0 {
		log.Warn("Assembly produced no area",
			zap.Int64("relation", assembleRelationID),
			zap.Int64("way", assembleWayID))
		return
	}

	for i, a := range buf.Areas {
		if !a.Valid() {
			log.Warn("Assembled area has no rings", zap.Int("index", i), zap.Int64("area_id", a.ID))
			continue
		}
		log.Info("Assembled area",
			zap.Int("index", i),
			zap.Int64("area_id", a.ID),
			zap.Int("outer_rings", len(a.Outers)),
			zap.Any("tags", a.Tags),
		)
		for j, outer := range a.Outers {
			log.Info("Outer ring",
				zap.Int("outer_index", j),
				zap.Int("nodes", len(outer.Nodes)),
				zap.Int("inner_rings", len(outer.Inners)),
			)
		}
	}

	stats := reporter.Snapshot()
	log.Info("Assembly problems",
		zap.Int64("duplicate_nodes", stats.DuplicateNodes),
		zap.Int64("intersections", stats.Intersections),
		zap.Int64("open_rings", stats.OpenRings),
		zap.Int64("role_mismatches", stats.RoleMismatches),
	)
}

func loadStandaloneWay(path string, wayID int64) (*area.Way, error) {
	osmWays, err := scanWays(path, map[int64]bool{wayID: true})
	if err != nil {
		return nil, err
	}
	osmWay, ok := osmWays[wayID]
	if !ok {
		return nil, fmt.Errorf("way %d not found in %s", wayID, path)
	}

	nodeIDs := make(map[int64]bool, len(osmWay.Nodes))
	for _, n := range osmWay.Nodes {
		nodeIDs[int64(n.ID)] = true
	}
	locations, err := scanNodeLocations(path, nodeIDs)
	if err != nil {
		return nil, err
	}

	w, ok := area.WayFromOSM(osmWay, func(id int64) (area.Location, bool) {
		loc, ok := locations[id]
		return loc, ok
	})
	if !ok {
		return nil, fmt.Errorf("way %d references a node missing from %s", wayID, path)
	}
	return w, nil
}

func loadStandaloneRelation(path string, relationID int64) (*area.Relation, error) {
	osmRel, err := scanRelation(path, relationID)
	if err != nil {
		return nil, err
	}

	wayRefs := make(map[int64]bool)
	for _, m := range osmRel.Members {
		if m.Type == osm.TypeWay {
			wayRefs[m.Ref] = true
		}
	}

	osmWays, err := scanWays(path, wayRefs)
	if err != nil {
		return nil, err
	}

	nodeIDs := make(map[int64]bool)
	for _, w := range osmWays {
		for _, n := range w.Nodes {
			nodeIDs[int64(n.ID)] = true
		}
	}
	locations, err := scanNodeLocations(path, nodeIDs)
	if err != nil {
		return nil, err
	}
	locate := func(id int64) (area.Location, bool) {
		loc, ok := locations[id]
		return loc, ok
	}

	ways := make(map[int64]*area.Way, len(osmWays))
	for id, w := range osmWays {
		aw, ok := area.WayFromOSM(w, locate)
		if !ok {
			return nil, fmt.Errorf("way %d (member of relation %d) references a node missing from %s", id, relationID, path)
		}
		ways[id] = aw
	}

	return area.RelationFromOSM(osmRel, func(id int64) (*area.Way, bool) {
		w, ok := ways[id]
		return w, ok
	}), nil
}

func scanRelation(path string, id int64) (*osm.Relation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := osmpbf.New(context.Background(), f, runtime.NumCPU())
	defer scanner.Close()

	for scanner.Scan() {
		if rel, ok := scanner.Object().(*osm.Relation); ok && int64(rel.ID) == id {
			return rel, nil
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return nil, fmt.Errorf("relation %d not found in %s", id, path)
}

func scanWays(path string, ids map[int64]bool) (map[int64]*osm.Way, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := osmpbf.New(context.Background(), f, runtime.NumCPU())
	defer scanner.Close()

	found := make(map[int64]*osm.Way, len(ids))
	remaining := len(ids)
	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Way:
			if remaining == 0 {
				continue
			}
			if ids[int64(o.ID)] {
				found[int64(o.ID)] = o
				remaining--
			}
		case *osm.Relation:
			// relations follow ways in PBF order; nothing left to find
			return found, nil
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return found, nil
}

// scanNodeLocations resolves a set of node IDs to fixed-point locations,
// stopping at the first way the same way buildNodeIndexParallel's pass 1
// does -- nodes are always written before ways in PBF order.
func scanNodeLocations(path string, ids map[int64]bool) (map[int64]area.Location, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := osmpbf.New(context.Background(), f, runtime.NumCPU())
	defer scanner.Close()

	locations := make(map[int64]area.Location, len(ids))
	remaining := len(ids)
	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			if remaining == 0 {
				continue
			}
			if ids[int64(o.ID)] {
				locations[int64(o.ID)] = area.Location{
					X: middle.ScaleCoord(o.Lon),
					Y: middle.ScaleCoord(o.Lat),
				}
				remaining--
			}
		case *osm.Way:
			return locations, nil
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return locations, nil
}
