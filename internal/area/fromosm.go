package area

import "github.com/paulmach/osm"

// LocationFunc resolves a node id to its fixed-point Location (the same
// lat*1e7/lon*1e7 scaling middle.ScaleCoord uses elsewhere in the
// pipeline), returning false if the node is unknown to the caller's node
// index.
type LocationFunc func(nodeID int64) (Location, bool)

// WayFromOSM converts a *osm.Way into this package's Way, resolving every
// node's coordinates through locate. It returns ok=false if any node is
// unresolvable, mirroring how the rest of the pipeline treats an
// incomplete way (skip it rather than assembling a partial ring).
func WayFromOSM(w *osm.Way, locate LocationFunc) (wy *Way, ok bool) {
	nodes := make([]NodeRef, 0, len(w.Nodes))
	for _, wn := range w.Nodes {
		loc, found := locate(int64(wn.ID))
		if !found {
			return nil, false
		}
		nodes = append(nodes, NodeRef{ID: int64(wn.ID), Location: loc})
	}
	return &Way{
		ID:        int64(w.ID),
		Nodes:     nodes,
		Tags:      tagsToMap(w.Tags),
		Version:   int32(w.Version),
		Changeset: int64(w.ChangesetID),
		UID:       int32(w.UserID),
		User:      w.User,
		Visible:   w.Visible,
	}, true
}

// RelationFromOSM converts a *osm.Relation into this package's Relation.
// resolveWay is called once per way member to obtain the already-converted
// member Way (e.g. from a cache keyed by way id); a member whose way could
// not be resolved is kept with a nil Way, which SegmentList.ExtractFromRelation
// skips -- matching spec §6's "a zero offset means the member is absent and
// is skipped".
func RelationFromOSM(r *osm.Relation, resolveWay func(wayID int64) (*Way, bool)) *Relation {
	rel := &Relation{
		ID:        int64(r.ID),
		Tags:      tagsToMap(r.Tags),
		Version:   int32(r.Version),
		Changeset: int64(r.ChangesetID),
		UID:       int32(r.UserID),
		User:      r.User,
		Visible:   r.Visible,
	}
	for _, m := range r.Members {
		if m.Type != osm.TypeWay {
			continue
		}
		way, _ := resolveWay(m.Ref)
		rel.Members = append(rel.Members, Member{Way: way, Role: m.Role})
	}
	return rel
}

func tagsToMap(tags osm.Tags) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return m
}
