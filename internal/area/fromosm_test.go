package area

import (
	"testing"

	"github.com/paulmach/osm"
)

func TestWayFromOSMResolvesNodes(t *testing.T) {
	w := &osm.Way{
		ID: 42,
		Nodes: osm.WayNodes{
			{ID: 1}, {ID: 2}, {ID: 1},
		},
		Tags: osm.Tags{{Key: "natural", Value: "water"}},
	}

	locations := map[int64]Location{
		1: {X: 0, Y: 0},
		2: {X: 10, Y: 0},
	}
	locate := func(id int64) (Location, bool) {
		loc, ok := locations[id]
		return loc, ok
	}

	got, ok := WayFromOSM(w, locate)
	if !ok {
		t.Fatalf("expected resolution to succeed")
	}
	if got.ID != 42 {
		t.Errorf("id = %d, want 42", got.ID)
	}
	if len(got.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(got.Nodes))
	}
	if got.Tags["natural"] != "water" {
		t.Errorf("tags = %v, want natural=water", got.Tags)
	}
	if !got.Closed() {
		t.Errorf("expected converted way to be closed")
	}
}

func TestWayFromOSMFailsOnUnresolvedNode(t *testing.T) {
	w := &osm.Way{ID: 1, Nodes: osm.WayNodes{{ID: 1}, {ID: 99}}}
	locate := func(id int64) (Location, bool) {
		if id == 1 {
			return Location{}, true
		}
		return Location{}, false
	}

	_, ok := WayFromOSM(w, locate)
	if ok {
		t.Errorf("expected resolution to fail when a node is missing from the index")
	}
}

func TestRelationFromOSMFiltersToWayMembers(t *testing.T) {
	r := &osm.Relation{
		ID: 7,
		Tags: osm.Tags{
			{Key: "type", Value: "multipolygon"},
			{Key: "building", Value: "yes"},
		},
		Members: osm.Members{
			{Type: osm.TypeWay, Ref: 100, Role: "outer"},
			{Type: osm.TypeNode, Ref: 1, Role: "label"},
			{Type: osm.TypeWay, Ref: 101, Role: "inner"},
		},
	}

	resolved := map[int64]*Way{
		100: {ID: 100},
	}
	resolveWay := func(id int64) (*Way, bool) {
		w, ok := resolved[id]
		return w, ok
	}

	rel := RelationFromOSM(r, resolveWay)
	if rel.ID != 7 {
		t.Errorf("id = %d, want 7", rel.ID)
	}
	if len(rel.Members) != 2 {
		t.Fatalf("got %d members, want 2 (node member filtered out)", len(rel.Members))
	}
	if rel.Members[0].Way == nil || rel.Members[0].Way.ID != 100 {
		t.Errorf("expected first member to resolve to way 100")
	}
	if rel.Members[1].Way != nil {
		t.Errorf("expected unresolved way 101 to produce a nil Way, got %+v", rel.Members[1].Way)
	}
	if rel.Tags["building"] != "yes" {
		t.Errorf("tags = %v, want building=yes", rel.Tags)
	}
}
