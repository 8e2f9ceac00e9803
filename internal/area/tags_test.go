package area

import "testing"

func TestSelectRelationAreaTagsPrefersFilteredRelationTags(t *testing.T) {
	rel := &Relation{Tags: map[string]string{"type": "multipolygon", "building": "yes"}}
	got := selectRelationAreaTags(rel, nil)
	if !tagsEqual(got, map[string]string{"building": "yes"}) {
		t.Errorf("got %v, want {building: yes}", got)
	}
}

func TestSelectRelationAreaTagsKeepsAdministrativeKeysAlongsideARealTag(t *testing.T) {
	rel := &Relation{Tags: map[string]string{"type": "multipolygon", "source": "survey", "building": "yes"}}
	got := selectRelationAreaTags(rel, nil)
	if !tagsEqual(got, map[string]string{"source": "survey", "building": "yes"}) {
		t.Errorf("got %v, want {source: survey, building: yes} -- only \"type\" should be dropped from the emitted tags", got)
	}
}

func TestSelectRelationAreaTagsFallsBackToSingleOuterWay(t *testing.T) {
	rel := &Relation{Tags: map[string]string{"type": "multipolygon"}}
	outer := &Way{ID: 1, Tags: map[string]string{"natural": "water"}}
	got := selectRelationAreaTags(rel, []*Way{outer})
	if !tagsEqual(got, map[string]string{"natural": "water"}) {
		t.Errorf("got %v, want {natural: water}", got)
	}
}

func TestSelectRelationAreaTagsFallsBackToCommonTags(t *testing.T) {
	rel := &Relation{Tags: map[string]string{"type": "multipolygon"}}
	a := &Way{ID: 1, Tags: map[string]string{"natural": "water", "name": "Pond"}}
	b := &Way{ID: 2, Tags: map[string]string{"natural": "water"}}
	got := selectRelationAreaTags(rel, []*Way{a, b})
	if !tagsEqual(got, map[string]string{"natural": "water"}) {
		t.Errorf("got %v, want {natural: water}", got)
	}
}

func TestTagsEqual(t *testing.T) {
	a := map[string]string{"a": "1", "b": "2"}
	b := map[string]string{"b": "2", "a": "1"}
	c := map[string]string{"a": "1"}

	if !tagsEqual(a, b) {
		t.Errorf("expected equal maps with same entries in different order to be equal")
	}
	if tagsEqual(a, c) {
		t.Errorf("expected maps of different size to not be equal")
	}
}
