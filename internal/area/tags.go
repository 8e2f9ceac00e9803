package area

// excludedRelationKeys is the fixed set of administrative keys filtered
// out of a relation's own tags before deciding whether they describe the
// area (spec §4.8). It is an exclude-these-keep-the-rest filter, not a
// whitelist.
var excludedRelationKeys = map[string]struct{}{
	"type":         {},
	"created_by":   {},
	"source":       {},
	"note":         {},
	"test:id":      {},
	"test:section": {},
}

// typeOnlyExcludedKeys excludes just the "type" key, used for the relation
// tags actually emitted onto the area once excludedRelationKeys's broader
// filter has determined the relation carries a real tag.
var typeOnlyExcludedKeys = map[string]struct{}{
	"type": {},
}

// excludedWayKeys is the filter applied when comparing an inner way's own
// tags against the assembled area's tags during orphan-inner recovery
// (spec §4.9). It excludes the same administrative keys except "type",
// which ways never carry meaningfully.
var excludedWayKeys = map[string]struct{}{
	"created_by":   {},
	"source":       {},
	"note":         {},
	"test:id":      {},
	"test:section": {},
}

// filterTags returns a copy of tags with every key in excluded removed.
func filterTags(tags map[string]string, excluded map[string]struct{}) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if _, skip := excluded[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

// selectWayAreaTags implements spec §4.8's tag-selection policy for an area
// built from a single way: simply copy the way's tags.
func selectWayAreaTags(way *Way) map[string]string {
	out := make(map[string]string, len(way.Tags))
	for k, v := range way.Tags {
		out[k] = v
	}
	return out
}

// selectRelationAreaTags implements spec §4.8 for an area built from a
// relation: the relation's own tags (minus just "type") if, once the
// broader administrative-key set is filtered out, anything real remains;
// else the single outer way's tags; else the tags common to every
// distinct outer way. excludedRelationKeys is only a non-emptiness test --
// it is not the set actually dropped from the returned tags.
func selectRelationAreaTags(rel *Relation, outerWays []*Way) map[string]string {
	if len(filterTags(rel.Tags, excludedRelationKeys)) > 0 {
		return filterTags(rel.Tags, typeOnlyExcludedKeys)
	}

	if len(outerWays) == 1 {
		return selectWayAreaTags(outerWays[0])
	}

	return commonTags(outerWays)
}

// commonTags returns the tags present on every way in ways with an
// identical value, counted via a "key\x00value" multiset over the set of
// distinct ways (spec §4.8).
func commonTags(ways []*Way) map[string]string {
	counter := make(map[string]int)
	for _, way := range ways {
		for k, v := range way.Tags {
			counter[k+"\x00"+v]++
		}
	}

	out := make(map[string]string)
	n := len(ways)
	for kv, count := range counter {
		if count != n {
			continue
		}
		sep := -1
		for i := 0; i < len(kv); i++ {
			if kv[i] == 0 {
				sep = i
				break
			}
		}
		out[kv[:sep]] = kv[sep+1:]
	}
	return out
}

// tagsEqual reports whether two filtered tag sets are identical.
func tagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
