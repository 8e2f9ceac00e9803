package area

// Ring is the emitted, read-only node sequence for one ring: the outer
// ring's own boundary, or one of its inner rings' boundaries.
type Ring struct {
	Nodes []NodeRef
}

// OuterRing is an emitted outer ring plus the inner rings (holes) nested
// inside it, in attachment order.
type OuterRing struct {
	Ring
	Inners []Ring
}

// Area is the assembled output object: the source object's attributes
// (transformed id, version, changeset, etc., copied by the caller before
// emission), a tag set, and zero or more outer rings.
//
// Area is a deliberately minimal stand-in for the real append-only
// buffer/builder machinery, which is an external collaborator out of
// scope for this package (spec §1). It carries exactly what spec §3 and
// §4.10 describe: object attributes, tags, and an outer-ring sequence each
// followed by its inner rings.
type Area struct {
	ID        int64
	Version   int32
	Changeset int64
	UID       int32
	User      string
	Visible   bool

	Tags   map[string]string
	Outers []OuterRing
}

// Valid reports whether the area has at least one ring. An Area with no
// rings is defined as invalid (spec §4.10) -- the shell committed before
// stage2 runs always has zero rings.
func (a *Area) Valid() bool {
	return len(a.Outers) > 0
}

// Buffer is the caller-owned output sink the Assembler appends completed
// (or, on failure, empty-shell) Areas into. A real implementation would be
// the append-only memory-pool buffer used by the rest of the pipeline;
// here it is a plain slice, committed in two phases exactly as spec
// §4.10 describes: the shell is appended and "committed" before stage2
// runs, and on success the same Area is mutated in place with rings and
// tags and logically re-committed.
type Buffer struct {
	Areas []*Area
}

// NewBuffer returns an empty output buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// commitShell appends an empty (ringless) Area to the buffer and returns a
// pointer to it so the caller can fill in rings and tags in place once
// stage2 succeeds.
func (b *Buffer) commitShell(a *Area) *Area {
	b.Areas = append(b.Areas, a)
	return a
}
