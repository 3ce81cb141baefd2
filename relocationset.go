package zfrag

// CandidatePage pairs a source page selected for relocation with the
// LiveMap describing which of its words are live (spec.md §4.5's
// input to population). A relocation-set build starts from a list of
// these, split into the two groups described below.
type CandidatePage struct {
	Page    *Page
	LiveMap *LiveMap
}

// RelocationSet holds the Fragments built for one relocation pass and
// the tasks ready to hand to a Relocator (spec.md §2's end-to-end
// pipeline: select pages, populate, insert, relocate). Grounded on the
// original relocation-set populator, which treats medium ("group0")
// and small ("group1") source pages differently when choosing
// destination pages: group0 pages each get an independent destination
// page sized to match, while group1 pages are packed several to a
// destination page by chaining the bump pointer across Fragments.
type RelocationSet struct {
	populator *Populator
	table     *FragmentTable

	fragments []*Fragment
	tasks     []RelocationTask
}

// NewRelocationSet creates a RelocationSet that populates Fragments
// with populator and publishes them into table.
func NewRelocationSet(populator *Populator, table *FragmentTable) *RelocationSet {
	return &RelocationSet{populator: populator, table: table}
}

// Fragments returns every Fragment built by the last Populate call.
func (rs *RelocationSet) Fragments() []*Fragment { return rs.fragments }

// Tasks returns the RelocationTasks built by the last Populate call,
// ready to be handed to a Relocator.
func (rs *RelocationSet) Tasks() []RelocationTask { return rs.tasks }

// Populate builds one Fragment per candidate page across both groups,
// populates each, and publishes every non-pinned Fragment into the
// FragmentTable. group0 is the medium-page candidates; group1 is the
// small-page candidates. alignShift is the object alignment shift to
// use for the newly allocated destination pages.
//
// Before allocating any destination page, Populate checks a
// worst-case capacity estimate — the sum of every candidate page's
// size, scaled by the allocator's Config.DestinationReservationFactor
// — against the allocator's remaining offset space (spec.md §7
// option (a), pre-reservation) and fails with ErrDestinationExhausted
// rather than populating some Fragments and leaving others stranded
// mid-pass. A page that individually cannot secure even its first
// destination allocation (despite the aggregate check passing, e.g.
// under external fragmentation of the offset space) is pinned in place
// rather than aborting the whole pass (spec.md §7 option (b)).
func (rs *RelocationSet) Populate(group0, group1 []CandidatePage, alignShift uint32) error {
	var worstCase uint64
	for _, c := range group0 {
		worstCase += c.Page.Size()
	}
	for _, c := range group1 {
		worstCase += c.Page.Size()
	}
	worstCase = uint64(float64(worstCase) * rs.populator.Allocator().cfg.DestinationReservationFactor)
	if worstCase > rs.populator.Allocator().RemainingOffsetSpace() {
		return NewError(ErrDestinationExhausted)
	}

	rs.fragments = make([]*Fragment, 0, len(group0)+len(group1))
	rs.tasks = make([]RelocationTask, 0, len(group0)+len(group1))

	// Group 0 (medium pages): each Fragment gets its own independent
	// destination page, matching the original's "simply for now, to
	// simplify allocation for medium pages" policy.
	for _, c := range group0 {
		old := c.Page
		f := CreateFragment(old, old.Start(), old.Size(), alignShift)
		if err := rs.populator.Populate(f, c.LiveMap, old.Class(), alignShift); err != nil {
			return err
		}
		rs.adopt(f, c.LiveMap)
	}

	// Group 1 (small pages): destination pages are chained across
	// consecutive Fragments so several old pages' live objects can
	// share one destination page.
	var carry *Page
	var carryTop uint64
	for _, c := range group1 {
		old := c.Page
		f := CreateFragment(old, old.Start(), old.Size(), alignShift)
		nextCarry, nextTop, err := rs.populator.PopulateChained(f, c.LiveMap, old.Class(), alignShift, carry, carryTop)
		if err != nil {
			return err
		}
		carry, carryTop = nextCarry, nextTop
		rs.adopt(f, c.LiveMap)
	}

	return nil
}

// adopt records a populated Fragment: non-pinned Fragments are
// published into the FragmentTable and scheduled for relocation;
// pinned Fragments are tracked but never inserted, since a pinned
// Fragment's objects are never forwarded through table lookups
// (spec.md §7 option (b): in-place relocation bypasses the table
// entirely, as ToOffset is the identity function for a pinned
// Fragment).
func (rs *RelocationSet) adopt(f *Fragment, liveMap *LiveMap) {
	rs.fragments = append(rs.fragments, f)
	if f.Pinned() {
		log.WithField("fragment", f.OldStart()).Warn("fragment pinned in place: destination allocation failed")
		return
	}
	rs.table.Insert(f)
	rs.tasks = append(rs.tasks, RelocationTask{Fragment: f, LiveMap: liveMap})
}
