package pagesync

// TombstoneSet records page ids known to be deleted. Ids are kept in insertion
// order; with a positive bound the oldest ids are forgotten first.
type TombstoneSet struct {
	max   int
	order []string
	ids   map[string]struct{}
}

func NewTombstoneSet(max int) *TombstoneSet {
	if max < 0 {
		max = 0
	}
	return &TombstoneSet{max: max, ids: map[string]struct{}{}}
}

func (t *TombstoneSet) Add(id string) {
	if id == "" {
		return
	}
	if _, ok := t.ids[id]; ok {
		return
	}
	t.ids[id] = struct{}{}
	t.order = append(t.order, id)
	if t.max > 0 && len(t.order) > t.max {
		evicted := t.order[0]
		t.order = t.order[1:]
		delete(t.ids, evicted)
	}
}

func (t *TombstoneSet) Has(id string) bool {
	_, ok := t.ids[id]
	return ok
}

func (t *TombstoneSet) Len() int {
	return len(t.order)
}

func (t *TombstoneSet) List() []string {
	return append([]string{}, t.order...)
}

func (t *TombstoneSet) reset(ids []string) {
	t.order = nil
	t.ids = map[string]struct{}{}
	for _, id := range ids {
		t.Add(id)
	}
}
