package object

// List is the engine's global object list: a stable-index arena plus the
// order slice that gives the global search order.
// The head is always index 0 of Order (the application record); the tail is
// the last element. A List is not safe for concurrent mutation — nothing in
// this engine's bootstrap phase has a concurrent caller.
type List struct {
	records []*Record
	Order   []int // indices into records, in insertion/search order

	byName   map[string]int // name -> index into records, for the locator's name cache
	byDevIno map[DevIno]int
}

// NewList returns an empty list.
func NewList() *List {
	return &List{
		byName:   make(map[string]int),
		byDevIno: make(map[DevIno]int),
	}
}

// Append inserts r at the tail exactly once and
// returns its stable index.
func (l *List) Append(r *Record) int {
	id := len(l.records)
	r.ID = id
	r.state = Listed
	l.records = append(l.records, r)
	l.Order = append(l.Order, id)
	if r.Name != "" {
		l.byName[r.Name] = id
	}
	if r.DevIno != (DevIno{}) {
		l.byDevIno[r.DevIno] = id
	}
	return id
}

// Len returns the number of records currently in the list. The dependency
// walker re-reads this on every step of its loop so records appended mid-walk
// are naturally visited.
func (l *List) Len() int { return len(l.Order) }

// At returns the record at search-order position i.
func (l *List) At(i int) *Record { return l.records[l.Order[i]] }

// Get returns the record with stable index id (not a search-order
// position), for code that already knows a record's identity.
func (l *List) Get(id int) *Record { return l.records[id] }

// Head returns the first record in search order (the application), or nil
// if the list is empty.
func (l *List) Head() *Record {
	if l.Len() == 0 {
		return nil
	}
	return l.At(0)
}

// Tail returns the last record in search order, or nil if the list is empty.
func (l *List) Tail() *Record {
	if l.Len() == 0 {
		return nil
	}
	return l.At(l.Len() - 1)
}

// ByName implements the locator's name cache: a linear
// scan "from the record after the head" in the source, here an O(1) map
// lookup that excludes the head the same way — the application itself is
// never a valid answer to "is this library already loaded."
func (l *List) ByName(name string) (*Record, bool) {
	id, ok := l.byName[name]
	if !ok || id == l.Order[0] {
		return nil, false
	}
	return l.records[id], true
}

// ByDevIno implements the locator's inode cache.
func (l *List) ByDevIno(di DevIno) (*Record, bool) {
	id, ok := l.byDevIno[di]
	if !ok {
		return nil, false
	}
	return l.records[id], true
}

// IndexOf returns the search-order position of r, or -1 if r is not a member
// of this list. Used by the global resolver's copy-relocation rule, which
// must start its search at "the record after the requesting record."
func (l *List) IndexOf(r *Record) int {
	for i, id := range l.Order {
		if l.records[id] == r {
			return i
		}
	}
	return -1
}
