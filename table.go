package iomux

// handle locates a record in a table. It packs the slot index (low 32 bits)
// and the slot generation (high 32 bits), and is the value the kernel stores
// as per-registration user data.
type handle uint64

func makeHandle(index, generation uint32) handle {
	return handle(uint64(generation)<<32 | uint64(index))
}

func (h handle) index() uint32 { return uint32(h) }

func (h handle) generation() uint32 { return uint32(h >> 32) }

// record is the interest record for one registered descriptor.
type record struct {
	callback Callback
	param    any
	fd       int
	mask     Events
	gen      uint32
	live     bool
}

// table is the registration table: an arena of records, indexed by
// descriptor. Slots are reused via a free list, and every removal bumps the
// slot's generation, so a handle to a removed record never resolves, even
// after the slot is reused. Handles stay valid as the arena grows.
//
// Pointers returned by lookup and resolve are valid until the next insert.
type table struct {
	byFD  map[int]uint32
	slots []record
	free  []uint32
}

func newTable() *table {
	return &table{byFD: make(map[int]uint32)}
}

func (x *table) len() int { return len(x.byFD) }

// insert adds a record for fd, returning false if fd is already present.
func (x *table) insert(fd int, mask Events, callback Callback, param any) (handle, bool) {
	if _, ok := x.byFD[fd]; ok {
		return 0, false
	}
	var idx uint32
	if n := len(x.free); n != 0 {
		idx = x.free[n-1]
		x.free = x.free[:n-1]
	} else {
		idx = uint32(len(x.slots))
		x.slots = append(x.slots, record{})
	}
	slot := &x.slots[idx]
	slot.callback = callback
	slot.param = param
	slot.fd = fd
	slot.mask = mask
	slot.live = true
	x.byFD[fd] = idx
	return makeHandle(idx, slot.gen), true
}

func (x *table) lookup(fd int) (*record, handle, bool) {
	idx, ok := x.byFD[fd]
	if !ok {
		return nil, 0, false
	}
	slot := &x.slots[idx]
	return slot, makeHandle(idx, slot.gen), true
}

// resolve maps a handle back to its record, failing if the record was
// removed since the handle was issued.
func (x *table) resolve(h handle) (*record, bool) {
	idx := h.index()
	if uint64(idx) >= uint64(len(x.slots)) {
		return nil, false
	}
	slot := &x.slots[idx]
	if !slot.live || slot.gen != h.generation() {
		return nil, false
	}
	return slot, true
}

// remove deletes the record for fd, returning a copy of it.
func (x *table) remove(fd int) (record, bool) {
	idx, ok := x.byFD[fd]
	if !ok {
		return record{}, false
	}
	delete(x.byFD, fd)
	slot := &x.slots[idx]
	removed := *slot
	*slot = record{gen: slot.gen + 1}
	x.free = append(x.free, idx)
	return removed, true
}

// reset removes every record.
func (x *table) reset() {
	for fd := range x.byFD {
		x.remove(fd)
	}
}
