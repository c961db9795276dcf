package bridge

import (
	"fmt"
	"math"
)

// Pre-registered reference ids. They are valid for the whole run and are
// never evicted.
const (
	idNaN uint32 = iota
	idZero
	idNull
	idTrue
	idFalse
	idGlobal
	idSelf
	numPredefined
)

const pinnedRefs = math.MaxInt64

// Registry maps host values to reference ids and back. Each id carries the
// number of guest-side references to it; ids whose count drops to zero go
// to a free pool and are reused by later interning.
//
// A Registry is owned by one bridge and is only touched from its event loop.
type Registry struct {
	values []any
	refs   []int64
	ids    map[any]uint32
	pool   []uint32
}

// NewRegistry returns a registry holding the pre-registered constants, with
// global and self in the global-object and bridge-self slots.
func NewRegistry(global, self any) *Registry {
	r := &Registry{
		values: []any{math.NaN(), float64(0), Null, true, false, global, self},
		refs:   make([]int64, numPredefined),
		ids: map[any]uint32{
			float64(0): idZero,
			Null:       idNull,
			true:       idTrue,
			false:      idFalse,
			global:     idGlobal,
			self:       idSelf,
		},
	}
	for i := range r.refs {
		r.refs[i] = pinnedRefs
	}
	return r
}

// Intern returns the id for v, allocating one if v is not mapped yet, and
// counts one more guest reference to it.
func (r *Registry) Intern(v any) uint32 {
	if id, ok := r.ids[v]; ok {
		if r.refs[id] != pinnedRefs {
			r.refs[id]++
		}
		return id
	}

	var id uint32
	if n := len(r.pool); n > 0 {
		id = r.pool[n-1]
		r.pool = r.pool[:n-1]
		r.values[id] = v
		r.refs[id] = 1
	} else {
		id = uint32(len(r.values))
		r.values = append(r.values, v)
		r.refs = append(r.refs, 1)
	}
	r.ids[v] = id
	return id
}

// Release drops count guest references to id. When none remain the value is
// unmapped and the id returns to the pool. Releasing an unmapped id or more
// references than are held is a protocol violation. Releases of the
// pre-registered constants are ignored.
func (r *Registry) Release(id uint32, count int64) error {
	if int(id) >= len(r.values) || r.refs[id] <= 0 {
		return violation("release", id, ErrUnmappedRef)
	}
	if r.refs[id] == pinnedRefs {
		return nil
	}
	if count > r.refs[id] {
		return violation("release", id, fmt.Errorf("%w: releasing %d of %d", ErrRefUnderflow, count, r.refs[id]))
	}

	r.refs[id] -= count
	if r.refs[id] == 0 {
		delete(r.ids, r.values[id])
		r.values[id] = nil
		r.pool = append(r.pool, id)
	}
	return nil
}

// Lookup returns the value mapped to id.
func (r *Registry) Lookup(id uint32) (any, error) {
	if int(id) >= len(r.values) || r.refs[id] <= 0 {
		return nil, violation("lookup", id, ErrUnmappedRef)
	}
	return r.values[id], nil
}

// RefCount returns the number of guest references held to id, or 0 when
// id is unmapped. Constants report math.MaxInt64.
func (r *Registry) RefCount(id uint32) int64 {
	if int(id) >= len(r.refs) {
		return 0
	}
	return r.refs[id]
}

// Live returns the number of mapped values excluding the constants.
func (r *Registry) Live() int {
	n := len(r.ids) - int(numPredefined) + 1 // NaN is never in ids
	if n < 0 {
		return 0
	}
	return n
}

// RegistrySizes reports the sizes of the registry's four tables.
type RegistrySizes struct {
	Values  int
	Refs    int
	IDs     int
	FreeIDs int
}

func (r *Registry) Sizes() RegistrySizes {
	return RegistrySizes{
		Values:  len(r.values),
		Refs:    len(r.refs),
		IDs:     len(r.ids),
		FreeIDs: len(r.pool),
	}
}

// Clear drops every table, constants included.
func (r *Registry) Clear() {
	r.values = nil
	r.refs = nil
	r.ids = make(map[any]uint32)
	r.pool = nil
}
