package bridge

import (
	"math"
	"strings"
	"unicode/utf8"
)

// nanHead is the high word of the quiet NaN used to box references.
const nanHead = 0x7FF80000

// Type flags stored in the low bits of the high word of a boxed reference.
const (
	typeFlagNone     uint32 = 0
	typeFlagObject   uint32 = 1
	typeFlagString   uint32 = 2
	typeFlagSymbol   uint32 = 3
	typeFlagFunction uint32 = 4
)

func makeRef(id, flag uint32) uint64 {
	return uint64(nanHead|flag)<<32 | uint64(id)
}

// parseRef splits a boxed reference. ok is false when bits is not a boxed
// reference.
func parseRef(bits uint64) (id, flag uint32, ok bool) {
	hi := uint32(bits >> 32)
	if hi&nanHead != nanHead {
		return 0, 0, false
	}
	return uint32(bits), hi & 7, true
}

// Codec converts between host values and their 8-byte wire form.
//
// Non-zero finite numbers travel as their IEEE 754 bits. An all-zero slot
// is undefined. Everything else is a quiet NaN whose high word carries a
// type flag and whose low word is a reference id; zero, NaN, null, true and
// false use their pre-registered ids.
type Codec struct {
	reg *Registry
}

// NewCodec returns a codec interning through reg.
func NewCodec(reg *Registry) *Codec {
	return &Codec{reg: reg}
}

// Encode returns the wire form of v. Reference values are interned, which
// counts one guest reference to them.
func (c *Codec) Encode(v any) uint64 {
	switch x := v.(type) {
	case nil, undefinedValue:
		return 0
	case float64:
		if x == 0 {
			return makeRef(idZero, typeFlagNone)
		}
		if math.IsNaN(x) {
			return makeRef(idNaN, typeFlagNone)
		}
		return math.Float64bits(x)
	case nullValue:
		return makeRef(idNull, typeFlagNone)
	case bool:
		if x {
			return makeRef(idTrue, typeFlagNone)
		}
		return makeRef(idFalse, typeFlagNone)
	case string, *Symbol, Dynamic, Callable:
	default:
		v = ValueOf(v)
		if _, ok := v.(float64); ok {
			return c.Encode(v)
		}
	}
	return makeRef(c.reg.Intern(v), typeFlagOf(v))
}

// Decode returns the host value for the wire form bits.
func (c *Codec) Decode(bits uint64) (any, error) {
	f := math.Float64frombits(bits)
	if f == 0 {
		return Undefined, nil
	}
	if !math.IsNaN(f) {
		return f, nil
	}
	id, _, ok := parseRef(bits)
	if !ok {
		return math.NaN(), nil
	}
	return c.reg.Lookup(id)
}

func typeFlagOf(v any) uint32 {
	switch v.(type) {
	case string:
		return typeFlagString
	case *Symbol:
		return typeFlagSymbol
	case Callable:
		return typeFlagFunction
	case float64, bool, nullValue:
		return typeFlagNone
	}
	return typeFlagObject
}

// CopyDirection selects the direction of CopyBytes.
type CopyDirection int

const (
	// ToGuest copies from the host byte array into guest memory.
	ToGuest CopyDirection = iota
	// ToHost copies from guest memory into the host byte array.
	ToHost
)

// CopyBytes copies min(len(src), len(dst)) bytes between guest and host.
// ok is false, and nothing is copied, when host is not byte-array-like.
func CopyBytes(dir CopyDirection, guest []byte, host any) (n int, ok bool) {
	b, ok := host.(ByteArray)
	if !ok {
		return 0, false
	}
	if dir == ToGuest {
		return copy(guest, b.Bytes()), true
	}
	return copy(b.Bytes(), guest), true
}

// loadValue decodes the value stored at addr. Protocol violations panic.
func (b *Bridge) loadValue(view View, addr uint32) any {
	v, err := b.codec.Decode(view.Uint64(addr))
	if err != nil {
		panic(err)
	}
	return v
}

func (b *Bridge) storeValue(view View, addr uint32, v any) {
	view.SetUint64(addr, b.codec.Encode(v))
}

// loadString decodes the (pointer, length) string stored at addr as UTF-8.
func loadString(view View, addr uint32) string {
	return toUTF8(view.SliceAt(addr))
}

// toUTF8 returns b as a string with each byte that is not part of a valid
// UTF-8 sequence replaced by U+FFFD.
func toUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) + 8)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}

// loadValues decodes the slice of values whose (pointer, length) header is
// stored at addr.
func (b *Bridge) loadValues(view View, addr uint32) []any {
	ptr := view.Uint64(addr)
	n := view.Uint64(addr + 8)
	size := uint64(view.Size())
	if ptr > size || n > (size-ptr)/8 {
		panic(violation("loadValues", 0, ErrOutOfRange))
	}
	out := make([]any, n)
	for i := range out {
		out[i] = b.loadValue(view, uint32(ptr)+uint32(i)*8)
	}
	return out
}

// prepareString stages String(v) as UTF-8 bytes the guest can copy out once
// it has allocated a buffer of the returned length.
func prepareString(v any) (*Uint8Array, int) {
	data := []byte(toUTF8([]byte(ToString(v))))
	return Uint8ArrayOf(data), len(data)
}
