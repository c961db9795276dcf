package bridge

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Memory is the guest's linear memory. wazero's api.Memory satisfies it.
type Memory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
}

// View is a typed little-endian accessor over guest memory.
//
// A View must not be kept across anything that can grow guest memory or
// re-enter the guest: the buffer behind it may be reallocated. Bridge code
// takes a fresh View from Bridge.mem after every such call.
type View struct {
	mem Memory
}

// NewView returns a View over mem.
func NewView(mem Memory) View {
	return View{mem: mem}
}

// Size returns the current size of guest memory in bytes.
func (v View) Size() uint32 {
	return v.mem.Size()
}

func (v View) bytes(offset, n uint32) []byte {
	b, ok := v.mem.Read(offset, n)
	if !ok {
		panic(violation("memory", 0, fmt.Errorf("%w: offset %d, length %d, size %d",
			ErrOutOfRange, offset, n, v.mem.Size())))
	}
	return b
}

// Uint8 reads the byte at offset.
func (v View) Uint8(offset uint32) uint8 {
	return v.bytes(offset, 1)[0]
}

// SetUint8 writes the byte at offset.
func (v View) SetUint8(offset uint32, x uint8) {
	v.bytes(offset, 1)[0] = x
}

// Uint16 reads a little-endian uint16 at offset.
func (v View) Uint16(offset uint32) uint16 {
	return binary.LittleEndian.Uint16(v.bytes(offset, 2))
}

// SetUint16 writes a little-endian uint16 at offset.
func (v View) SetUint16(offset uint32, x uint16) {
	binary.LittleEndian.PutUint16(v.bytes(offset, 2), x)
}

// Uint32 reads a little-endian uint32 at offset.
func (v View) Uint32(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(v.bytes(offset, 4))
}

// SetUint32 writes a little-endian uint32 at offset.
func (v View) SetUint32(offset uint32, x uint32) {
	binary.LittleEndian.PutUint32(v.bytes(offset, 4), x)
}

// Int32 reads a little-endian int32 at offset.
func (v View) Int32(offset uint32) int32 {
	return int32(v.Uint32(offset))
}

// SetInt32 writes a little-endian int32 at offset.
func (v View) SetInt32(offset uint32, x int32) {
	v.SetUint32(offset, uint32(x))
}

// Uint64 reads a little-endian uint64 at offset.
func (v View) Uint64(offset uint32) uint64 {
	return binary.LittleEndian.Uint64(v.bytes(offset, 8))
}

// SetUint64 writes a little-endian uint64 at offset.
func (v View) SetUint64(offset uint32, x uint64) {
	binary.LittleEndian.PutUint64(v.bytes(offset, 8), x)
}

// Int64 reads a little-endian int64 at offset.
func (v View) Int64(offset uint32) int64 {
	return int64(v.Uint64(offset))
}

// SetInt64 writes a little-endian int64 at offset.
func (v View) SetInt64(offset uint32, x int64) {
	v.SetUint64(offset, uint64(x))
}

// Float64 reads a little-endian float64 at offset.
func (v View) Float64(offset uint32) float64 {
	return math.Float64frombits(v.Uint64(offset))
}

// SetFloat64 writes a little-endian float64 at offset.
func (v View) SetFloat64(offset uint32, x float64) {
	v.SetUint64(offset, math.Float64bits(x))
}

// Slice returns n bytes at offset without copying.
func (v View) Slice(offset, n uint32) []byte {
	return v.bytes(offset, n)
}

// SliceAt reads a (pointer, length) pair stored at addr and returns the
// guest bytes it describes.
func (v View) SliceAt(addr uint32) []byte {
	ptr := v.Uint64(addr)
	n := v.Uint64(addr + 8)
	if ptr > math.MaxUint32 || n > math.MaxUint32 {
		panic(violation("memory", 0, fmt.Errorf("%w: slice %#x+%d", ErrOutOfRange, ptr, n)))
	}
	return v.bytes(uint32(ptr), uint32(n))
}
