package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// ModuleName is the import module GOOS=js guests link against.
const ModuleName = "gojs"

type importFunc func(b *Bridge, ctx context.Context, sp uint32)

// guestImports are the host functions a GOOS=js guest imports. Each takes
// the guest stack pointer; arguments and results live at fixed offsets
// from it.
var guestImports = map[string]importFunc{
	"runtime.wasmExit":              (*Bridge).wasmExit,
	"runtime.wasmWrite":             (*Bridge).wasmWrite,
	"runtime.resetMemoryDataView":   (*Bridge).resetMemoryDataView,
	"runtime.nanotime1":             (*Bridge).nanotime1,
	"runtime.walltime":              (*Bridge).walltime,
	"runtime.scheduleTimeoutEvent":  (*Bridge).scheduleTimeoutEvent,
	"runtime.clearTimeoutEvent":     (*Bridge).clearTimeoutEvent,
	"runtime.getRandomData":         (*Bridge).getRandomData,
	"syscall/js.finalizeRef":        (*Bridge).finalizeRef,
	"syscall/js.stringVal":          (*Bridge).stringVal,
	"syscall/js.valueGet":           (*Bridge).valueGet,
	"syscall/js.valueSet":           (*Bridge).valueSet,
	"syscall/js.valueDelete":        (*Bridge).valueDelete,
	"syscall/js.valueIndex":         (*Bridge).valueIndex,
	"syscall/js.valueSetIndex":      (*Bridge).valueSetIndex,
	"syscall/js.valueCall":          (*Bridge).valueCall,
	"syscall/js.valueInvoke":        (*Bridge).valueInvoke,
	"syscall/js.valueNew":           (*Bridge).valueNew,
	"syscall/js.valueLength":        (*Bridge).valueLength,
	"syscall/js.valuePrepareString": (*Bridge).valuePrepareString,
	"syscall/js.valueLoadString":    (*Bridge).valueLoadString,
	"syscall/js.valueInstanceOf":    (*Bridge).valueInstanceOf,
	"syscall/js.copyBytesToGo":      (*Bridge).copyBytesToGo,
	"syscall/js.copyBytesToJS":      (*Bridge).copyBytesToJS,
	"debug":                         (*Bridge).debug,
}

// ImportNames returns the names of the functions the gojs module exports.
func ImportNames() []string {
	names := make([]string, 0, len(guestImports))
	for name := range guestImports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instantiate defines the gojs host module in r. One instance serves every
// guest in the runtime; each call finds its bridge through the context the
// guest was entered with (see WithContext).
func Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	builder := r.NewHostModuleBuilder(ModuleName)
	for _, name := range ImportNames() {
		name, fn := name, guestImports[name]
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
				b := FromContext(ctx)
				if b == nil {
					panic(fmt.Errorf("%s.%s: no bridge in context", ModuleName, name))
				}
				fn(b, ctx, api.DecodeU32(stack[0]))
			}), []api.ValueType{api.ValueTypeI32}, []api.ValueType{}).
			WithParameterNames("sp").
			Export(name)
	}
	return builder.Instantiate(ctx)
}

// func wasmExit(code int32)
func (b *Bridge) wasmExit(_ context.Context, sp uint32) {
	b.exit(b.mem().Int32(sp + 8))
}

// func wasmWrite(fd uintptr, p unsafe.Pointer, n int32)
func (b *Bridge) wasmWrite(_ context.Context, sp uint32) {
	view := b.mem()
	fd := view.Int64(sp + 8)
	p := view.Int64(sp + 16)
	n := view.Int32(sp + 24)
	b.writeFD(fd, view.Slice(uint32(p), uint32(n)))
}

func (b *Bridge) writeFD(fd int64, p []byte) (int, error) {
	var w io.Writer
	switch fd {
	case 1:
		w = b.cfg.stdout
	case 2:
		w = b.cfg.stderr
	default:
		b.log.Warn("write to unsupported descriptor", zap.Int64("fd", fd), zap.Int("len", len(p)))
		return 0, NewErrorCode("EBADF", "bad file descriptor")
	}
	n, err := w.Write(p)
	if err != nil {
		b.log.Warn("guest write failed", zap.Int64("fd", fd), zap.Error(err))
		return n, NewErrorCode("EIO", err.Error())
	}
	return n, nil
}

// func resetMemoryDataView()
func (b *Bridge) resetMemoryDataView(_ context.Context, _ uint32) {
	b.memResets++
}

// func nanotime1() int64
func (b *Bridge) nanotime1(_ context.Context, sp uint32) {
	b.mem().SetInt64(sp+8, b.cfg.clock.Nanotime())
}

// func walltime() (sec int64, nsec int32)
func (b *Bridge) walltime(_ context.Context, sp uint32) {
	sec, nsec := b.cfg.clock.Walltime()
	view := b.mem()
	view.SetInt64(sp+8, sec)
	view.SetInt32(sp+16, nsec)
}

// func scheduleTimeoutEvent(delay int64) int32
func (b *Bridge) scheduleTimeoutEvent(_ context.Context, sp uint32) {
	view := b.mem()
	delay := time.Duration(view.Int64(sp+8)) * time.Millisecond
	id := b.scheduleEvent(delay)
	view.SetInt32(sp+16, id)
}

// func clearTimeoutEvent(id int32)
func (b *Bridge) clearTimeoutEvent(_ context.Context, sp uint32) {
	b.cancel(b.mem().Int32(sp + 8))
}

// func getRandomData(r []byte)
func (b *Bridge) getRandomData(_ context.Context, sp uint32) {
	if _, err := io.ReadFull(b.cfg.rand, b.mem().SliceAt(sp+8)); err != nil {
		panic(fmt.Errorf("getRandomData: %w", err))
	}
}

// func finalizeRef(v ref)
func (b *Bridge) finalizeRef(_ context.Context, sp uint32) {
	if err := b.values.Release(b.mem().Uint32(sp+8), 1); err != nil {
		panic(err)
	}
}

// func stringVal(value string) ref
func (b *Bridge) stringVal(_ context.Context, sp uint32) {
	view := b.mem()
	b.storeValue(view, sp+24, loadString(view, sp+8))
}

// func valueGet(v ref, p string) ref
func (b *Bridge) valueGet(ctx context.Context, sp uint32) {
	view := b.mem()
	result := getProperty(b.loadValue(view, sp+8), loadString(view, sp+16))
	sp = b.refreshSP(ctx)
	b.storeValue(b.mem(), sp+32, result)
}

// func valueSet(v ref, p string, x ref)
func (b *Bridge) valueSet(_ context.Context, sp uint32) {
	view := b.mem()
	if d, ok := b.loadValue(view, sp+8).(Dynamic); ok {
		d.Set(loadString(view, sp+16), b.loadValue(view, sp+32))
	}
}

// func valueDelete(v ref, p string)
func (b *Bridge) valueDelete(_ context.Context, sp uint32) {
	view := b.mem()
	if d, ok := b.loadValue(view, sp+8).(Dynamic); ok {
		d.Delete(loadString(view, sp+16))
	}
}

// func valueIndex(v ref, i int) ref
func (b *Bridge) valueIndex(_ context.Context, sp uint32) {
	view := b.mem()
	var result any = Undefined
	if d, ok := b.loadValue(view, sp+8).(Dynamic); ok {
		result = d.Index(int(view.Int64(sp + 16)))
	}
	b.storeValue(view, sp+24, result)
}

// func valueSetIndex(v ref, i int, x ref)
func (b *Bridge) valueSetIndex(_ context.Context, sp uint32) {
	view := b.mem()
	if d, ok := b.loadValue(view, sp+8).(Dynamic); ok {
		d.SetIndex(int(view.Int64(sp+16)), b.loadValue(view, sp+24))
	}
}

// func valueCall(v ref, m string, args []ref) (ref, bool)
func (b *Bridge) valueCall(ctx context.Context, sp uint32) {
	view := b.mem()
	recv := b.loadValue(view, sp+8)
	name := loadString(view, sp+16)
	args := b.loadValues(view, sp+32)

	var result any
	var err error
	if m := getProperty(recv, name); isCallable(m) {
		result, err = b.apply(ctx, m, recv, args)
	} else {
		err = NewTypeError(fmt.Sprintf("%s.%s is not a function", typeName(recv), name))
	}
	b.storeResult(ctx, 56, result, err)
}

// func valueInvoke(v ref, args []ref) (ref, bool)
func (b *Bridge) valueInvoke(ctx context.Context, sp uint32) {
	view := b.mem()
	fn := b.loadValue(view, sp+8)
	args := b.loadValues(view, sp+16)
	result, err := b.apply(ctx, fn, Undefined, args)
	b.storeResult(ctx, 40, result, err)
}

// func valueNew(v ref, args []ref) (ref, bool)
func (b *Bridge) valueNew(ctx context.Context, sp uint32) {
	view := b.mem()
	ctor := b.loadValue(view, sp+8)
	args := b.loadValues(view, sp+16)
	result, err := b.construct(ctx, ctor, args)
	b.storeResult(ctx, 40, result, err)
}

// storeResult writes the (value, ok) pair of a fallible operation at
// offset off from the refreshed stack pointer. Nothing is written once the
// guest has exited during the call.
func (b *Bridge) storeResult(ctx context.Context, off uint32, result any, err error) {
	if b.exited.Load() {
		return
	}
	sp := b.refreshSP(ctx)
	view := b.mem()
	if err != nil {
		b.storeValue(view, sp+off, errorValue(err))
		view.SetUint8(sp+off+8, 0)
		return
	}
	b.storeValue(view, sp+off, result)
	view.SetUint8(sp+off+8, 1)
}

// func valueLength(v ref) int
func (b *Bridge) valueLength(_ context.Context, sp uint32) {
	view := b.mem()
	view.SetInt64(sp+16, int64(lengthOf(b.loadValue(view, sp+8))))
}

// func valuePrepareString(v ref) (ref, int)
func (b *Bridge) valuePrepareString(_ context.Context, sp uint32) {
	view := b.mem()
	str, n := prepareString(b.loadValue(view, sp+8))
	b.storeValue(view, sp+16, str)
	view.SetInt64(sp+24, int64(n))
}

// func valueLoadString(v ref, b []byte)
func (b *Bridge) valueLoadString(_ context.Context, sp uint32) {
	view := b.mem()
	src, ok := b.loadValue(view, sp+8).(ByteArray)
	if !ok {
		panic(violation("valueLoadString", 0, errors.New("value is not a prepared string")))
	}
	copy(view.SliceAt(sp+16), src.Bytes())
}

// func valueInstanceOf(v ref, t ref) bool
func (b *Bridge) valueInstanceOf(_ context.Context, sp uint32) {
	view := b.mem()
	var result uint8
	if instanceOf(b.loadValue(view, sp+8), b.loadValue(view, sp+16)) {
		result = 1
	}
	view.SetUint8(sp+24, result)
}

// func copyBytesToGo(dst []byte, src ref) (int, bool)
func (b *Bridge) copyBytesToGo(_ context.Context, sp uint32) {
	view := b.mem()
	dst := view.SliceAt(sp + 8)
	n, ok := CopyBytes(ToGuest, dst, b.loadValue(view, sp+32))
	storeCopyResult(view, sp, n, ok)
}

// func copyBytesToJS(dst ref, src []byte) (int, bool)
func (b *Bridge) copyBytesToJS(_ context.Context, sp uint32) {
	view := b.mem()
	dst := b.loadValue(view, sp+8)
	n, ok := CopyBytes(ToHost, view.SliceAt(sp+16), dst)
	storeCopyResult(view, sp, n, ok)
}

func storeCopyResult(view View, sp uint32, n int, ok bool) {
	view.SetInt64(sp+40, int64(n))
	if ok {
		view.SetUint8(sp+48, 1)
	} else {
		view.SetUint8(sp+48, 0)
	}
}

// debug receives a single value rather than a stack pointer.
func (b *Bridge) debug(_ context.Context, value uint32) {
	b.log.Debug("guest debug", zap.Uint32("value", value))
}

func getProperty(recv any, key string) any {
	switch x := recv.(type) {
	case Dynamic:
		return x.Get(key)
	case string:
		if key == "length" {
			return float64(utf16Len(x))
		}
	}
	return Undefined
}

func isCallable(v any) bool {
	_, ok := v.(Callable)
	return ok
}

func instanceOf(v, t any) bool {
	c, ok := t.(interface{ HasInstance(v any) bool })
	return ok && c.HasInstance(v)
}

func typeName(v any) string {
	switch v.(type) {
	case nil, undefinedValue:
		return "undefined"
	case nullValue:
		return "null"
	case *Func:
		return "function"
	case string:
		return "string"
	}
	return "object"
}
