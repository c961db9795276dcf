package executor

import (
	"encoding/binary"
	"math"

	"github.com/caffeineduck/gobridge/bridge"
)

// A tiny assembler for hand-written guests. The modules speak the same
// import ABI as a GOOS=js program: every import takes the stack pointer,
// and arguments live at fixed offsets from it.

const (
	typeSP    byte = iota // (i32) -> ()
	typeRun               // (i32, i32) -> ()
	typeVoid              // () -> ()
	typeGetSP             // () -> i32
)

const (
	guestSP = 1024

	globalRef int64 = 0x7FF8000100000005
	selfRef   int64 = 0x7FF8000100000006
	nullRef   int64 = 0x7FF8000000000002
)

var testImports = []string{
	"runtime.wasmExit",
	"runtime.wasmWrite",
	"syscall/js.valueGet",
	"syscall/js.valueSet",
	"syscall/js.valueCall",
	"runtime.scheduleTimeoutEvent",
	"runtime.clearTimeoutEvent",
}

type guestFunc struct {
	name string
	typ  byte
	code []byte
}

type dataSegment struct {
	offset uint32
	data   string
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func ins(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func wasmName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	return ins(append([][]byte{uleb(uint64(len(items)))}, items...)...)
}

func section(id byte, content []byte) []byte {
	return ins([]byte{id}, uleb(uint64(len(content))), content)
}

func i32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }
func i64Const(v int64) []byte { return append([]byte{0x42}, sleb(v)...) }

func f64Const(v float64) []byte {
	return binary.LittleEndian.AppendUint64([]byte{0x44}, math.Float64bits(v))
}

func storeI32(addr uint32, v int32) []byte {
	return ins(i32Const(int32(addr)), i32Const(v), []byte{0x36, 0x02, 0x00})
}

func storeI64(addr uint32, v int64) []byte {
	return ins(i32Const(int32(addr)), i64Const(v), []byte{0x37, 0x03, 0x00})
}

func storeF64(addr uint32, v float64) []byte {
	return ins(i32Const(int32(addr)), f64Const(v), []byte{0x39, 0x03, 0x00})
}

// copyI64 copies the 8 bytes at src to dst.
func copyI64(dst, src uint32) []byte {
	return ins(i32Const(int32(dst)), i32Const(int32(src)), []byte{0x29, 0x03, 0x00, 0x37, 0x03, 0x00})
}

// loadI32 pushes the 4 bytes at addr.
func loadI32(addr uint32) []byte {
	return ins(i32Const(int32(addr)), []byte{0x28, 0x02, 0x00})
}

// ifElse runs then when the i32 on the stack is nonzero, otherwise els.
func ifElse(then, els []byte) []byte {
	return ins([]byte{0x04, 0x40}, then, []byte{0x05}, els, []byte{0x0b})
}

// storeString writes a (pointer, length) string header at addr.
func storeString(addr, ptr uint32, n int) []byte {
	return ins(storeI64(addr, int64(ptr)), storeI64(addr+8, int64(n)))
}

// callImport calls the named import with the guest stack pointer.
func callImport(name string) []byte {
	for i, imp := range testImports {
		if imp == name {
			return ins(i32Const(guestSP), []byte{0x10}, uleb(uint64(i)))
		}
	}
	panic("unknown import " + name)
}

// infiniteLoop is loop { br 0 }.
var infiniteLoop = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}

func assemble(funcs []guestFunc, data []dataSegment) []byte {
	types := section(1, vec(
		[]byte{0x60, 1, 0x7f, 0},
		[]byte{0x60, 2, 0x7f, 0x7f, 0},
		[]byte{0x60, 0, 0},
		[]byte{0x60, 0, 1, 0x7f},
	))

	var imports [][]byte
	for _, name := range testImports {
		imports = append(imports, ins(wasmName(bridge.ModuleName), wasmName(name), []byte{0x00, typeSP}))
	}

	var decls, exports, bodies [][]byte
	for i, f := range funcs {
		decls = append(decls, []byte{f.typ})
		exports = append(exports, ins(wasmName(f.name), []byte{0x00}, uleb(uint64(len(testImports)+i))))
		body := ins([]byte{0x00}, f.code, []byte{0x0b})
		bodies = append(bodies, ins(uleb(uint64(len(body))), body))
	}
	exports = append(exports, ins(wasmName("mem"), []byte{0x02, 0x00}))

	var segments [][]byte
	for _, d := range data {
		segments = append(segments, ins([]byte{0x00}, i32Const(int32(d.offset)), []byte{0x0b}, wasmName(d.data)))
	}

	return ins(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		types,
		section(2, vec(imports...)),
		section(3, vec(decls...)),
		section(5, vec([]byte{0x00, 0x01})),
		section(7, vec(exports...)),
		section(10, vec(bodies...)),
		section(11, vec(segments...)),
	)
}

// guestModule assembles a module exporting run, resume and getsp.
func guestModule(run, resume []byte, data ...dataSegment) []byte {
	return assemble([]guestFunc{
		{name: "run", typ: typeRun, code: run},
		{name: "resume", typ: typeVoid, code: resume},
		{name: "getsp", typ: typeGetSP, code: i32Const(guestSP)},
	}, data)
}

func exitCode(code int32) []byte {
	return ins(storeI32(guestSP+8, code), callImport("runtime.wasmExit"))
}

// exitProgram exits with code as soon as it runs.
func exitProgram(code int32) []byte {
	return guestModule(exitCode(code), nil)
}

// printProgram writes msg to stdout through the runtime's write import,
// then exits with code.
func printProgram(msg string, code int32) []byte {
	const msgAddr = 2048
	return guestModule(ins(
		storeI64(guestSP+8, 1),
		storeI64(guestSP+16, msgAddr),
		storeI32(guestSP+24, int32(len(msg))),
		callImport("runtime.wasmWrite"),
		exitCode(code),
	), nil, dataSegment{offset: msgAddr, data: msg})
}

// idleProgram returns from run without exiting or scheduling anything.
func idleProgram() []byte {
	return guestModule(nil, nil)
}

// spinProgram never returns from run.
func spinProgram() []byte {
	return guestModule(infiniteLoop, nil)
}

const (
	wrapperNameAddr = 2048
	answerAddr      = 2080
	pendingAddr     = 2096
	resultAddr      = 2112
	argsAddr        = 2128
	eventAddr       = 3000
	flagAddr        = 3016
	timerAddr       = 3024
)

// exportAnswer asks the host for a wrapper around guest function 1 and
// stores it on the global object as "answer", the way js.FuncOf does.
func exportAnswer() []byte {
	return ins(
		storeI64(guestSP+8, selfRef),
		storeString(guestSP+16, wrapperNameAddr, len("_makeFuncWrapper")),
		storeI64(guestSP+32, argsAddr),
		storeI64(guestSP+40, 1),
		storeI64(guestSP+48, 1),
		storeF64(argsAddr, 1),
		callImport("syscall/js.valueCall"),

		storeI64(guestSP+8, globalRef),
		storeString(guestSP+16, answerAddr, len("answer")),
		copyI64(guestSP+32, guestSP+56),
		callImport("syscall/js.valueSet"),
	)
}

// answerEvent takes the pending event and sets its result to 42.
func answerEvent() []byte {
	return ins(
		storeI64(guestSP+8, selfRef),
		storeString(guestSP+16, pendingAddr, len("_pendingEvent")),
		callImport("syscall/js.valueGet"),
		copyI64(eventAddr, guestSP+32),

		storeI64(guestSP+32, nullRef),
		callImport("syscall/js.valueSet"),

		copyI64(guestSP+8, eventAddr),
		storeString(guestSP+16, resultAddr, len("result")),
		storeF64(guestSP+32, 42),
		callImport("syscall/js.valueSet"),
	)
}

var answerData = []dataSegment{
	{offset: wrapperNameAddr, data: "_makeFuncWrapper"},
	{offset: answerAddr, data: "answer"},
	{offset: pendingAddr, data: "_pendingEvent"},
	{offset: resultAddr, data: "result"},
}

// answerProgram exports a function "answer" that returns 42. With spin
// set, resume never returns instead.
func answerProgram(spin bool) []byte {
	resume := answerEvent()
	if spin {
		resume = infiniteLoop
	}
	return guestModule(exportAnswer(), resume, answerData...)
}

// sleepyAnswerProgram sleeps for delayMs before exporting "answer": run
// schedules a timeout event, and the first resume clears it and exports
// the function. Later resumes answer calls.
func sleepyAnswerProgram(delayMs int64) []byte {
	run := ins(
		storeI64(guestSP+8, delayMs),
		callImport("runtime.scheduleTimeoutEvent"),
		copyI64(timerAddr, guestSP+16),
	)
	resume := ifElse(
		answerEvent(),
		ins(
			storeI32(flagAddr, 1),
			copyI64(guestSP+8, timerAddr),
			callImport("runtime.clearTimeoutEvent"),
			exportAnswer(),
		),
	)
	return guestModule(run, ins(loadI32(flagAddr), resume), answerData...)
}
