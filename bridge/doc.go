// Package bridge runs WebAssembly guests built with GOOS=js GOARCH=wasm
// against a Go host object model.
//
// # Overview
//
// A js/wasm guest expects a JavaScript host: it reads and writes properties
// of host objects, calls host functions, and receives callbacks. The bridge
// plays that host. Host values are interned in a [Registry] and cross the
// boundary as 8-byte NaN-boxed references (see [Codec]); the guest's
// syscall/js and runtime imports are served by the "gojs" host module
// ([Instantiate]).
//
// # Basic Usage
//
//	rt := wazero.NewRuntime(ctx)
//	bridge.Instantiate(ctx, rt)
//
//	b := bridge.New(bridge.WithArgs("prog"), bridge.WithStdout(os.Stdout))
//	ctx = bridge.WithContext(ctx, b)
//	mod, _ := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
//	guest, _ := bridge.NewModuleGuest(mod)
//	code, err := b.Run(ctx, guest)
//
// # Host Values
//
// Objects reachable from the guest implement [Dynamic]; functions implement
// [Callable] and constructors [Constructor]. [Object], [Array],
// [Uint8Array], [Func] and [Error] cover the common cases, [ValueOf] converts
// plain Go data, and [Export] converts back.
//
// # Scheduling
//
// The guest only ever runs on the bridge's event loop. Timer fires and host
// calls into guest functions ([Bridge.Invoke], [Bridge.CallGlobal]) are
// queued to that loop, so host and guest never execute concurrently.
package bridge
