// Package executor runs WebAssembly programs built with GOOS=js
// GOARCH=wasm in a wazero sandbox, with the bridge playing their
// JavaScript host.
//
// # Overview
//
// The executor manages compilation, caching, and execution. It supports
// both stateless runs (a program's main runs to exit) and sessions (a
// program parks after registering functions the host then calls).
//
// # Basic Usage
//
//	exec, err := executor.New(hostfunc.NewRegistry())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	prog, _ := executor.ProgramFromFile("hello.wasm")
//	result := exec.Run(ctx, prog, executor.WithArgs("-n", "3"))
//	fmt.Println(result.Output, result.ExitCode)
//
// # Sessions
//
// A session keeps the program alive so its exported functions can be
// called repeatedly:
//
//	session, err := exec.NewSession(ctx, prog)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	sum, err := session.Call(ctx, "add", 2, 3) // 5.0
//
// # Capabilities
//
// By default a program has no access to the filesystem, network, or other
// host resources. Enable capabilities explicitly:
//
//	result := exec.Run(ctx, prog,
//	    executor.WithAllowedHosts([]string{"api.example.com"}),
//	    executor.WithMount("/data", "./input", executor.MountReadOnly),
//	    executor.WithKV(),
//	)
//
// Mounts back the program's os package through the fs global. Host
// functions, including the KV and HTTP capabilities, are methods of the
// host global: js.Global().Get("host").Call("kv_get", map[string]any{"key": "k"}).
package executor
