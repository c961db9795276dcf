// Package gobridge runs WebAssembly programs built with GOOS=js GOARCH=wasm
// outside a JavaScript engine.
//
// # Overview
//
// Such programs expect a JavaScript host: the Go runtime's wasm_exec.js glue
// and the syscall/js value model behind it. gobridge provides that host in
// Go, on top of the wazero runtime. Programs run with zero default
// capabilities. Filesystem, network, and other system access must be
// explicitly enabled.
//
// # Basic Usage
//
//	exec, _ := executor.New(hostfunc.NewRegistry())
//	defer exec.Close()
//
//	prog, _ := executor.ProgramFromFile("hello.wasm")
//
//	// Run to completion
//	result := exec.Run(ctx, prog, executor.WithArgs("world"))
//	fmt.Println(result.Output, result.ExitCode)
//
//	// Session: main parks in select {} after registering functions
//	session, _ := exec.NewSession(ctx, prog)
//	sum, _ := session.Call(ctx, "add", 2, 3) // 5.0
//
// # Enabling Capabilities
//
//	// HTTP access
//	result := exec.Run(ctx, prog,
//	    executor.WithAllowedHosts([]string{"api.example.com"}))
//
//	// Filesystem access through the program's os package
//	result := exec.Run(ctx, prog,
//	    executor.WithMount("/data", "./input", hostfunc.MountReadOnly))
//
//	// Key-value store
//	result := exec.Run(ctx, prog,
//	    executor.WithKV())
//
// See the [bridge], [executor], and [hostfunc] packages for detailed API
// documentation.
package gobridge
