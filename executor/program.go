package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Program is a guest binary built with GOOS=js GOARCH=wasm.
type Program struct {
	name string
	wasm []byte
}

// NewProgram returns a program named name. The name is the cache key for
// the compiled module, so distinct binaries need distinct names.
func NewProgram(name string, wasm []byte) *Program {
	return &Program{name: name, wasm: wasm}
}

// ProgramFromFile reads a program from disk. It is named after the file.
func ProgramFromFile(path string) (*Program, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return NewProgram(abs, wasm), nil
}

// Name identifies the program.
func (p *Program) Name() string { return p.name }

// Module returns the WebAssembly binary.
func (p *Program) Module() []byte { return p.wasm }

// argv0 is the program name handed to the guest as os.Args[0].
func (p *Program) argv0() string {
	base := filepath.Base(p.name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
