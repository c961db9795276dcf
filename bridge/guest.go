package bridge

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Guest is an instantiated GOOS=js module as the bridge drives it.
type Guest interface {
	// Memory returns the guest's linear memory. It is called again after
	// anything that may have grown it.
	Memory() Memory
	// Run calls the entry point with the argument table written by Start.
	Run(ctx context.Context, argc, argv uint32) error
	// Resume re-enters the guest after an event.
	Resume(ctx context.Context) error
	// StackPointer returns the guest's current stack pointer.
	StackPointer(ctx context.Context) (uint32, error)
}

type moduleGuest struct {
	mod api.Module
}

// NewModuleGuest adapts a wazero module instance. The module must export
// run, resume, getsp and a memory.
func NewModuleGuest(mod api.Module) (Guest, error) {
	for _, name := range []string{"run", "resume", "getsp"} {
		if mod.ExportedFunction(name) == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
	}
	if mod.Memory() == nil {
		return nil, fmt.Errorf("%w: memory", ErrMissingExport)
	}
	return &moduleGuest{mod: mod}, nil
}

func (g *moduleGuest) Memory() Memory {
	return g.mod.Memory()
}

// Functions are looked up per call: the same export can be entered again
// while an earlier call to it is still on the stack.

func (g *moduleGuest) Run(ctx context.Context, argc, argv uint32) error {
	_, err := g.mod.ExportedFunction("run").Call(ctx, api.EncodeU32(argc), api.EncodeU32(argv))
	return err
}

func (g *moduleGuest) Resume(ctx context.Context) error {
	_, err := g.mod.ExportedFunction("resume").Call(ctx)
	return err
}

func (g *moduleGuest) StackPointer(ctx context.Context) (uint32, error) {
	results, err := g.mod.ExportedFunction("getsp").Call(ctx)
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(results[0]), nil
}
