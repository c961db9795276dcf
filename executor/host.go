package executor

import (
	"context"

	"github.com/caffeineduck/gobridge/bridge"
	"github.com/caffeineduck/gobridge/hostfunc"
)

// hostObject exposes every function in r as a method of the guest's host
// global. A guest calls host.kv_get({key: "k"}) and gets the result back,
// or a thrown Error when the function fails.
func hostObject(r *hostfunc.Registry) *bridge.Object {
	obj := bridge.NewObject()
	for _, name := range r.List() {
		fn, _ := r.Get(name)
		obj.Set(name, hostMethod(name, fn))
	}
	return obj
}

func hostMethod(name string, fn hostfunc.Func) *bridge.Func {
	return bridge.NewFunc(name, func(ctx context.Context, _ any, args []any) (any, error) {
		params := map[string]any{}
		if len(args) > 0 {
			switch v := bridge.Export(args[0]).(type) {
			case map[string]any:
				params = v
			case nil:
			default:
				return nil, bridge.NewTypeError(name + ": argument must be an object")
			}
		}

		result, err := fn(ctx, params)
		if err != nil {
			return nil, bridge.NewError(err.Error())
		}
		return bridge.ValueOf(result), nil
	})
}
