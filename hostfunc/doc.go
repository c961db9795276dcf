// Package hostfunc provides the host capabilities a guest can be granted.
//
// A guest has no implicit access to system resources. Each capability is
// enabled explicitly by registering it in a [Registry]; the executor then
// exposes every registered function as a method of the guest's global host
// object, so guest code calls them with js.Global().Get("host").Call(name,
// args).
//
// # Registry
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("greet", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "hello " + args["name"].(string), nil
//	})
//
// # Built-in Capabilities
//
// HTTP: allow-listed outbound requests via [HTTP] and [HTTPConfig].
//
//	hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	}).Register(registry)
//
// Filesystem: mount-based access via [FS], [Mount] and [MountMode]. Besides
// the fs_* functions, [FS.Files] opens a descriptor table that backs the
// guest's own os package.
//
//	fs := hostfunc.NewFS([]hostfunc.Mount{
//	    {VirtualPath: "/data", HostPath: "./input", Mode: hostfunc.MountReadOnly},
//	})
//	fs.Register(registry)
//
// Key-value store: in-memory storage via [KV] and [KVConfig].
//
//	hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry)
//
// # Limits
//
// HTTP requests are limited to allowed hosts, file access to mounted paths
// with the mount's permissions, and every capability has size limits.
package hostfunc
