package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read and write operations to existing files/dirs.
	MountReadWrite
	// MountReadWriteCreate allows read, write, and create operations.
	MountReadWriteCreate
)

// ParseMountMode parses the short mode names used on the command line and
// in config files: ro, rw and rwc.
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "ro", "":
		return MountReadOnly, nil
	case "rw":
		return MountReadWrite, nil
	case "rwc":
		return MountReadWriteCreate, nil
	}
	return 0, fmt.Errorf("invalid mount mode %q (want ro, rw or rwc)", s)
}

func (m MountMode) String() string {
	switch m {
	case MountReadWrite:
		return "rw"
	case MountReadWriteCreate:
		return "rwc"
	}
	return "ro"
}

// Mount represents a virtual path mapped to a host path with specific permissions.
type Mount struct {
	VirtualPath string    // Path as seen by the guest (e.g., "/data")
	HostPath    string    // Actual path on host filesystem
	Mode        MountMode // Permission level
}

// ParseMount parses "virtual:host[:mode]".
func ParseMount(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Mount{}, fmt.Errorf("invalid mount %q (want virtual:host[:mode])", s)
	}
	m := Mount{VirtualPath: parts[0], HostPath: parts[1]}
	if len(parts) == 3 {
		mode, err := ParseMountMode(parts[2])
		if err != nil {
			return Mount{}, err
		}
		m.Mode = mode
	}
	return m, nil
}

const (
	DefaultMaxFileSize   = 10 << 20 // 10MB
	DefaultMaxWriteSize  = 10 << 20
	DefaultMaxPathLength = 4096
)

type fsLimits struct {
	maxFileSize   int64
	maxWriteSize  int64
	maxPathLength int
}

// FSOption configures the limits of an FS.
type FSOption func(*fsLimits)

// WithMaxFileSize limits the size of files read in one call.
func WithMaxFileSize(n int64) FSOption {
	return func(l *fsLimits) { l.maxFileSize = n }
}

// WithMaxWriteSize limits the bytes written in one call and the size a file
// may grow to.
func WithMaxWriteSize(n int64) FSOption {
	return func(l *fsLimits) { l.maxWriteSize = n }
}

func WithMaxPathLength(n int) FSOption {
	return func(l *fsLimits) { l.maxPathLength = n }
}

var (
	ErrTooLarge = errors.New("file too large")
	ErrBadFD    = errors.New("bad file descriptor")
	ErrNotDir   = errors.New("not a directory")
	ErrIsDir    = errors.New("is a directory")

	errReadOnly   = fmt.Errorf("%w: read-only mount", fs.ErrPermission)
	errNoCreate   = fmt.Errorf("%w: mount does not allow creation", fs.ErrPermission)
	errNotMounted = fmt.Errorf("%w: path not in any mount", fs.ErrPermission)
	errEscape     = fmt.Errorf("%w: path escape attempt", fs.ErrPermission)
)

// FS provides filesystem operations with explicit mount points.
type FS struct {
	mounts []Mount
	limits fsLimits
	mu     sync.RWMutex
}

// NewFS creates a new filesystem handler with the given mount points.
// Mounts whose host path cannot be made absolute are skipped.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	limits := fsLimits{
		maxFileSize:   DefaultMaxFileSize,
		maxWriteSize:  DefaultMaxWriteSize,
		maxPathLength: DefaultMaxPathLength,
	}
	for _, opt := range opts {
		opt(&limits)
	}

	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{VirtualPath: vp, HostPath: hp, Mode: m.Mode})
	}
	return &FS{mounts: normalized, limits: limits}
}

// Mounts returns the normalized mounts.
func (f *FS) Mounts() []Mount {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Mount(nil), f.mounts...)
}

// Register adds the fs_* functions to r.
func (f *FS) Register(r *Registry) {
	r.Register("fs_read", f.Read)
	r.Register("fs_write", f.Write)
	r.Register("fs_list", f.List)
	r.Register("fs_exists", f.Exists)
	r.Register("fs_mkdir", f.Mkdir)
	r.Register("fs_remove", f.Remove)
	r.Register("fs_stat", f.Stat)
}

// resolve maps a virtual path to a host path and its mount, checking that
// the mount allows writing when needWrite is set.
func (f *FS) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	if len(virtualPath) > f.limits.maxPathLength {
		return "", nil, fmt.Errorf("%w: path too long", fs.ErrInvalid)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	// Longest virtual path wins so nested mounts shadow their parents.
	var match *Mount
	for i := range f.mounts {
		m := &f.mounts[i]
		if vp != m.VirtualPath && !strings.HasPrefix(vp, m.VirtualPath+"/") && m.VirtualPath != "/" {
			continue
		}
		if match == nil || len(m.VirtualPath) > len(match.VirtualPath) {
			match = m
		}
	}
	if match == nil {
		return "", nil, errNotMounted
	}
	if needWrite && match.Mode == MountReadOnly {
		return "", nil, errReadOnly
	}

	rel := strings.TrimPrefix(vp, match.VirtualPath)
	hostPath, err := filepath.Abs(filepath.Join(match.HostPath, rel))
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid path", fs.ErrInvalid)
	}
	if hostPath != match.HostPath && !strings.HasPrefix(hostPath, match.HostPath+string(filepath.Separator)) {
		return "", nil, errEscape
	}
	m := *match
	return hostPath, &m, nil
}

func pathArg(args map[string]any) (string, error) {
	path, ok := args["path"].(string)
	if !ok {
		return "", errors.New("path required")
	}
	return path, nil
}

// Read returns the contents of a file as a string.
func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("read error: " + err.Error())
	}
	if info.Size() > f.limits.maxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, path, f.limits.maxFileSize)
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, errors.New("read error: " + err.Error())
	}
	return string(data), nil
}

// Write replaces the contents of a file.
func (f *FS) Write(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content required")
	}
	if int64(len(content)) > f.limits.maxWriteSize {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrTooLarge, f.limits.maxWriteSize)
	}

	hostPath, mount, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && mount.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create new files")
	}

	if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}
	return "ok", nil
}

// List returns the entries of a directory.
func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("directory not found: " + path)
		}
		return nil, errors.New("list error: " + err.Error())
	}

	result := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name":   entry.Name(),
			"is_dir": entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports whether a path exists. Paths outside every mount do not.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

// Mkdir creates a directory and any missing parents.
func (f *FS) Mkdir(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, mount, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if mount.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create directories")
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, errors.New("mkdir error: " + err.Error())
	}
	return "ok", nil
}

// Remove deletes a file or empty directory.
func (f *FS) Remove(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}

	if err := os.Remove(hostPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) && strings.Contains(pathErr.Error(), "directory not empty") {
			return nil, errors.New("directory not empty: " + path)
		}
		return nil, errors.New("remove error: " + err.Error())
	}
	return "ok", nil
}

// Stat describes a file or directory.
func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("stat error: " + err.Error())
	}
	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}
