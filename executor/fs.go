package executor

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"syscall"

	"github.com/caffeineduck/gobridge/bridge"
	"github.com/caffeineduck/gobridge/hostfunc"
	"go.uber.org/zap"
)

// nodeFS is the guest's fs global: Node's callback-style file API over the
// run's descriptor table. Descriptors 0 to 2 are the standard streams.
type nodeFS struct {
	files   *hostfunc.FileTable
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	workDir string
	log     *zap.Logger
}

type fsMethod func(ctx context.Context, args []any) (any, error)

func (n *nodeFS) object() *bridge.Object {
	methods := map[string]fsMethod{
		"open":      n.open,
		"close":     n.close,
		"read":      n.read,
		"write":     n.write,
		"fstat":     n.fstat,
		"stat":      n.stat,
		"lstat":     n.stat,
		"mkdir":     n.mkdir,
		"readdir":   n.readdir,
		"unlink":    n.unlink,
		"rmdir":     n.rmdir,
		"rename":    n.rename,
		"ftruncate": n.ftruncate,
		"truncate":  n.truncate,
		"fsync":     n.fsync,
	}

	obj := bridge.NewObject()
	obj.Set("constants", bridge.NewFSConstants())
	for _, name := range bridge.FSMethods {
		fn, ok := methods[name]
		if !ok {
			fn = unsupported(name)
		}
		obj.Set(name, bridge.NewFSMethod(name, n.wrap(name, fn)))
	}
	obj.Set("writeSync", bridge.NewFunc("writeSync", func(_ context.Context, _ any, args []any) (any, error) {
		if len(args) < 2 {
			return nil, bridge.NewTypeError("writeSync: expected fd and buffer")
		}
		buf, ok := args[1].(bridge.ByteArray)
		if !ok {
			return nil, bridge.NewTypeError("writeSync: buffer is not a byte array")
		}
		c, err := n.writeFD(int(bridge.ToNumber(args[0])), buf.Bytes(), -1)
		if err != nil {
			return nil, fsError(err)
		}
		return float64(c), nil
	}))
	return obj
}

// wrap turns failures into errors carrying the code the guest's syscall
// layer maps back to an errno.
func (n *nodeFS) wrap(name string, fn fsMethod) fsMethod {
	return func(ctx context.Context, args []any) (any, error) {
		result, err := fn(ctx, args)
		if err != nil {
			e := fsError(err)
			n.log.Debug("fs call failed", zap.String("op", name), zap.String("code", e.Code()), zap.Error(err))
			return nil, e
		}
		return result, nil
	}
}

func unsupported(name string) fsMethod {
	return func(context.Context, []any) (any, error) {
		return nil, bridge.NewErrorCode("ENOSYS", name+": function not implemented")
	}
}

var errnoCodes = map[syscall.Errno]string{
	syscall.ENOENT:    "ENOENT",
	syscall.EEXIST:    "EEXIST",
	syscall.ENOTEMPTY: "ENOTEMPTY",
	syscall.ENOTDIR:   "ENOTDIR",
	syscall.EISDIR:    "EISDIR",
	syscall.EACCES:    "EACCES",
	syscall.EPERM:     "EPERM",
	syscall.EBADF:     "EBADF",
	syscall.EINVAL:    "EINVAL",
	syscall.ENOSPC:    "ENOSPC",
	syscall.EROFS:     "EROFS",
}

func fsError(err error) *bridge.Error {
	var be *bridge.Error
	if errors.As(err, &be) && be.Code() != "" {
		return be
	}

	code := "EIO"
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if c, ok := errnoCodes[errno]; ok {
			code = c
		}
	} else {
		switch {
		case errors.Is(err, hostfunc.ErrBadFD):
			code = "EBADF"
		case errors.Is(err, hostfunc.ErrTooLarge):
			code = "EFBIG"
		case errors.Is(err, hostfunc.ErrNotDir):
			code = "ENOTDIR"
		case errors.Is(err, hostfunc.ErrIsDir):
			code = "EISDIR"
		case errors.Is(err, fs.ErrNotExist):
			code = "ENOENT"
		case errors.Is(err, fs.ErrExist):
			code = "EEXIST"
		case errors.Is(err, fs.ErrPermission):
			code = "EACCES"
		case errors.Is(err, fs.ErrInvalid):
			code = "EINVAL"
		}
	}
	return bridge.NewErrorCode(code, err.Error())
}

func (n *nodeFS) path(v any) (string, error) {
	p, ok := v.(string)
	if !ok {
		return "", bridge.NewErrorCode("EINVAL", "path must be a string")
	}
	if !path.IsAbs(p) {
		p = path.Join(n.workDir, p)
	}
	return path.Clean(p), nil
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return bridge.Undefined
}

func intArg(args []any, i int) int {
	return int(bridge.ToNumber(argAt(args, i)))
}

// position reads an optional file position; null means the descriptor's
// current offset.
func position(args []any, i int) int64 {
	v := argAt(args, i)
	if v == nil || v == bridge.Null || v == bridge.Undefined {
		return -1
	}
	return int64(bridge.ToNumber(v))
}

func isStdio(fd int) bool {
	return fd >= 0 && fd <= 2
}

func (n *nodeFS) open(_ context.Context, args []any) (any, error) {
	p, err := n.path(argAt(args, 0))
	if err != nil {
		return nil, err
	}
	perm := fs.FileMode(0o666)
	if len(args) > 2 {
		perm = fs.FileMode(intArg(args, 2))
	}
	fd, err := n.files.Open(p, intArg(args, 1), perm)
	if err != nil {
		return nil, err
	}
	return float64(fd), nil
}

func (n *nodeFS) close(_ context.Context, args []any) (any, error) {
	fd := intArg(args, 0)
	if isStdio(fd) {
		return nil, nil
	}
	return nil, n.files.Close(fd)
}

// read handles read(fd, buffer, offset, length, position).
func (n *nodeFS) read(_ context.Context, args []any) (any, error) {
	if len(args) < 4 {
		return nil, bridge.NewErrorCode("EINVAL", "read: expected fd, buffer, offset and length")
	}
	buf, ok := args[1].(bridge.ByteArray)
	if !ok {
		return nil, bridge.NewErrorCode("EINVAL", "read: buffer is not a byte array")
	}
	p, err := bridge.BufferRange(buf.Bytes(), args[2], args[3])
	if err != nil {
		return nil, err
	}

	fd := intArg(args, 0)
	switch fd {
	case 0:
		if n.stdin == nil {
			return float64(0), nil
		}
		c, err := n.stdin.Read(p)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		return float64(c), err
	case 1, 2:
		return nil, hostfunc.ErrBadFD
	}

	c, err := n.files.Read(fd, p, position(args, 4))
	if err != nil {
		return nil, err
	}
	return float64(c), nil
}

// write handles write(fd, buffer, offset, length, position).
func (n *nodeFS) write(_ context.Context, args []any) (any, error) {
	fd, data, err := bridge.WriteArgs(args)
	if err != nil {
		return nil, err
	}
	c, err := n.writeFD(int(fd), data, position(args, 4))
	if err != nil {
		return nil, err
	}
	return float64(c), nil
}

func (n *nodeFS) writeFD(fd int, p []byte, pos int64) (int, error) {
	switch fd {
	case 0:
		return 0, hostfunc.ErrBadFD
	case 1:
		return n.stdout.Write(p)
	case 2:
		return n.stderr.Write(p)
	}
	return n.files.Write(fd, p, pos)
}

func (n *nodeFS) fstat(_ context.Context, args []any) (any, error) {
	fd := intArg(args, 0)
	if isStdio(fd) {
		return statObject(hostfunc.FileStat{Mode: hostfunc.S_IFCHR | 0o620, Nlink: 1, Blksize: 4096}), nil
	}
	st, err := n.files.Fstat(fd)
	if err != nil {
		return nil, err
	}
	return statObject(st), nil
}

func (n *nodeFS) stat(_ context.Context, args []any) (any, error) {
	p, err := n.path(argAt(args, 0))
	if err != nil {
		return nil, err
	}
	st, err := n.files.Stat(p)
	if err != nil {
		return nil, err
	}
	return statObject(st), nil
}

func (n *nodeFS) mkdir(_ context.Context, args []any) (any, error) {
	p, err := n.path(argAt(args, 0))
	if err != nil {
		return nil, err
	}
	perm := fs.FileMode(0o777)
	if len(args) > 1 {
		perm = fs.FileMode(intArg(args, 1))
	}
	return nil, n.files.Mkdir(p, perm)
}

func (n *nodeFS) readdir(_ context.Context, args []any) (any, error) {
	p, err := n.path(argAt(args, 0))
	if err != nil {
		return nil, err
	}
	names, err := n.files.Readdir(p)
	if err != nil {
		return nil, err
	}
	elems := make([]any, len(names))
	for i, name := range names {
		elems[i] = name
	}
	return bridge.NewArray(elems...), nil
}

func (n *nodeFS) unlink(_ context.Context, args []any) (any, error) {
	p, err := n.path(argAt(args, 0))
	if err != nil {
		return nil, err
	}
	return nil, n.files.Unlink(p)
}

func (n *nodeFS) rmdir(_ context.Context, args []any) (any, error) {
	p, err := n.path(argAt(args, 0))
	if err != nil {
		return nil, err
	}
	return nil, n.files.Rmdir(p)
}

func (n *nodeFS) rename(_ context.Context, args []any) (any, error) {
	from, err := n.path(argAt(args, 0))
	if err != nil {
		return nil, err
	}
	to, err := n.path(argAt(args, 1))
	if err != nil {
		return nil, err
	}
	return nil, n.files.Rename(from, to)
}

func (n *nodeFS) ftruncate(_ context.Context, args []any) (any, error) {
	fd := intArg(args, 0)
	if isStdio(fd) {
		return nil, bridge.NewErrorCode("EINVAL", "ftruncate: not a regular file")
	}
	return nil, n.files.Ftruncate(fd, int64(intArg(args, 1)))
}

func (n *nodeFS) truncate(_ context.Context, args []any) (any, error) {
	p, err := n.path(argAt(args, 0))
	if err != nil {
		return nil, err
	}
	fd, err := n.files.Open(p, hostfunc.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	err = n.files.Ftruncate(fd, int64(intArg(args, 1)))
	if cerr := n.files.Close(fd); err == nil {
		err = cerr
	}
	return nil, err
}

func (n *nodeFS) fsync(_ context.Context, args []any) (any, error) {
	fd := intArg(args, 0)
	if isStdio(fd) {
		return nil, nil
	}
	return nil, n.files.Fsync(fd)
}

func statObject(st hostfunc.FileStat) *bridge.Object {
	obj := bridge.NewObjectFrom(map[string]any{
		"dev":     float64(st.Dev),
		"ino":     float64(st.Ino),
		"mode":    float64(st.Mode),
		"nlink":   float64(st.Nlink),
		"uid":     float64(st.UID),
		"gid":     float64(st.GID),
		"rdev":    float64(st.Rdev),
		"size":    float64(st.Size),
		"blksize": float64(st.Blksize),
		"blocks":  float64(st.Blocks),
		"atimeMs": st.AtimeMs,
		"mtimeMs": st.MtimeMs,
		"ctimeMs": st.CtimeMs,
	})
	isDir := st.IsDir()
	obj.Set("isDirectory", bridge.NewFunc("isDirectory", func(context.Context, any, []any) (any, error) {
		return isDir, nil
	}))
	return obj
}
