package bridge

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Node's open(2) flag values, which the guest's syscall layer reads from
// fs.constants.
var fsConstants = map[string]any{
	"O_WRONLY":    float64(1),
	"O_RDWR":      float64(2),
	"O_CREAT":     float64(64),
	"O_EXCL":      float64(128),
	"O_TRUNC":     float64(512),
	"O_APPEND":    float64(1024),
	"O_DIRECTORY": float64(65536),
}

// FSMethods lists the fs functions the guest's syscall layer may call.
var FSMethods = []string{
	"chmod", "chown", "close", "fchmod", "fchown", "fstat", "fsync",
	"ftruncate", "lchown", "link", "lstat", "mkdir", "open", "read",
	"readdir", "readlink", "rename", "rmdir", "stat", "symlink",
	"truncate", "unlink", "utimes", "write",
}

// NewFSConstants returns the fs.constants object.
func NewFSConstants() *Object {
	return NewObjectFrom(fsConstants)
}

func newGlobal(b *Bridge) *Object {
	g := NewObject()
	g.Set("globalThis", g)

	objectCtor := NewConstructor("Object", func(_ context.Context, args []any) (any, error) {
		if len(args) > 0 {
			if d, ok := args[0].(Dynamic); ok {
				return d, nil
			}
		}
		return NewObject(), nil
	}).WithHasInstance(func(v any) bool {
		_, ok := v.(Dynamic)
		return ok
	})
	g.Set("Object", objectCtor)

	g.Set("Array", NewConstructor("Array", func(_ context.Context, args []any) (any, error) {
		if len(args) == 1 {
			if n, ok := args[0].(float64); ok {
				if n < 0 || n != math.Trunc(n) {
					return nil, NewError("Invalid array length")
				}
				elems := make([]any, int(n))
				for i := range elems {
					elems[i] = Undefined
				}
				return NewArray(elems...), nil
			}
		}
		return NewArray(append([]any(nil), args...)...), nil
	}).WithHasInstance(func(v any) bool {
		_, ok := v.(*Array)
		return ok
	}))

	g.Set("Uint8Array", NewConstructor("Uint8Array", newUint8Array).WithHasInstance(func(v any) bool {
		_, ok := v.(*Uint8Array)
		return ok
	}))

	g.Set("Error", NewConstructor("Error", func(_ context.Context, args []any) (any, error) {
		msg := ""
		if len(args) > 0 && args[0] != Undefined {
			msg = ToString(args[0])
		}
		return NewError(msg), nil
	}).WithHasInstance(func(v any) bool {
		_, ok := v.(*Error)
		return ok
	}))

	g.Set("Date", newDateConstructor(b))
	g.Set("fs", newDefaultFS(b))
	g.Set("process", newProcess(b))

	crypto := NewObject()
	crypto.Set("getRandomValues", NewFunc("getRandomValues", func(_ context.Context, _ any, args []any) (any, error) {
		if len(args) != 1 {
			return nil, NewTypeError("getRandomValues: expected one argument")
		}
		arr, ok := args[0].(ByteArray)
		if !ok {
			return nil, NewTypeError("getRandomValues: argument is not a byte array")
		}
		if _, err := io.ReadFull(b.cfg.rand, arr.Bytes()); err != nil {
			return nil, err
		}
		return args[0], nil
	}))
	g.Set("crypto", crypto)

	performance := NewObject()
	origin := b.cfg.clock.Nanotime()
	performance.Set("now", NewFunc("now", func(context.Context, any, []any) (any, error) {
		return float64(b.cfg.clock.Nanotime()-origin) / 1e6, nil
	}))
	g.Set("performance", performance)

	g.Set("console", newConsole(b))

	g.Set("setTimeout", NewFunc("setTimeout", func(_ context.Context, _ any, args []any) (any, error) {
		if len(args) == 0 || !isCallable(args[0]) {
			return nil, NewTypeError("setTimeout: callback is not a function")
		}
		fn := args[0]
		var delay time.Duration
		if len(args) > 1 {
			if ms := toNumber(args[1]); ms > 0 {
				delay = time.Duration(ms * float64(time.Millisecond))
			}
		}
		var extra []any
		if len(args) > 2 {
			extra = append(extra, args[2:]...)
		}
		id := b.schedule(delay, func(ctx context.Context) error {
			if _, err := b.apply(ctx, fn, Undefined, extra); err != nil {
				b.log.Warn("setTimeout callback failed", zap.Error(err))
			}
			return nil
		})
		return float64(id), nil
	}))
	g.Set("clearTimeout", NewFunc("clearTimeout", func(_ context.Context, _ any, args []any) (any, error) {
		if len(args) > 0 {
			if id, ok := args[0].(float64); ok {
				b.cancel(int32(id))
			}
		}
		return Undefined, nil
	}))

	return g
}

func newUint8Array(_ context.Context, args []any) (any, error) {
	if len(args) == 0 {
		return NewUint8Array(0), nil
	}
	switch x := args[0].(type) {
	case float64:
		if x < 0 || x != math.Trunc(x) {
			return nil, NewError("Invalid typed array length")
		}
		return NewUint8Array(int(x)), nil
	case ByteArray:
		return Uint8ArrayOf(append([]byte(nil), x.Bytes()...)), nil
	case *Array:
		u := NewUint8Array(x.Length())
		for i, e := range x.elems {
			u.SetIndex(i, e)
		}
		return u, nil
	}
	return NewUint8Array(0), nil
}

func newDateConstructor(b *Bridge) *Func {
	var ctor *Func
	ctor = NewConstructor("Date", func(_ context.Context, args []any) (any, error) {
		sec, nsec := b.cfg.clock.Walltime()
		ms := math.Floor(float64(sec)*1e3 + float64(nsec)/1e6)
		if len(args) > 0 {
			ms = toNumber(args[0])
		}
		d := ctor.Instantiate(NewObject())
		d.Set("getTime", NewFunc("getTime", func(context.Context, any, []any) (any, error) {
			return ms, nil
		}))
		d.Set("getTimezoneOffset", NewFunc("getTimezoneOffset", func(context.Context, any, []any) (any, error) {
			t := time.UnixMilli(int64(ms))
			_, offset := t.Zone()
			return float64(-offset / 60), nil
		}))
		return d, nil
	})
	ctor.Set("now", NewFunc("now", func(context.Context, any, []any) (any, error) {
		sec, nsec := b.cfg.clock.Walltime()
		return math.Floor(float64(sec)*1e3 + float64(nsec)/1e6), nil
	}))
	return ctor
}

func newConsole(b *Bridge) *Object {
	console := NewObject()
	logTo := func(name string, w func() io.Writer) *Func {
		return NewFunc(name, func(_ context.Context, _ any, args []any) (any, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = ToString(a)
			}
			line := strings.Join(parts, " ")
			b.log.Debug("guest console", zap.String("level", name), zap.String("message", line))
			_, _ = io.WriteString(w(), line+"\n")
			return Undefined, nil
		})
	}
	stdout := func() io.Writer { return b.cfg.stdout }
	stderr := func() io.Writer { return b.cfg.stderr }
	console.Set("log", logTo("log", stdout))
	console.Set("info", logTo("info", stdout))
	console.Set("debug", logTo("debug", stdout))
	console.Set("warn", logTo("warn", stderr))
	console.Set("error", logTo("error", stderr))
	return console
}

func newProcess(b *Bridge) *Object {
	cwd := b.cfg.workDir
	p := NewObject()
	p.Set("pid", float64(-1))
	p.Set("ppid", float64(-1))
	for _, name := range []string{"getuid", "getgid", "geteuid", "getegid"} {
		p.Set(name, NewFunc(name, func(context.Context, any, []any) (any, error) {
			return float64(-1), nil
		}))
	}
	p.Set("getgroups", NewFunc("getgroups", func(context.Context, any, []any) (any, error) {
		return nil, enosys("getgroups")
	}))
	p.Set("umask", NewFunc("umask", func(context.Context, any, []any) (any, error) {
		return float64(0o022), nil
	}))
	p.Set("cwd", NewFunc("cwd", func(context.Context, any, []any) (any, error) {
		return cwd, nil
	}))
	p.Set("chdir", NewFunc("chdir", func(_ context.Context, _ any, args []any) (any, error) {
		if len(args) == 0 {
			return nil, NewErrorCode("EINVAL", "chdir: path required")
		}
		dir, ok := args[0].(string)
		if !ok || dir == "" {
			return nil, NewErrorCode("EINVAL", "chdir: invalid path")
		}
		if !strings.HasPrefix(dir, "/") {
			dir = strings.TrimSuffix(cwd, "/") + "/" + dir
		}
		cwd = dir
		return Undefined, nil
	}))
	return p
}

func enosys(name string) *Error {
	return NewErrorCode("ENOSYS", name+": function not implemented")
}

// FSCallback returns the trailing callback of a Node-style fs call.
func FSCallback(args []any) (Callable, []any, error) {
	if len(args) == 0 {
		return nil, nil, errors.New("missing callback")
	}
	cb, ok := args[len(args)-1].(Callable)
	if !ok {
		return nil, nil, errors.New("last argument is not a callback")
	}
	return cb, args[:len(args)-1], nil
}

// NewFSMethod adapts fn into a Node-style asynchronous fs method. The
// callback is invoked before the method returns, as (err) on failure or
// (null, result) on success.
func NewFSMethod(name string, fn func(ctx context.Context, args []any) (any, error)) *Func {
	return NewFunc(name, func(ctx context.Context, _ any, args []any) (any, error) {
		cb, rest, err := FSCallback(args)
		if err != nil {
			return nil, NewTypeError(name + ": " + err.Error())
		}
		result, err := fn(ctx, rest)
		if err != nil {
			_, cbErr := cb.Call(ctx, Null, []any{errorValue(err)})
			return Undefined, cbErr
		}
		if result == nil {
			result = Undefined
		}
		_, cbErr := cb.Call(ctx, Null, []any{Null, result})
		return Undefined, cbErr
	})
}

// newDefaultFS returns an fs object that only supports reading stdin and
// writing to stdout and stderr, which is what the guest runtime needs for
// console I/O.
func newDefaultFS(b *Bridge) *Object {
	fs := NewObject()
	fs.Set("constants", NewFSConstants())
	fs.Set("writeSync", NewFunc("writeSync", func(_ context.Context, _ any, args []any) (any, error) {
		if len(args) < 2 {
			return nil, NewTypeError("writeSync: expected fd and buffer")
		}
		buf, ok := args[1].(ByteArray)
		if !ok {
			return nil, NewTypeError("writeSync: buffer is not a byte array")
		}
		n, err := b.writeFD(int64(toNumber(args[0])), buf.Bytes())
		if err != nil {
			return nil, err
		}
		return float64(n), nil
	}))
	for _, name := range FSMethods {
		fs.Set(name, NewFSMethod(name, func(context.Context, []any) (any, error) {
			return nil, enosys(name)
		}))
	}
	fs.Set("write", NewFSMethod("write", func(_ context.Context, args []any) (any, error) {
		fd, data, err := WriteArgs(args)
		if err != nil {
			return nil, err
		}
		n, err := b.writeFD(fd, data)
		if err != nil {
			return nil, err
		}
		return float64(n), nil
	}))
	fs.Set("read", NewFSMethod("read", func(_ context.Context, args []any) (any, error) {
		if len(args) < 4 {
			return nil, NewErrorCode("EINVAL", "read: expected fd, buffer, offset and length")
		}
		if toNumber(args[0]) != 0 {
			return nil, NewErrorCode("EBADF", "read: bad file descriptor")
		}
		buf, ok := args[1].(ByteArray)
		if !ok {
			return nil, NewErrorCode("EINVAL", "read: buffer is not a byte array")
		}
		p, err := BufferRange(buf.Bytes(), args[2], args[3])
		if err != nil {
			return nil, err
		}
		if b.cfg.stdin == nil || len(p) == 0 {
			return float64(0), nil
		}
		n, err := b.cfg.stdin.Read(p)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, NewErrorCode("EIO", err.Error())
		}
		return float64(n), nil
	}))
	return fs
}

// WriteArgs decodes the (fd, buffer, offset, length, position) arguments of
// fs.write and returns the bytes to write.
func WriteArgs(args []any) (fd int64, data []byte, err error) {
	if len(args) < 4 {
		return 0, nil, NewErrorCode("EINVAL", "write: expected fd, buffer, offset and length")
	}
	buf, ok := args[1].(ByteArray)
	if !ok {
		return 0, nil, NewErrorCode("EINVAL", "write: buffer is not a byte array")
	}
	data, err = BufferRange(buf.Bytes(), args[2], args[3])
	return int64(toNumber(args[0])), data, err
}

// BufferRange returns buf[offset:offset+length] after checking the bounds.
func BufferRange(buf []byte, offset, length any) ([]byte, error) {
	off := int(toNumber(offset))
	n := int(toNumber(length))
	if off < 0 || n < 0 || off+n > len(buf) {
		return nil, NewErrorCode("EINVAL", "buffer range out of bounds")
	}
	return buf[off : off+n], nil
}

// ToNumber converts v to a number the way Number(v) does.
func ToNumber(v any) float64 {
	return toNumber(v)
}
