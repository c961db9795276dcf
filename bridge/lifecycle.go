package bridge

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

const (
	// argsOffset is where the argument and environment strings start.
	argsOffset = 4096
	// argsLimit is the lowest address of the guest's data segment.
	argsLimit = 4096 + 8192
)

func (b *Bridge) start(ctx context.Context) error {
	b.values = NewRegistry(b.global, b.self)
	b.codec = NewCodec(b.values)

	argc, argv, err := writeArgs(b.mem(), b.cfg.args, b.cfg.env)
	if err != nil {
		return err
	}

	b.log.Debug("starting guest",
		zap.Strings("args", b.cfg.args),
		zap.Int("env", len(b.cfg.env)))

	if err := b.guest.Run(ctx, argc, argv); err != nil {
		return guestFailure("run", err)
	}
	return nil
}

// writeArgs lays out args and the sorted environment as NUL-terminated,
// 8-byte aligned strings from argsOffset, followed by a table of 8-byte
// pointers: the argument pointers, a zero, the environment pointers and a
// final zero. It returns argc and the address of the table.
func writeArgs(view View, args []string, env map[string]string) (argc, argv uint32, err error) {
	offset := uint32(argsOffset)

	writeString := func(s string) (uint32, error) {
		n := uint32(len(s)) + 1
		if offset+n > argsLimit {
			return 0, ErrArgsTooLong
		}
		ptr := offset
		buf := view.Slice(offset, n)
		copy(buf, s)
		buf[len(s)] = 0
		offset += n
		if rem := offset % 8; rem != 0 {
			offset += 8 - rem
		}
		return ptr, nil
	}

	ptrs := make([]uint32, 0, len(args)+len(env)+2)
	for _, arg := range args {
		ptr, err := writeString(arg)
		if err != nil {
			return 0, 0, err
		}
		ptrs = append(ptrs, ptr)
	}
	ptrs = append(ptrs, 0)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ptr, err := writeString(k + "=" + env[k])
		if err != nil {
			return 0, 0, err
		}
		ptrs = append(ptrs, ptr)
	}
	ptrs = append(ptrs, 0)

	argv = offset
	if argv+uint32(len(ptrs))*8 > argsLimit {
		return 0, 0, ErrArgsTooLong
	}
	for _, ptr := range ptrs {
		view.SetUint32(offset, ptr)
		view.SetUint32(offset+4, 0)
		offset += 8
	}
	return uint32(len(args)), argv, nil
}

// exit records the guest's exit code and tears down the run's state.
func (b *Bridge) exit(code int32) {
	b.exitCode.Store(code)
	b.exited.Store(true)
	b.values.Clear()
	b.pending = nil
	b.stopTimers()
	b.log.Debug("guest exited", zap.Int32("code", code))
}
