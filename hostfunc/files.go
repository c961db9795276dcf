package hostfunc

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

// Open flags as the guest's syscall layer passes them.
const (
	O_RDONLY    = 0
	O_WRONLY    = 1
	O_RDWR      = 2
	O_CREAT     = 64
	O_EXCL      = 128
	O_TRUNC     = 512
	O_APPEND    = 1024
	O_DIRECTORY = 65536
)

// firstFD is the lowest descriptor handed out; 0 to 2 are the standard
// streams.
const firstFD = 3

// FileTable is a table of open file descriptors over the mounts of an FS.
// Each guest run owns one table; Close releases every file still open.
type FileTable struct {
	fs    *FS
	mu    sync.Mutex
	files map[int]*openFile
	next  int
}

type openFile struct {
	f        *os.File
	path     string
	writable bool
	append   bool
	pos      int64
}

// Files returns a new, empty descriptor table over f.
func (f *FS) Files() *FileTable {
	return &FileTable{fs: f, files: make(map[int]*openFile), next: firstFD}
}

// Open opens path with the given flags and returns its descriptor.
func (t *FileTable) Open(path string, flags int, perm fs.FileMode) (int, error) {
	write := flags&(O_WRONLY|O_RDWR|O_CREAT|O_TRUNC|O_APPEND) != 0
	hostPath, mount, err := t.fs.resolve(path, write)
	if err != nil {
		return 0, &fs.PathError{Op: "open", Path: path, Err: err}
	}
	if flags&O_CREAT != 0 && mount.Mode != MountReadWriteCreate {
		if _, err := os.Stat(hostPath); errors.Is(err, fs.ErrNotExist) {
			return 0, &fs.PathError{Op: "open", Path: path, Err: errNoCreate}
		}
	}

	osFlags := os.O_RDONLY
	switch {
	case flags&O_RDWR != 0:
		osFlags = os.O_RDWR
	case flags&O_WRONLY != 0:
		osFlags = os.O_WRONLY
	}
	if flags&O_CREAT != 0 {
		osFlags |= os.O_CREATE
	}
	if flags&O_EXCL != 0 {
		osFlags |= os.O_EXCL
	}
	if flags&O_TRUNC != 0 {
		osFlags |= os.O_TRUNC
	}

	file, err := os.OpenFile(hostPath, osFlags, perm.Perm())
	if err != nil {
		return 0, rewritePath(err, path)
	}
	if flags&O_DIRECTORY != 0 {
		info, err := file.Stat()
		if err == nil && !info.IsDir() {
			file.Close()
			return 0, &fs.PathError{Op: "open", Path: path, Err: ErrNotDir}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.files[fd] = &openFile{
		f:        file,
		path:     path,
		writable: osFlags&(os.O_WRONLY|os.O_RDWR) != 0,
		append:   flags&O_APPEND != 0,
	}
	return fd, nil
}

func (t *FileTable) get(fd int) (*openFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, fmt.Errorf("fd %d: %w", fd, ErrBadFD)
	}
	return f, nil
}

// Read reads into p at pos, or at the descriptor's offset when pos is
// negative, advancing the offset in that case. It returns 0 at end of
// file.
func (t *FileTable) Read(fd int, p []byte, pos int64) (int, error) {
	f, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if int64(len(p)) > t.fs.limits.maxFileSize {
		p = p[:t.fs.limits.maxFileSize]
	}

	advance := pos < 0
	if advance {
		pos = f.pos
	}
	n, err := f.f.ReadAt(p, pos)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if advance {
		f.pos += int64(n)
	}
	return n, rewritePath(err, f.path)
}

// Write writes p at pos, or at the descriptor's offset (the end of file for
// append descriptors) when pos is negative.
func (t *FileTable) Write(fd int, p []byte, pos int64) (int, error) {
	f, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if !f.writable {
		return 0, &fs.PathError{Op: "write", Path: f.path, Err: fs.ErrPermission}
	}
	if int64(len(p)) > t.fs.limits.maxWriteSize {
		return 0, &fs.PathError{Op: "write", Path: f.path, Err: ErrTooLarge}
	}

	advance := pos < 0
	if advance {
		pos = f.pos
		if f.append {
			info, err := f.f.Stat()
			if err != nil {
				return 0, rewritePath(err, f.path)
			}
			pos = info.Size()
		}
	}
	if pos+int64(len(p)) > t.fs.limits.maxWriteSize {
		return 0, &fs.PathError{Op: "write", Path: f.path, Err: ErrTooLarge}
	}

	n, err := f.f.WriteAt(p, pos)
	if advance {
		f.pos = pos + int64(n)
	}
	return n, rewritePath(err, f.path)
}

// Close closes fd.
func (t *FileTable) Close(fd int) error {
	t.mu.Lock()
	f, ok := t.files[fd]
	delete(t.files, fd)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("fd %d: %w", fd, ErrBadFD)
	}
	return f.f.Close()
}

// CloseAll closes every open descriptor.
func (t *FileTable) CloseAll() error {
	t.mu.Lock()
	files := t.files
	t.files = make(map[int]*openFile)
	t.mu.Unlock()

	var err error
	for _, f := range files {
		err = multierr.Append(err, rewritePath(f.f.Close(), f.path))
	}
	return err
}

// OpenCount returns the number of open descriptors.
func (t *FileTable) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Fstat describes the file behind fd.
func (t *FileTable) Fstat(fd int) (FileStat, error) {
	f, err := t.get(fd)
	if err != nil {
		return FileStat{}, err
	}
	info, err := f.f.Stat()
	if err != nil {
		return FileStat{}, rewritePath(err, f.path)
	}
	return statOf(info), nil
}

// Ftruncate changes the size of the file behind fd.
func (t *FileTable) Ftruncate(fd int, size int64) error {
	f, err := t.get(fd)
	if err != nil {
		return err
	}
	if !f.writable {
		return &fs.PathError{Op: "truncate", Path: f.path, Err: fs.ErrPermission}
	}
	if size > t.fs.limits.maxWriteSize {
		return &fs.PathError{Op: "truncate", Path: f.path, Err: ErrTooLarge}
	}
	return rewritePath(f.f.Truncate(size), f.path)
}

// Fsync flushes the file behind fd.
func (t *FileTable) Fsync(fd int) error {
	f, err := t.get(fd)
	if err != nil {
		return err
	}
	return rewritePath(f.f.Sync(), f.path)
}

// Stat describes path.
func (t *FileTable) Stat(path string) (FileStat, error) {
	hostPath, _, err := t.fs.resolve(path, false)
	if err != nil {
		return FileStat{}, &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		return FileStat{}, rewritePath(err, path)
	}
	return statOf(info), nil
}

// Mkdir creates a single directory.
func (t *FileTable) Mkdir(path string, perm fs.FileMode) error {
	hostPath, mount, err := t.fs.resolve(path, true)
	if err != nil {
		return &fs.PathError{Op: "mkdir", Path: path, Err: err}
	}
	if mount.Mode != MountReadWriteCreate {
		return &fs.PathError{Op: "mkdir", Path: path, Err: errNoCreate}
	}
	return rewritePath(os.Mkdir(hostPath, perm.Perm()), path)
}

// Readdir returns the sorted names in the directory at path.
func (t *FileTable) Readdir(path string) ([]string, error) {
	hostPath, _, err := t.fs.resolve(path, false)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: path, Err: err}
	}
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, rewritePath(err, path)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}

// Unlink removes a file.
func (t *FileTable) Unlink(path string) error {
	hostPath, _, err := t.fs.resolve(path, true)
	if err != nil {
		return &fs.PathError{Op: "unlink", Path: path, Err: err}
	}
	info, err := os.Lstat(hostPath)
	if err != nil {
		return rewritePath(err, path)
	}
	if info.IsDir() {
		return &fs.PathError{Op: "unlink", Path: path, Err: ErrIsDir}
	}
	return rewritePath(os.Remove(hostPath), path)
}

// Rmdir removes an empty directory.
func (t *FileTable) Rmdir(path string) error {
	hostPath, _, err := t.fs.resolve(path, true)
	if err != nil {
		return &fs.PathError{Op: "rmdir", Path: path, Err: err}
	}
	info, err := os.Lstat(hostPath)
	if err != nil {
		return rewritePath(err, path)
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "rmdir", Path: path, Err: ErrNotDir}
	}
	return rewritePath(os.Remove(hostPath), path)
}

// Rename moves from to to. Both must be writable, and creating to requires
// a mount that allows creation.
func (t *FileTable) Rename(from, to string) error {
	src, _, err := t.fs.resolve(from, true)
	if err != nil {
		return &fs.PathError{Op: "rename", Path: from, Err: err}
	}
	dst, mount, err := t.fs.resolve(to, true)
	if err != nil {
		return &fs.PathError{Op: "rename", Path: to, Err: err}
	}
	if mount.Mode != MountReadWriteCreate {
		if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
			return &fs.PathError{Op: "rename", Path: to, Err: errNoCreate}
		}
	}
	return rewritePath(os.Rename(src, dst), from)
}

// rewritePath replaces host paths in err with the guest's path.
func rewritePath(err error, path string) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &fs.PathError{Op: pe.Op, Path: path, Err: pe.Err}
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return &fs.PathError{Op: le.Op, Path: path, Err: le.Err}
	}
	return err
}
