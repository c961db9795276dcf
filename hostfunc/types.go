package hostfunc

import (
	"io/fs"
)

// File type bits of FileStat.Mode.
const (
	S_IFMT   = 0o170000
	S_IFDIR  = 0o040000
	S_IFREG  = 0o100000
	S_IFLNK  = 0o120000
	S_IFIFO  = 0o010000
	S_IFCHR  = 0o020000
	S_IFSOCK = 0o140000
)

// FileStat is the stat record the guest's syscall layer expects, with
// times in milliseconds since the epoch.
type FileStat struct {
	Dev     int64   `json:"dev"`
	Ino     int64   `json:"ino"`
	Mode    uint32  `json:"mode"`
	Nlink   int64   `json:"nlink"`
	UID     int64   `json:"uid"`
	GID     int64   `json:"gid"`
	Rdev    int64   `json:"rdev"`
	Size    int64   `json:"size"`
	Blksize int64   `json:"blksize"`
	Blocks  int64   `json:"blocks"`
	AtimeMs float64 `json:"atimeMs"`
	MtimeMs float64 `json:"mtimeMs"`
	CtimeMs float64 `json:"ctimeMs"`
}

// IsDir reports whether the record describes a directory.
func (s FileStat) IsDir() bool {
	return s.Mode&S_IFMT == S_IFDIR
}

func statOf(info fs.FileInfo) FileStat {
	mode := uint32(info.Mode().Perm())
	switch t := info.Mode().Type(); {
	case t&fs.ModeDir != 0:
		mode |= S_IFDIR
	case t&fs.ModeSymlink != 0:
		mode |= S_IFLNK
	case t&fs.ModeNamedPipe != 0:
		mode |= S_IFIFO
	case t&fs.ModeCharDevice != 0:
		mode |= S_IFCHR
	case t&fs.ModeSocket != 0:
		mode |= S_IFSOCK
	default:
		mode |= S_IFREG
	}

	mtime := float64(info.ModTime().UnixMilli())
	return FileStat{
		Mode:    mode,
		Nlink:   1,
		Size:    info.Size(),
		Blksize: 4096,
		Blocks:  (info.Size() + 511) / 512,
		AtimeMs: mtime,
		MtimeMs: mtime,
		CtimeMs: mtime,
	}
}
