package vfs

import (
	"errors"
	"io"
	"os"
	"time"
)

// Errors shared by every FileSystem implementation. The syscall layer maps
// them onto errno values, so implementations must return (or wrap) these.
var (
	ErrNotExist   = errors.New("vfs: no such file or directory")
	ErrExist      = errors.New("vfs: file exists")
	ErrNotDir     = errors.New("vfs: not a directory")
	ErrIsDir      = errors.New("vfs: is a directory")
	ErrNotEmpty   = errors.New("vfs: directory not empty")
	ErrInvalid    = errors.New("vfs: invalid argument")
	ErrPermission = errors.New("vfs: permission denied")
	ErrClosed     = errors.New("vfs: file is closed")
	ErrBadSeek    = errors.New("vfs: invalid seek")
)

// FileSystem is a path namespace.
//
// Paths are absolute; callers resolve them against a working directory with
// Abs first. Symbolic links are followed in every component except where a
// method says otherwise.
type FileSystem interface {
	// OpenFile opens path with the given O_* flags. Directories may be
	// opened read-only to enumerate them through File.ReadDir.
	OpenFile(path string, flags int, perm os.FileMode) (File, error)

	// Stat describes the file at path, following a final symlink.
	Stat(path string) (FileInfo, error)
	// Lstat describes the file at path without following a final symlink.
	Lstat(path string) (FileInfo, error)

	Mkdir(path string, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error

	// Unlink removes a non-directory name. The file's data lives on while
	// other links or open handles refer to it.
	Unlink(path string) error
	// Rmdir removes an empty directory.
	Rmdir(path string) error
	// Link creates newpath as another name for the file at oldpath.
	Link(oldpath, newpath string) error

	Symlink(target, newpath string) error
	Readlink(path string) (string, error)

	Truncate(path string, size int64) error
	ReadDir(path string) ([]DirEntry, error)
}

// File is an open handle with its own offset.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer

	Stat() (FileInfo, error)
	Truncate(size int64) error
	// ReadDir returns up to n entries after the last call (all remaining
	// when n <= 0). It fails with ErrNotDir on regular files.
	ReadDir(n int) ([]DirEntry, error)
}

// FileInfo describes a file and is returned by Stat and Lstat.
type FileInfo struct {
	Name    string      // Base name of the file
	Ino     uint64      // Inode number, stable for the life of the file
	Size    int64       // Length in bytes for regular files
	Mode    os.FileMode // Type and permission bits
	Nlink   int         // Number of hard links
	Uid     int
	Gid     int
	ModTime time.Time
}

// IsDir reports whether the info describes a directory.
func (fi FileInfo) IsDir() bool { return fi.Mode.IsDir() }

// IsSymlink reports whether the info describes a symbolic link.
func (fi FileInfo) IsSymlink() bool { return fi.Mode&os.ModeSymlink != 0 }

// DirEntry is one name in a directory.
type DirEntry struct {
	Name string
	Ino  uint64
	Type os.FileMode // ModeDir, ModeSymlink or 0
}

// Flags for OpenFile, matching the os package constants.
const (
	O_RDONLY  = os.O_RDONLY
	O_WRONLY  = os.O_WRONLY
	O_RDWR    = os.O_RDWR
	O_CREATE  = os.O_CREATE
	O_EXCL    = os.O_EXCL
	O_TRUNC   = os.O_TRUNC
	O_APPEND  = os.O_APPEND
	O_ACCMODE = O_RDONLY | O_WRONLY | O_RDWR
)

// Whence values for Seek.
const (
	SEEK_SET = io.SeekStart
	SEEK_CUR = io.SeekCurrent
	SEEK_END = io.SeekEnd
)

// File type bits.
const (
	ModeDir        = os.ModeDir
	ModeSymlink    = os.ModeSymlink
	ModeNamedPipe  = os.ModeNamedPipe
	ModeCharDevice = os.ModeCharDevice
	ModePerm       = os.ModePerm
)
