package syscalls

import (
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"taskos/pkg/vfs"
)

// Special sigaction handler values.
const (
	SigDFL = 0
	SigIGN = 1
)

// Stat is the record stat, fstat and lstat write.
type Stat struct {
	Ino   uint32
	Mode  uint32
	Nlink uint32
	UID   uint32
	GID   uint32
	Size  uint32
	Mtime uint32
}

// Dirent is one readdir record. Name is NUL padded.
type Dirent struct {
	Ino  uint32
	Type uint32
	Name [256]byte
}

// Timeval is the record gettimeofday writes.
type Timeval struct {
	Sec  int32
	Usec int32
}

// Sigaction is the user's view of a signal action.
type Sigaction struct {
	Handler  uint32
	Flags    uint32
	Restorer uint32
}

// ReadlinkatArgs is the argument block readlinkat takes by pointer.
type ReadlinkatArgs struct {
	Dirfd   int32
	Path    uint32
	Buf     uint32
	Bufsize uint32
}

// Record sizes in user memory.
var (
	StatSize       = binary.Size(Stat{})
	DirentSize     = binary.Size(Dirent{})
	TimevalSize    = binary.Size(Timeval{})
	SigactionSize  = binary.Size(Sigaction{})
	ReadlinkatSize = binary.Size(ReadlinkatArgs{})
)

// Encode lays v out as user code sees it.
func Encode(v any) []byte {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode fills v from its user memory layout.
func Decode(b []byte, v any) error {
	_, err := binary.Decode(b, binary.LittleEndian, v)
	return err
}

// Mode converts file mode bits to the st_mode encoding.
func Mode(m os.FileMode) uint32 {
	bits := uint32(m.Perm())
	switch {
	case m.IsDir():
		bits |= unix.S_IFDIR
	case m&os.ModeSymlink != 0:
		bits |= unix.S_IFLNK
	case m&os.ModeCharDevice != 0:
		bits |= unix.S_IFCHR
	case m&os.ModeNamedPipe != 0:
		bits |= unix.S_IFIFO
	default:
		bits |= unix.S_IFREG
	}
	return bits
}

// FileMode converts an st_mode back to file mode bits.
func FileMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0o777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		m |= os.ModeDir
	case unix.S_IFLNK:
		m |= os.ModeSymlink
	case unix.S_IFCHR:
		m |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFIFO:
		m |= os.ModeNamedPipe
	}
	return m
}

func statOf(fi vfs.FileInfo) Stat {
	return Stat{
		Ino:   uint32(fi.Ino),
		Mode:  Mode(fi.Mode),
		Nlink: uint32(fi.Nlink),
		UID:   uint32(fi.Uid),
		GID:   uint32(fi.Gid),
		Size:  uint32(fi.Size),
		Mtime: uint32(fi.ModTime.Unix()),
	}
}

func direntOf(e vfs.DirEntry) Dirent {
	d := Dirent{Ino: uint32(e.Ino), Type: unix.DT_REG}
	switch {
	case e.Type&os.ModeDir != 0:
		d.Type = unix.DT_DIR
	case e.Type&os.ModeSymlink != 0:
		d.Type = unix.DT_LNK
	}
	copy(d.Name[:len(d.Name)-1], e.Name)
	return d
}

// DirentName returns the name stored in d.
func DirentName(d Dirent) string {
	for i, b := range d.Name {
		if b == 0 {
			return string(d.Name[:i])
		}
	}
	return string(d.Name[:])
}

func timevalOf(t time.Time) Timeval {
	return Timeval{Sec: int32(t.Unix()), Usec: int32(t.Nanosecond() / 1000)}
}

// openFlags converts open(2) flags to vfs flags and the close-on-exec bit.
func openFlags(f int) (flags int, cloexec bool) {
	switch f & unix.O_ACCMODE {
	case unix.O_WRONLY:
		flags = vfs.O_WRONLY
	case unix.O_RDWR:
		flags = vfs.O_RDWR
	default:
		flags = vfs.O_RDONLY
	}
	for _, m := range []struct{ from, to int }{
		{unix.O_CREAT, vfs.O_CREATE},
		{unix.O_EXCL, vfs.O_EXCL},
		{unix.O_TRUNC, vfs.O_TRUNC},
		{unix.O_APPEND, vfs.O_APPEND},
	} {
		if f&m.from != 0 {
			flags |= m.to
		}
	}
	return flags, f&unix.O_CLOEXEC != 0
}
