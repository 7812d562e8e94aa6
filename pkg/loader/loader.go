// Package loader reads i386 ELF executables into loadable images.
//
// Only what exec needs is extracted: the entry point and the PT_LOAD
// segments with their file bytes, memory size and permissions. Placing the
// segments into an address space is the process layer's job.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"taskos/pkg/vfs"
)

// Errors returned by Load.
var (
	ErrNotFound      = errors.New("loader: executable not found")
	ErrBadExecutable = errors.New("loader: bad executable format")
)

// MaxImageSize bounds the size of an executable file.
const MaxImageSize = 16 << 20

// Segment is one PT_LOAD program header.
type Segment struct {
	Vaddr    uint32
	MemSize  uint32
	Data     []byte
	Writable bool
	Exec     bool
}

// End returns the first address past the segment.
func (s Segment) End() uint32 { return s.Vaddr + s.MemSize }

// Image is a parsed executable.
type Image struct {
	Path     string
	Entry    uint32
	Segments []Segment
}

// End returns the first address past the highest segment; the heap starts
// there.
func (img *Image) End() uint32 {
	var end uint32
	for _, s := range img.Segments {
		end = max(end, s.End())
	}
	return end
}

// ELF loads executables from a filesystem.
type ELF struct {
	FS vfs.FileSystem
}

// Load reads and parses the executable at path.
func (l ELF) Load(path string) (*Image, error) {
	info, err := l.FS.Stat(path)
	if err != nil {
		if errors.Is(err, vfs.ErrNotExist) || errors.Is(err, vfs.ErrNotDir) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrBadExecutable, path)
	}
	if info.Size > MaxImageSize {
		return nil, fmt.Errorf("%w: %s is too large", ErrBadExecutable, path)
	}

	f, err := l.FS.OpenFile(path, vfs.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	img, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// Parse decodes an in-memory ELF file.
func Parse(raw []byte) (*Image, error) {
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadExecutable, err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS32 || ef.Data != elf.ELFDATA2LSB || ef.Machine != elf.EM_386 {
		return nil, fmt.Errorf("%w: want 32-bit little endian i386, got %v %v %v",
			ErrBadExecutable, ef.Class, ef.Data, ef.Machine)
	}
	if ef.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: type %v", ErrBadExecutable, ef.Type)
	}

	img := &Image{Entry: uint32(ef.Entry)}
	entryMapped := false
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Filesz > p.Memsz || p.Memsz == 0 || p.Vaddr+p.Memsz > 1<<32 {
			return nil, fmt.Errorf("%w: bad segment at %#x", ErrBadExecutable, p.Vaddr)
		}
		data := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), data); err != nil {
			return nil, fmt.Errorf("%w: segment at %#x: %v", ErrBadExecutable, p.Vaddr, err)
		}
		seg := Segment{
			Vaddr:    uint32(p.Vaddr),
			MemSize:  uint32(p.Memsz),
			Data:     data,
			Writable: p.Flags&elf.PF_W != 0,
			Exec:     p.Flags&elf.PF_X != 0,
		}
		if seg.Exec && img.Entry >= seg.Vaddr && img.Entry < seg.End() {
			entryMapped = true
		}
		img.Segments = append(img.Segments, seg)
	}
	if !entryMapped {
		return nil, fmt.Errorf("%w: entry %#x not in an executable segment", ErrBadExecutable, img.Entry)
	}
	return img, nil
}
