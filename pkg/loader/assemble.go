package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	ehdrSize = 52
	phdrSize = 32
)

// Assemble builds a minimal i386 ET_EXEC file with one PT_LOAD program
// header per segment. It is used to populate the boot filesystem.
func Assemble(entry uint32, segments ...Segment) []byte {
	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_386),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)

	off := uint32(ehdrSize + phdrSize*len(segments))
	for _, s := range segments {
		flags := elf.PF_R
		if s.Writable {
			flags |= elf.PF_W
		}
		if s.Exec {
			flags |= elf.PF_X
		}
		memsz := max(s.MemSize, uint32(len(s.Data)))
		binary.Write(&buf, binary.LittleEndian, &elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint32(len(s.Data)),
			Memsz:  memsz,
			Flags:  uint32(flags),
			Align:  0x1000,
		})
		off += uint32(len(s.Data))
	}
	for _, s := range segments {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}
