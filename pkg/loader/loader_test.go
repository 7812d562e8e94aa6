package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskos/pkg/vfs/memfs"
)

func TestLoadAssembled(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, fs.MkdirAll("/bin", 0o755))
	raw := Assemble(0x8000,
		Segment{Vaddr: 0x8000, Data: []byte{0x90, 0x90, 0xc3}, Exec: true},
		Segment{Vaddr: 0xA000, Data: []byte("data"), MemSize: 0x1800, Writable: true},
	)
	require.NoError(t, fs.WriteFile("/bin/prog", raw, 0o755))

	img, err := ELF{FS: fs}.Load("/bin/prog")
	require.NoError(t, err)
	assert.Equal(t, "/bin/prog", img.Path)
	assert.Equal(t, uint32(0x8000), img.Entry)
	require.Len(t, img.Segments, 2)

	text, data := img.Segments[0], img.Segments[1]
	assert.True(t, text.Exec)
	assert.False(t, text.Writable)
	assert.Equal(t, []byte{0x90, 0x90, 0xc3}, text.Data)
	assert.True(t, data.Writable)
	assert.Equal(t, uint32(0x1800), data.MemSize)
	assert.Equal(t, uint32(0xB800), img.End())
}

func TestLoadErrors(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, fs.MkdirAll("/bin", 0o755))
	require.NoError(t, fs.WriteFile("/bin/script", []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, fs.WriteFile("/bin/noentry",
		Assemble(0x9000, Segment{Vaddr: 0x8000, Data: []byte{1}, Exec: true}), 0o755))

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", "/bin/missing", ErrNotFound},
		{"missing parent", "/nope/prog", ErrNotFound},
		{"not elf", "/bin/script", ErrBadExecutable},
		{"directory", "/bin", ErrBadExecutable},
		{"entry outside text", "/bin/noentry", ErrBadExecutable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ELF{FS: fs}.Load(tt.path)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
