package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"taskos/pkg/process/ipc"
)

func TestFDTableLowestFree(t *testing.T) {
	tbl := NewFDTable(4)
	r, w := NewPipe(0)
	for want := 0; want < 3; want++ {
		fd, err := tbl.Install(r.get(), false)
		require.NoError(t, err)
		assert.Equal(t, want, fd)
	}
	require.NoError(t, tbl.Close(1))
	fd, err := tbl.Install(w, false)
	require.NoError(t, err)
	assert.Equal(t, 1, fd)
	assert.Equal(t, 3, tbl.Len())

	require.NoError(t, tbl.Close(1))
	assert.ErrorIs(t, tbl.Close(1), ErrBadFD)
	assert.ErrorIs(t, tbl.Close(-1), ErrBadFD)
	assert.ErrorIs(t, tbl.Close(9), ErrBadFD)
}

func TestFDTableLimit(t *testing.T) {
	tbl := NewFDTable(2)
	r, w := NewPipe(0)
	_, err := tbl.Install(r, false)
	require.NoError(t, err)
	_, err = tbl.Install(w, false)
	require.NoError(t, err)

	extra, _ := NewPipe(0)
	_, err = tbl.Install(extra, false)
	assert.ErrorIs(t, err, ErrTooManyFiles)
	assert.True(t, IsLimitError(err))
	assert.Zero(t, extra.Refs(), "a failed install drops the reference")

	_, err = tbl.Dup(0)
	assert.ErrorIs(t, err, ErrTooManyFiles)
	_, err = tbl.Dup2(0, 2)
	assert.ErrorIs(t, err, ErrBadFD)
}

func TestFDTableDup(t *testing.T) {
	tbl := NewFDTable(8)
	r, w := NewPipe(0)
	rfd, err := tbl.Install(r, true)
	require.NoError(t, err)
	_, err = tbl.Install(w, false)
	require.NoError(t, err)

	dfd, err := tbl.Dup(rfd)
	require.NoError(t, err)
	assert.Equal(t, 2, dfd)
	assert.Equal(t, 2, r.Refs())

	fd, err := tbl.Dup2(rfd, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, fd)
	assert.Equal(t, 3, r.Refs())

	fd, err = tbl.Dup2(rfd, rfd)
	require.NoError(t, err)
	assert.Equal(t, rfd, fd)
	assert.Equal(t, 3, r.Refs())

	_, err = tbl.Dup2(7, 3)
	assert.ErrorIs(t, err, ErrBadFD)

	// Only the original descriptor was close-on-exec.
	tbl.CloseOnExec()
	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, 2, r.Refs())
}

func TestFDTableCloneSharesDescriptions(t *testing.T) {
	tbl := NewFDTable(8)
	r, w := NewPipe(0)
	rfd, wfd, err := tbl.installPair(r, w)
	require.NoError(t, err)

	clone := tbl.Clone()
	assert.Equal(t, 2, r.Refs())
	assert.Equal(t, 2, w.Refs())

	require.NoError(t, tbl.Close(rfd))
	assert.Equal(t, 1, r.Refs())
	clone.CloseAll()
	assert.Zero(t, r.Refs())
	assert.Zero(t, clone.Len())

	// With every read end gone, writes fail.
	_, err = w.File().Write([]byte("x"))
	assert.ErrorIs(t, err, ipc.ErrBrokenPipe)
	require.NoError(t, tbl.Close(wfd))
	assert.Zero(t, w.Refs())
}

func TestFDTableInstallPairIsAtomic(t *testing.T) {
	tbl := NewFDTable(3)
	a, b := NewPipe(0)
	_, _, err := tbl.installPair(a, b)
	require.NoError(t, err)

	r, w := NewPipe(0)
	_, _, err = tbl.installPair(r, w)
	assert.ErrorIs(t, err, ErrTooManyFiles)
	assert.Equal(t, 2, tbl.Len())
	assert.Zero(t, r.Refs())
	assert.Zero(t, w.Refs())
}

// TestFDTableModel checks the table against a simple model: installs always
// take the lowest free slot and the open count matches.
func TestFDTableModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 16).Draw(t, "limit")
		tbl := NewFDTable(limit)
		open := map[int]bool{}

		lowest := func() int {
			for fd := 0; ; fd++ {
				if !open[fd] {
					return fd
				}
			}
		}

		for range rapid.IntRange(1, 64).Draw(t, "ops") {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				d, _ := NewPipe(0)
				fd, err := tbl.Install(d, false)
				if len(open) >= limit {
					if err == nil {
						t.Fatalf("install past limit %d succeeded", limit)
					}
					continue
				}
				if want := lowest(); err != nil || fd != want {
					t.Fatalf("Install() = %d, %v; want %d", fd, err, want)
				}
				open[fd] = true
			case 1:
				fd := rapid.IntRange(0, limit).Draw(t, "close")
				err := tbl.Close(fd)
				if open[fd] != (err == nil) {
					t.Fatalf("Close(%d) = %v, open=%v", fd, err, open[fd])
				}
				delete(open, fd)
			case 2:
				fd := rapid.IntRange(0, limit).Draw(t, "dup")
				nfd, err := tbl.Dup(fd)
				if !open[fd] || len(open) >= limit {
					if err == nil {
						t.Fatalf("Dup(%d) succeeded unexpectedly", fd)
					}
					continue
				}
				if want := lowest(); err != nil || nfd != want {
					t.Fatalf("Dup(%d) = %d, %v; want %d", fd, nfd, err, want)
				}
				open[nfd] = true
			}
			if tbl.Len() != len(open) {
				t.Fatalf("Len() = %d, model has %d", tbl.Len(), len(open))
			}
		}
	})
}
