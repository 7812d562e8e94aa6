package libc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/process"
	"taskos/pkg/syscalls"
	"taskos/pkg/tty"
	"taskos/pkg/vfs/memfs"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type env struct {
	rt  *Runtime
	m   *process.Manager
	fs  *memfs.FS
	out *syncBuffer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fs := memfs.New()
	require.NoError(t, fs.MkdirAll("/bin", 0o755))
	out := &syncBuffer{}
	m, err := process.NewManager(process.Options{
		Memory:  mm.NewManager(512),
		Loader:  loader.ELF{FS: fs},
		FS:      fs,
		Console: tty.New(out),
	})
	require.NoError(t, err)
	rt := New(ctx, m, syscalls.New(m, syscalls.Options{}), Options{})
	return &env{rt: rt, m: m, fs: fs, out: out}
}

func (e *env) install(t *testing.T, path string, prog Program) {
	t.Helper()
	require.NoError(t, e.rt.Install(path, prog))
}

// run spawns path as a top-level process and waits for every program.
func (e *env) run(t *testing.T, path string, args ...string) *process.Process {
	t.Helper()
	p, err := e.rt.Spawn(path, append([]string{path}, args...), nil, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.rt.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("programs still running; console: %q", e.out.String())
	}
	return p
}

func exitCode(t *testing.T, p *process.Process) int {
	t.Helper()
	code, ok := process.StatusExited(p.ExitStatus())
	require.True(t, ok, "status %#x", p.ExitStatus())
	return code
}

func TestHello(t *testing.T) {
	e := newEnv(t)
	e.install(t, "/bin/hello", func(t *Thread) int {
		t.Print("hello " + strings.Join(t.Args()[1:], ","))
		return 3
	})

	p := e.run(t, "/bin/hello", "a", "b")
	assert.Equal(t, "hello a,b", e.out.String())
	assert.Equal(t, process.StateDead, p.State(), "nobody can reap a top-level process")
	assert.Equal(t, 3, exitCode(t, p))
}

func TestForkWait(t *testing.T) {
	e := newEnv(t)
	e.install(t, "/bin/parent", func(t *Thread) int {
		pid, err := t.Fork(func(t *Thread) int {
			t.Print(fmt.Sprintf("child of %d;", t.Getppid()))
			return 42
		})
		if err != nil {
			return 1
		}
		got, status, err := t.Waitpid(-1, 0)
		if err != nil || got != pid {
			return 2
		}
		code, _ := process.StatusExited(status)
		t.Print(fmt.Sprintf("reaped %d", code))
		return 0
	})

	p := e.run(t, "/bin/parent")
	assert.Equal(t, fmt.Sprintf("child of %d;reaped 42", p.PID()), e.out.String())
	assert.Equal(t, 0, exitCode(t, p))
	assert.Equal(t, 0, e.m.Table().Len())
}

func TestPipeBetweenProcesses(t *testing.T) {
	e := newEnv(t)
	e.install(t, "/bin/pipe", func(t *Thread) int {
		r, w, err := t.Pipe()
		if err != nil {
			return 1
		}
		_, err = t.Fork(func(t *Thread) int {
			t.Close(r)
			t.Sleep(20 * time.Millisecond)
			t.Write(w, []byte("ping"))
			return 0
		})
		if err != nil {
			return 2
		}
		t.Close(w)
		data, err := t.Read(r, 16)
		if err != nil {
			return 3
		}
		t.Print(string(data))
		if _, _, err := t.Waitpid(-1, 0); err != nil {
			return 4
		}
		// Every writer is gone now.
		if rest, err := t.Read(r, 16); err != nil || len(rest) != 0 {
			return 5
		}
		return 0
	})

	p := e.run(t, "/bin/pipe")
	assert.Equal(t, 0, exitCode(t, p))
	assert.Equal(t, "ping", e.out.String())
}

func TestSignalHandlers(t *testing.T) {
	e := newEnv(t)
	var seen []process.Signal
	handler := e.rt.Handler(func(t *Thread, sig process.Signal) {
		seen = append(seen, sig)
		t.Print("[" + sig.String() + "]")
	})
	e.install(t, "/bin/sig", func(t *Thread) int {
		if _, err := t.Sigaction(process.SIGUSR1, handler, 0); err != nil {
			return 1
		}
		if _, err := t.Sigaction(process.SIGUSR2, handler, Restorer); err != nil {
			return 2
		}
		if err := t.Kill(t.Getpid(), process.SIGUSR1); err != nil {
			return 3
		}
		t.Print("between")
		if err := t.Kill(t.Getpid(), process.SIGUSR2); err != nil {
			return 4
		}
		t.Print("after")
		old, err := t.Sigaction(process.SIGUSR1, syscalls.SigIGN, 0)
		if err != nil || old != handler {
			return 5
		}
		t.Kill(t.Getpid(), process.SIGUSR1)
		return 0
	})

	p := e.run(t, "/bin/sig")
	assert.Equal(t, 0, exitCode(t, p))
	assert.Equal(t, "[SIGUSR1]between[SIGUSR2]after", e.out.String())
	assert.Equal(t, []process.Signal{process.SIGUSR1, process.SIGUSR2}, seen)
}

func TestSleepInterrupted(t *testing.T) {
	e := newEnv(t)
	handler := e.rt.Handler(func(*Thread, process.Signal) {})
	e.install(t, "/bin/sleeper", func(t *Thread) int {
		// Installed before fork so the child never sees the default action.
		if _, err := t.Sigaction(process.SIGUSR1, handler, 0); err != nil {
			return 3
		}
		child, err := t.Fork(func(t *Thread) int {
			for {
				if err := t.Sleep(10 * time.Second); errors.Is(err, unix.EINTR) {
					return 7
				}
			}
		})
		if err != nil {
			return 1
		}
		// The signal may land before the child sleeps, so keep sending.
		for {
			t.Kill(child, process.SIGUSR1)
			got, status, err := t.Waitpid(child, process.WNOHANG)
			if err != nil {
				return 2
			}
			if got == child {
				code, _ := process.StatusExited(status)
				t.Print(fmt.Sprint(code))
				return 0
			}
			t.Sleep(5 * time.Millisecond)
		}
	})

	p := e.run(t, "/bin/sleeper")
	assert.Equal(t, 0, exitCode(t, p))
	assert.Equal(t, "7", e.out.String())
}

func TestExec(t *testing.T) {
	e := newEnv(t)
	e.install(t, "/bin/echo", func(t *Thread) int {
		t.Print(strings.Join(t.Args(), " "))
		return 5
	})
	e.install(t, "/bin/launcher", func(t *Thread) int {
		if err := t.Execve("/bin/missing", []string{"missing"}, nil); !errors.Is(err, unix.ENOENT) {
			return 1
		}
		t.Execvp("echo", []string{"echo", "from", "exec"}, []string{"PATH=/bin"})
		return 2
	})

	p := e.run(t, "/bin/launcher")
	assert.Equal(t, "echo from exec", e.out.String())
	assert.Equal(t, 5, exitCode(t, p))
	assert.Equal(t, "echo", p.Name())
}

func TestBadAccessKills(t *testing.T) {
	e := newEnv(t)
	e.install(t, "/bin/segv", func(t *Thread) int {
		t.Touch(0x40000000, true)
		t.Print("unreachable")
		return 0
	})

	p := e.run(t, "/bin/segv")
	sig, ok := process.StatusSignaled(p.ExitStatus())
	require.True(t, ok)
	assert.Equal(t, process.SIGSEGV, sig)
	assert.Empty(t, e.out.String())
}

func TestFilesystemWrappers(t *testing.T) {
	e := newEnv(t)
	e.install(t, "/bin/fs", func(t *Thread) int {
		if err := t.Mkdir("/work", 0o755); err != nil {
			return 1
		}
		if err := t.Chdir("/work"); err != nil {
			return 2
		}
		fd, err := t.Open("notes", unix.O_CREAT|unix.O_RDWR, 0o600)
		if err != nil {
			return 3
		}
		t.Write(fd, []byte("abc"))
		st, err := t.Stat("notes")
		if err != nil || st.Size != 3 {
			return 4
		}
		cwd, err := t.Getcwd()
		if err != nil {
			return 5
		}
		t.Print(cwd)
		if _, err := t.Open("/work", unix.O_WRONLY, 0); !errors.Is(err, unix.EISDIR) {
			return 6
		}
		return 0
	})

	p := e.run(t, "/bin/fs")
	assert.Equal(t, 0, exitCode(t, p))
	assert.Equal(t, "/work", e.out.String())
	data, err := e.fs.ReadFile("/work/notes")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestNoProgramAtEntry(t *testing.T) {
	e := newEnv(t)
	image := loader.Assemble(0x8000, loader.Segment{Vaddr: 0x8000, Data: []byte{0x90}, MemSize: 1, Exec: true})
	require.NoError(t, e.fs.WriteFile("/bin/raw", image, 0o755))

	p := e.run(t, "/bin/raw")
	assert.Equal(t, ExitNoProgram, exitCode(t, p))
}

func TestInstallAssignsDistinctEntries(t *testing.T) {
	e := newEnv(t)
	e.install(t, "/bin/a", func(*Thread) int { return 0 })
	e.install(t, "/usr/bin/b", func(*Thread) int { return 0 })

	a, err := loader.ELF{FS: e.fs}.Load("/bin/a")
	require.NoError(t, err)
	b, err := loader.ELF{FS: e.fs}.Load("/usr/bin/b")
	require.NoError(t, err)
	assert.NotEqual(t, a.Entry, b.Entry)

	h1 := e.rt.Handler(func(*Thread, process.Signal) {})
	h2 := e.rt.Handler(func(*Thread, process.Signal) {})
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, Restorer, h1)
}
