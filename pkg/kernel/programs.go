package kernel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskos/pkg/libc"
	"taskos/pkg/process"
)

// Builtins are the programs every kernel boots with.
var Builtins = map[string]libc.Program{
	"/bin/init":  initMain,
	"/bin/echo":  echoMain,
	"/bin/cat":   catMain,
	"/bin/sleep": sleepMain,
	"/bin/true":  func(*libc.Thread) int { return 0 },
	"/bin/false": func(*libc.Thread) int { return 1 },
}

func echoMain(t *libc.Thread) int {
	args := t.Args()
	if len(args) > 0 {
		args = args[1:]
	}
	if _, err := t.Write(libc.Stdout, []byte(strings.Join(args, " ")+"\n")); err != nil {
		return 1
	}
	return 0
}

func catMain(t *libc.Thread) int {
	for {
		data, err := t.Read(libc.Stdin, 512)
		if err != nil {
			return 1
		}
		if len(data) == 0 {
			return 0
		}
		if _, err := t.Write(libc.Stdout, data); err != nil {
			return 1
		}
	}
}

// sleepMain sleeps for its argument in milliseconds, one second by default.
func sleepMain(t *libc.Thread) int {
	ms := 1000
	if args := t.Args(); len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return 2
		}
		ms = n
	}
	_ = t.Sleep(time.Duration(ms) * time.Millisecond)
	return 0
}

// describe renders a wait status the way a shell reports it.
func describe(status int) string {
	if code, ok := process.StatusExited(status); ok {
		return fmt.Sprintf("exited %d", code)
	}
	if sig, ok := process.StatusSignaled(status); ok {
		return "killed by " + sig.String()
	}
	if sig, ok := process.StatusStopped(status); ok {
		return "stopped by " + sig.String()
	}
	return fmt.Sprintf("status %#x", status)
}

// spawn forks a child that runs argv through a PATH search.
func spawn(t *libc.Thread, setup func(t *libc.Thread), argv ...string) int {
	pid, err := t.Fork(func(t *libc.Thread) int {
		if setup != nil {
			setup(t)
		}
		t.Execvp(argv[0], argv, []string{"PATH=/bin"})
		return 127
	})
	if err != nil {
		t.Print("init: fork: " + err.Error() + "\n")
		return -1
	}
	return pid
}

func report(t *libc.Thread, what string, pid, options int) {
	if pid <= 0 {
		return
	}
	_, status, err := t.Waitpid(pid, options)
	if err != nil {
		t.Print(fmt.Sprintf("init: %s: waitpid: %v\n", what, err))
		return
	}
	t.Print(fmt.Sprintf("init: %s %s\n", what, describe(status)))
}

// initMain runs the boot scenario: a plain child, a two stage pipeline, a
// child killed while it sleeps and a job stopped and continued.
func initMain(t *libc.Thread) int {
	t.Print(fmt.Sprintf("init: pid %d\n", t.Getpid()))

	report(t, "echo", spawn(t, nil, "echo", "hello", "from", "echo"), 0)

	r, w, err := t.Pipe()
	if err != nil {
		t.Print("init: pipe: " + err.Error() + "\n")
		return 1
	}
	writer := spawn(t, func(t *libc.Thread) {
		t.Dup2(w, libc.Stdout)
		t.Close(r)
		t.Close(w)
	}, "echo", "through", "a", "pipe")
	reader := spawn(t, func(t *libc.Thread) {
		t.Dup2(r, libc.Stdin)
		t.Close(r)
		t.Close(w)
	}, "cat")
	t.Close(r)
	t.Close(w)
	report(t, "pipeline writer", writer, 0)
	report(t, "pipeline reader", reader, 0)

	sleeper := spawn(t, nil, "sleep", "60000")
	if sleeper > 0 {
		t.Kill(sleeper, process.SIGTERM)
	}
	report(t, "sleep", sleeper, 0)

	job := spawn(t, nil, "sleep", "20")
	if job > 0 {
		t.Kill(job, process.SIGSTOP)
		report(t, "job", job, process.WUNTRACED)
		t.Kill(job, process.SIGCONT)
	}
	report(t, "job", job, 0)

	t.Print("init: done\n")
	return 0
}
