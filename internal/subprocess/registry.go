package subprocess

import (
	"os/exec"
	"sync"
)

// Registry tracks every external encoder child process currently
// running, so the Memory Guard (C11) can kill them all on a hard
// threshold breach per spec.md §4.9.
type Registry struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[int]*exec.Cmd)}
}

// Register adds cmd (which must already have Process populated, i.e.
// be running) to the registry and returns a func to remove it once the
// process exits.
func (r *Registry) Register(cmd *exec.Cmd) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pid := cmd.Process.Pid
	r.procs[pid] = cmd

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.procs, pid)
	}
}

// KillAll sends a hard kill signal to every currently registered child
// process. Errors are ignored: a process that has already exited is not
// a failure here.
func (r *Registry) KillAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	killed := 0
	for _, cmd := range r.procs {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Kill(); err == nil {
			killed++
		}
	}
	return killed
}

// Count reports how many child processes are currently registered.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}
