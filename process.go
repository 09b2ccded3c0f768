package reactor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"

	"github.com/deferio/reactor/internal/rlog"
)

// workerEnvVar marks a re-exec'd process as a worker, so WorkerID can tell
// a forked child apart from the original parent invocation (spec.md §5,
// "workers × threads").
const workerEnvVar = "REACTOR_WORKER_ID"

// WorkerID reports this process's worker index (0-based) if it was started
// by Run as a forked worker, or false if running standalone/as the parent.
func WorkerID() (int, bool) {
	v := os.Getenv(workerEnvVar)
	if v == "" {
		return 0, false
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return id, true
}

// RunOptions configures a multi-worker process pool (spec.md §5).
type RunOptions struct {
	// Workers is how many child processes to fork. 0 or 1 runs the given
	// function directly in the current process with no forking at all.
	Workers int
	// Worker is called exactly once per process (parent, if Workers<=1, or
	// each forked child) to build and serve that process's Server.
	Worker func(workerID int) error
	// OnChildCrash is called in the parent when a worker process exits
	// with a non-zero status or signal (spec.md §4.I, OnChildCrash).
	OnChildCrash func(workerID int, err error)
}

// Run implements the pre-fork worker-process pool: with Workers > 1, the
// parent re-execs the current binary Workers times, each child marked via
// workerEnvVar, and restarts any child that exits until the parent itself
// receives SIGINT/SIGTERM. With Workers <= 1 it simply calls opts.Worker(0)
// in the current process, so single-process embedding needs no special
// casing.
func Run(opts RunOptions) error {
	if id, ok := WorkerID(); ok {
		return opts.Worker(id)
	}
	if opts.Workers <= 1 {
		return opts.Worker(0)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	childErr := make(chan error, opts.Workers)

	procs := make([]*exec.Cmd, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		if err := spawnWorker(i, procs, childErr); err != nil {
			return errors.Wrap(err, "reactor: spawn worker")
		}
	}

	go func() {
		<-sigCh
		for _, p := range procs {
			if p != nil && p.Process != nil {
				p.Process.Signal(syscall.SIGTERM)
			}
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			return nil
		case err := <-childErr:
			var crashErr *workerCrash
			if errors.As(err, &crashErr) {
				if opts.OnChildCrash != nil && crashErr.err != nil {
					opts.OnChildCrash(crashErr.id, crashErr.err)
				}
				select {
				case <-done:
					return nil
				default:
					rlog.Warn("reactor: respawning crashed worker", "worker", crashErr.id)
					if err := spawnWorker(crashErr.id, procs, childErr); err != nil {
						return errors.Wrap(err, "reactor: respawn worker")
					}
				}
			}
		}
	}
}

type workerCrash struct {
	id  int
	err error
}

func (e *workerCrash) Error() string { return fmt.Sprintf("worker %d: %v", e.id, e.err) }

func spawnWorker(id int, procs []*exec.Cmd, childErr chan<- error) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", workerEnvVar, id))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	procs[id] = cmd

	go func() {
		err := cmd.Wait()
		childErr <- &workerCrash{id: id, err: err}
	}()
	return nil
}
