package supervisor

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/janus/internal/metrics"
	"github.com/loykin/janus/internal/process"
)

// reapInterval bounds how long an exit can go unnoticed if a SIGCHLD is
// coalesced or lost.
const reapInterval = time.Second

type exitFunc func(pid int, ws syscall.WaitStatus)

// reaper is the only caller of wait(2) in the process. It collects every child
// that exits, tracked or not, and hands tracked exits to the callback
// registered when the child was forked. Nothing else may call exec.Cmd.Wait
// once a reaper is running.
type reaper struct {
	mu      sync.Mutex
	waiters map[int]exitFunc
	kick    chan struct{}
	orphans atomic.Int64
	log     atomic.Pointer[slog.Logger] // logger of the supervisor created last
}

var (
	reaperOnce sync.Once
	theReaper  *reaper
)

// sharedReaper returns the process-wide reaper, starting it on first use.
// Orphans are reported through log from then on.
func sharedReaper(log *slog.Logger) *reaper {
	reaperOnce.Do(func() {
		theReaper = &reaper{
			waiters: make(map[int]exitFunc),
			kick:    make(chan struct{}, 1),
		}
		go theReaper.loop()
	})
	theReaper.log.Store(log)
	return theReaper
}

// start forks cmd and registers notify for its pid. Registration happens
// under the same lock the reap loop takes around wait4, so an exit can never
// be collected before its callback exists.
func (r *reaper) start(cmd *exec.Cmd, notify exitFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return err
	}
	r.waiters[cmd.Process.Pid] = notify
	return nil
}

// tracked reports how many children have a registered callback.
func (r *reaper) tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// isTracked reports whether pid has a registered callback.
func (r *reaper) isTracked(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waiters[pid]
	return ok
}

// poke requests an immediate reap pass.
func (r *reaper) poke() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *reaper) loop() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGCHLD)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sigs:
		case <-ticker.C:
		case <-r.kick:
		}
		r.reapAll()
	}
}

func (r *reaper) reapAll() {
	for {
		var ws unix.WaitStatus
		r.mu.Lock()
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		var fn exitFunc
		if err == nil && pid > 0 {
			fn = r.waiters[pid]
			delete(r.waiters, pid)
		}
		r.mu.Unlock()

		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			// ECHILD: no children at all; 0: none has exited yet
			return
		}
		if fn == nil {
			if log := r.log.Load(); log != nil {
				log.Info("reaped orphan", "pid", pid, "status", process.ExitFromWaitStatus(syscall.WaitStatus(ws)).String())
			}
			r.orphans.Add(1)
			metrics.IncOrphanReaped()
			continue
		}
		fn(pid, syscall.WaitStatus(ws))
	}
}
