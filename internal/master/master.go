// Package master implements the process supervisor from spec.md §4.11.
// Go has no fork(2); instead of forking, the master re-execs itself with a
// hidden "worker" subcommand (wired in cmd/txrelay) so each worker is a
// freshly started process that independently binds its SO_REUSEPORT
// listeners — the kernel still load-balances accepted connections across
// them exactly as the spec's fork-based model intends.
package master

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/nabbar/txrelay/internal/logging"
)

// MinWorkers / MaxWorkers bound the computed worker count, per spec.md
// §4.11.
const (
	MinWorkers = 1
	MaxWorkers = 64
)

// shutdownBudget is how long the master waits for workers to exit
// gracefully after sending SIGUSR1 before sending SIGKILL.
const shutdownBudget = 30 * time.Second

// Config describes what the master needs to spawn and supervise workers.
type Config struct {
	ConfigPath string
	Workers    int // 0 means "auto: CPU count, clamped"
	Executable string
	Log        *logging.Logger

	// SlotMaxSum is max_normal+max_large+max_huge from the loaded config,
	// used by CheckFDLimit's formula in spec.md §4.11.
	SlotMaxSum int
}

// process tracks one live worker.
type process struct {
	slot int
	cmd  *exec.Cmd
}

// Master supervises the worker fleet for the lifetime of the program.
type Master struct {
	cfg Config

	mu       sync.Mutex
	live     map[int]*process // pid -> process
	draining map[int]bool     // pid -> true while in the overlap-drain set

	shutdown bool
	reload   bool
}

// New builds a Master from Config, resolving an automatic worker count.
func New(cfg Config) *Master {
	if cfg.Workers <= 0 {
		cfg.Workers = clamp(runtime.NumCPU(), MinWorkers, MaxWorkers)
	} else {
		cfg.Workers = clamp(cfg.Workers, MinWorkers, MaxWorkers)
	}
	return &Master{
		cfg:      cfg,
		live:     make(map[int]*process),
		draining: make(map[int]bool),
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// CheckFDLimit raises (best effort) or validates the process file
// descriptor limit against spec.md §4.11's formula, failing start if below
// the hard minimum.
func (m *Master) CheckFDLimit() error {
	want := uint64(m.cfg.Workers*(m.cfg.SlotMaxSum+15) + 50)
	hardMin := uint64(m.cfg.Workers*20 + 20)

	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}
	if rl.Cur < want && rl.Max >= want {
		rl.Cur = want
		_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rl)
		_ = unix.Getrlimit(unix.RLIMIT_NOFILE, &rl)
	}
	if rl.Cur < hardMin {
		return fmt.Errorf("file descriptor limit %d below required minimum %d", rl.Cur, hardMin)
	}
	return nil
}

// Run starts the worker fleet and blocks until shutdown completes.
func (m *Master) Run() error {
	if err := m.CheckFDLimit(); err != nil {
		return err
	}

	for slot := 0; slot < m.cfg.Workers; slot++ {
		if err := m.spawn(slot); err != nil {
			return fmt.Errorf("spawning worker %d: %w", slot, err)
		}
	}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGCHLD, syscall.SIGPIPE)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGTERM, syscall.SIGINT:
			m.mu.Lock()
			m.shutdown = true
			m.mu.Unlock()
			m.shutdownAll()
			return nil
		case syscall.SIGHUP:
			m.gracefulReload()
		case syscall.SIGCHLD:
			m.reap()
		case syscall.SIGPIPE:
			// ignored
		}
	}
}

func (m *Master) spawn(slot int) error {
	cmd := exec.Command(m.cfg.Executable, "worker", m.cfg.ConfigPath, "--worker-id", fmt.Sprintf("%d", slot))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	m.mu.Lock()
	m.live[cmd.Process.Pid] = &process{slot: slot, cmd: cmd}
	m.mu.Unlock()

	go func(pid int, c *exec.Cmd) {
		_ = c.Wait()
		m.onExit(pid)
	}(cmd.Process.Pid, cmd)
	return nil
}

// onExit handles a worker's exit notification (the goroutine-based
// equivalent of the spec's non-blocking reap driven by SIGCHLD).
func (m *Master) onExit(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.draining[pid] {
		delete(m.draining, pid)
		delete(m.live, pid)
		return
	}

	proc, ok := m.live[pid]
	if !ok {
		return
	}
	delete(m.live, pid)

	if m.shutdown {
		return
	}

	slot := proc.slot
	go func() {
		m.mu.Lock()
		already := m.shutdown
		m.mu.Unlock()
		if already {
			return
		}
		if err := m.spawn(slot); err != nil && m.cfg.Log != nil {
			m.cfg.Log.Errorf("failed to respawn worker slot %d: %v", slot, err)
		}
	}()
}

// reap is a no-op hook point: actual reaping happens in the per-process
// Wait() goroutine started by spawn, since Go's os/exec already performs
// the wait4(2) syscall for us instead of a manual non-blocking loop.
func (m *Master) reap() {}

// gracefulReload implements spec.md §4.11's overlapping drain: every
// current worker is marked draining and sent SIGUSR1, then a fresh set is
// spawned against the (possibly changed) config; both sets share listening
// sockets via SO_REUSEPORT until the draining set exits on its own.
func (m *Master) gracefulReload() {
	// reloadID correlates the "draining begun" and "replacement spawned"
	// log lines of one reload across both worker generations, since their
	// pids are otherwise unrelated.
	reloadID := uuid.New().String()

	m.mu.Lock()
	oldLive := make(map[int]*process, len(m.live))
	for pid, p := range m.live {
		oldLive[pid] = p
		m.draining[pid] = true
	}
	m.live = make(map[int]*process)
	m.mu.Unlock()

	if m.cfg.Log != nil {
		m.cfg.Log.With(map[string]interface{}{"reload_id": reloadID}).Infof("draining %d worker(s)", len(oldLive))
	}
	for pid := range oldLive {
		_ = syscall.Kill(pid, syscall.SIGUSR1)
	}

	time.Sleep(100 * time.Millisecond)

	for slot := 0; slot < m.cfg.Workers; slot++ {
		if err := m.spawn(slot); err != nil && m.cfg.Log != nil {
			m.cfg.Log.With(map[string]interface{}{"reload_id": reloadID}).Errorf("reload: failed to spawn worker slot %d: %v", slot, err)
		}
	}
	if m.cfg.Log != nil {
		m.cfg.Log.With(map[string]interface{}{"reload_id": reloadID}).Infof("reload spawned %d replacement worker(s)", m.cfg.Workers)
	}
}

// shutdownAll sends SIGUSR1 to every live worker and waits up to
// shutdownBudget for them to exit, then SIGKILLs stragglers.
func (m *Master) shutdownAll() {
	m.mu.Lock()
	pids := make([]int, 0, len(m.live))
	for pid := range m.live {
		pids = append(pids, pid)
	}
	m.mu.Unlock()

	for _, pid := range pids {
		_ = syscall.Kill(pid, syscall.SIGUSR1)
	}

	deadline := time.Now().Add(shutdownBudget)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		remaining := len(m.live)
		m.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	m.mu.Lock()
	stragglers := make([]int, 0, len(m.live))
	for pid := range m.live {
		stragglers = append(stragglers, pid)
	}
	m.mu.Unlock()
	for _, pid := range stragglers {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// LiveCount reports the number of currently tracked worker processes, for
// tests and diagnostics.
func (m *Master) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
