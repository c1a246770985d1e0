package coordinator

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/poolctl/internal/protocol"
	"github.com/ChuLiYu/poolctl/pkg/types"
)

// State is a worker subprocess's position in its lifecycle.
type State int

const (
	Spawning State = iota
	Ready
	Busy
	Terminated
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "SPAWNING"
	case Ready:
		return "READY"
	case Busy:
		return "BUSY"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// ProcessInfo describes one worker subprocess to spawn, the Go analogue of
// the Python original's (name, host_dict, client_dict) tuple.
type ProcessInfo struct {
	Name   types.WorkerName
	Config map[string]interface{}
}

// handle tracks one worker subprocess. inflightItem/dispatchTime are only
// meaningful while state == Busy.
type handle struct {
	name types.WorkerName
	cmd  *exec.Cmd

	w *protocol.Writer
	r *protocol.Reader

	state        State
	inflightItem interface{}
	dispatchTime time.Time

	incoming chan protocol.Envelope
	readErr  chan error
	reapOnce sync.Once
}

// spawnSpec is the fully-resolved command used to start a worker process.
type spawnSpec struct {
	command string
	args    []string
	env     []string
}

func spawn(info ProcessInfo, spec spawnSpec) (*handle, error) {
	cmd := exec.Command(spec.command, spec.args...)
	cmd.Env = spec.env
	cmd.Stderr = os.Stderr
	// Run the worker in its own process group so killing it (e.g. on
	// NoResponseTimeout or coordinator shutdown) never leaves grandchildren
	// behind as orphans of this process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("coordinator: stdin pipe for %s: %w", info.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("coordinator: stdout pipe for %s: %w", info.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("coordinator: start %s: %w", info.Name, err)
	}

	h := &handle{
		name:     info.Name,
		cmd:      cmd,
		w:        protocol.NewWriter(stdin),
		r:        protocol.NewReader(stdout),
		state:    Spawning,
		incoming: make(chan protocol.Envelope, 16),
		readErr:  make(chan error, 1),
	}

	go h.readLoop()

	return h, nil
}

func (h *handle) readLoop() {
	defer close(h.incoming)
	for {
		env, err := h.r.Read()
		if err != nil {
			if err != io.EOF {
				h.readErr <- err
			}
			return
		}
		h.incoming <- env
	}
}

// drainErr returns a pending read-loop error without blocking, or nil if
// none is waiting. A non-EOF error here means the worker's stdout stream
// broke (bad framing, a truncated write) with no ERROR envelope to explain
// it, so the caller must treat it as a worker loss on its own.
func (h *handle) drainErr() error {
	select {
	case err := <-h.readErr:
		return err
	default:
		return nil
	}
}

// drain returns every envelope currently buffered, without blocking.
func (h *handle) drain() []protocol.Envelope {
	var envs []protocol.Envelope
	for {
		select {
		case env, ok := <-h.incoming:
			if !ok {
				return envs
			}
			envs = append(envs, env)
		default:
			return envs
		}
	}
}

func (h *handle) send(env protocol.Envelope) error {
	return h.w.Write(env)
}

// kill terminates the subprocess and reaps it. Safe to call more than once.
func (h *handle) kill() {
	h.reapOnce.Do(func() {
		if h.cmd.Process != nil {
			// Negative pid targets the whole process group created by
			// Setpgid, in case the worker itself spawned children.
			if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil {
				_ = h.cmd.Process.Kill()
			}
		}
		_ = h.cmd.Wait()
		h.state = Terminated
	})
}

// wait reaps a subprocess that exited on its own after sending FINALIZED, so
// it exits via its own code path rather than a signal. Safe to call more
// than once, and safe to race against a concurrent kill(): reapOnce ensures
// only one of them actually calls cmd.Wait.
func (h *handle) wait() {
	h.reapOnce.Do(func() {
		_ = h.cmd.Wait()
		h.state = Terminated
	})
}
