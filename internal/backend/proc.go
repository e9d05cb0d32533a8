package backend

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/martinsuchenak/emud/internal/log"
)

// procDriver is the shared core of every process-backed kind: it owns
// the emulator process and the adapter wiring handed to it. Suspend and
// resume are unexported; kinds that support them re-expose the methods.
type procDriver struct {
	mu       sync.Mutex
	nodeID   string
	kind     string
	settings map[string]any
	bindings map[string]string // slot -> nio id

	cmd  *exec.Cmd
	done chan struct{} // closed when the process exits
}

func newProc(nodeID, kind string, settings map[string]any) *procDriver {
	return &procDriver{
		nodeID:   nodeID,
		kind:     kind,
		settings: settings,
		bindings: make(map[string]string),
	}
}

// start launches the emulator process. Each kind builds its own
// command line and passes it in.
func (d *procDriver) start(ctx context.Context, name string, args []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.alive() {
		return fmt.Errorf("%s process for node %s already running", d.kind, d.nodeID)
	}
	if name == "" {
		return fmt.Errorf("no %s binary configured for node %s", d.kind, d.nodeID)
	}

	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", d.kind, err)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(done)
		if err != nil {
			log.Warn("emulator process exited", "node_id", d.nodeID, "kind", d.kind, "error", err)
		} else {
			log.Debug("emulator process exited", "node_id", d.nodeID, "kind", d.kind)
		}
	}()

	d.cmd = cmd
	d.done = done
	log.Info("emulator process started", "node_id", d.nodeID, "kind", d.kind, "pid", cmd.Process.Pid)
	return nil
}

// Stop terminates the process. A process that already exited on its own
// is not an error; stop must be safe against dead processes.
func (d *procDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	cmd, done := d.cmd, d.done
	d.cmd, d.done = nil, nil
	d.mu.Unlock()

	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil // already exited
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process vanished between the liveness check and the signal.
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
	}
	cmd.Process.Kill()
	<-done
	return nil
}

func (d *procDriver) suspend(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive() {
		return fmt.Errorf("%s process for node %s is not running", d.kind, d.nodeID)
	}
	return d.cmd.Process.Signal(syscall.SIGSTOP)
}

func (d *procDriver) resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive() {
		return fmt.Errorf("%s process for node %s is not running", d.kind, d.nodeID)
	}
	return d.cmd.Process.Signal(syscall.SIGCONT)
}

func (d *procDriver) ApplySettings(settings map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range settings {
		d.settings[k] = v
	}
	return nil
}

func (d *procDriver) BindAdapter(adapter, port int, endpoint Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings[slotKey(adapter, port)] = endpoint.ID()
	log.Debug("adapter bound", "node_id", d.nodeID, "slot", slotKey(adapter, port), "nio_id", endpoint.ID())
	return nil
}

func (d *procDriver) UnbindAdapter(adapter, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bindings, slotKey(adapter, port))
	log.Debug("adapter unbound", "node_id", d.nodeID, "slot", slotKey(adapter, port))
	return nil
}

func (d *procDriver) AlwaysOn() bool { return false }

// Alive reports whether the emulator process is currently running.
func (d *procDriver) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive()
}

func (d *procDriver) alive() bool {
	if d.cmd == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *procDriver) setting(key, def string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strSetting(d.settings, key, def)
}

func (d *procDriver) intSetting(key string, def int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return intSetting(d.settings, key, def)
}
