package node

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/martinsuchenak/emud/internal/backend"
	"github.com/martinsuchenak/emud/internal/capture"
	"github.com/martinsuchenak/emud/internal/console"
	"github.com/martinsuchenak/emud/internal/log"
	"github.com/martinsuchenak/emud/internal/model"
	"github.com/martinsuchenak/emud/internal/nio"
)

// State is the operational state of a node. These are the only three
// states ever observable from outside.
type State string

const (
	StateStopped   State = "stopped"
	StateStarted   State = "started"
	StateSuspended State = "suspended"
)

// Node is one emulated device: its identity, configuration, adapter
// bindings, and the driver for the backend that actually runs it.
//
// Lifecycle operations are serialized through opMu, held across the
// backend call so no second transition can interleave. The observable
// fields live behind mu and are committed only after the backend call
// succeeds, so a concurrent reader never sees an intermediate state.
type Node struct {
	id        string
	projectID string
	kind      string
	driver    backend.Driver
	alwaysOn  bool

	ports    *PortTable
	captures *capture.Manager

	opMu sync.Mutex

	mu          sync.RWMutex
	name        string
	state       State
	consoleType string
	consoleHost string
	consolePort int
	settings    map[string]any
	bridge      *console.Bridge
	consoleDial console.Dialer
	createdAt   time.Time
	updatedAt   time.Time

	// persist is installed by the Manager and called after every
	// committed configuration change.
	persist func(*Node)
}

func (n *Node) ID() string             { return n.id }
func (n *Node) ProjectID() string      { return n.projectID }
func (n *Node) Kind() string           { return n.kind }
func (n *Node) Driver() backend.Driver { return n.driver }

func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Settings returns a shallow copy of the backend settings map.
func (n *Node) Settings() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]any, len(n.settings))
	for k, v := range n.settings {
		out[k] = v
	}
	return out
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.updatedAt = time.Now()
	n.mu.Unlock()
}

func (n *Node) touch() {
	n.mu.Lock()
	n.updatedAt = time.Now()
	n.mu.Unlock()
}

// Start moves a stopped node to started. On backend failure the node
// stays stopped and the error surfaces verbatim; a partially-started
// node is never observable.
func (n *Node) Start(ctx context.Context) error {
	if n.alwaysOn {
		return nil
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if s := n.State(); s != StateStopped {
		return fmt.Errorf("%w: cannot start node in state %q", ErrInvalidState, s)
	}
	if err := n.driver.Start(ctx); err != nil {
		return fmt.Errorf("backend failed to start node %s: %w", n.id, err)
	}
	n.setState(StateStarted)
	log.Info("node started", "node_id", n.id, "name", n.Name(), "kind", n.kind)
	return nil
}

// Stop tears the backend down from started or suspended. The node
// always ends up stopped, even when the process already exited.
func (n *Node) Stop(ctx context.Context) error {
	if n.alwaysOn {
		return nil
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if s := n.State(); s != StateStarted && s != StateSuspended {
		return fmt.Errorf("%w: cannot stop node in state %q", ErrInvalidState, s)
	}
	err := n.driver.Stop(ctx)
	// Commit the stopped state before tearing the console down so a
	// concurrent Console() cannot slip in and build a bridge that
	// nothing would ever shut down.
	n.setState(StateStopped)
	n.closeConsole()
	if err != nil {
		return fmt.Errorf("backend failed to stop node %s: %w", n.id, err)
	}
	log.Info("node stopped", "node_id", n.id, "name", n.Name(), "kind", n.kind)
	return nil
}

// Suspend freezes a started node, for kinds that declare the capability.
func (n *Node) Suspend(ctx context.Context) error {
	if n.alwaysOn {
		return nil
	}
	susp, ok := n.driver.(backend.Suspender)
	if !ok {
		return fmt.Errorf("%w: %s nodes cannot be suspended", ErrUnsupported, n.kind)
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if s := n.State(); s != StateStarted {
		return fmt.Errorf("%w: cannot suspend node in state %q", ErrInvalidState, s)
	}
	if err := susp.Suspend(ctx); err != nil {
		return fmt.Errorf("backend failed to suspend node %s: %w", n.id, err)
	}
	n.setState(StateSuspended)
	log.Info("node suspended", "node_id", n.id, "name", n.Name())
	return nil
}

// Resume thaws a suspended node.
func (n *Node) Resume(ctx context.Context) error {
	if n.alwaysOn {
		return nil
	}
	susp, ok := n.driver.(backend.Suspender)
	if !ok {
		return fmt.Errorf("%w: %s nodes cannot be resumed", ErrUnsupported, n.kind)
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if s := n.State(); s != StateSuspended {
		return fmt.Errorf("%w: cannot resume node in state %q", ErrInvalidState, s)
	}
	if err := susp.Resume(ctx); err != nil {
		return fmt.Errorf("backend failed to resume node %s: %w", n.id, err)
	}
	n.setState(StateStarted)
	log.Info("node resumed", "node_id", n.id, "name", n.Name())
	return nil
}

// Reload restarts a running or suspended node, ending started. The
// intermediate teardown is never published: a failed restart commits
// stopped, a successful one started, nothing else is observable.
func (n *Node) Reload(ctx context.Context) error {
	if n.alwaysOn {
		return nil
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if s := n.State(); s != StateStarted && s != StateSuspended {
		return fmt.Errorf("%w: cannot reload node in state %q", ErrInvalidState, s)
	}
	if err := n.driver.Stop(ctx); err != nil {
		log.Warn("reload: backend stop failed, continuing", "node_id", n.id, "error", err)
	}
	n.closeConsole()
	if err := n.driver.Start(ctx); err != nil {
		n.setState(StateStopped)
		n.closeConsole()
		return fmt.Errorf("backend failed to restart node %s: %w", n.id, err)
	}
	n.setState(StateStarted)
	log.Info("node reloaded", "node_id", n.id, "name", n.Name())
	return nil
}

// UpdateSettings merges partial settings into the node's configuration.
// While the node is running, each field must be declared hot-swappable
// by the backend kind, otherwise the update is rejected whole.
func (n *Node) UpdateSettings(partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if s := n.State(); s != StateStopped {
		hot, _ := n.driver.(backend.HotConfigurer)
		for field := range partial {
			if hot == nil || !hot.CanUpdateRunning(field) {
				return fmt.Errorf("%w: %q cannot change while the node is %s", ErrInvalidState, field, s)
			}
		}
	}

	if err := n.driver.ApplySettings(partial); err != nil {
		return fmt.Errorf("backend rejected settings for node %s: %w", n.id, err)
	}

	n.mu.Lock()
	for k, v := range partial {
		n.settings[k] = v
	}
	n.updatedAt = time.Now()
	n.mu.Unlock()

	n.ports.SetLayout(n.driver.Layout())
	if n.persist != nil {
		n.persist(n)
	}
	return nil
}

// StoreIdlePC records a validated idle-pc value, effective from the
// next start.
func (n *Node) StoreIdlePC(value string) error {
	n.mu.Lock()
	n.settings["idlepc"] = value
	n.updatedAt = time.Now()
	n.mu.Unlock()
	if n.persist != nil {
		n.persist(n)
	}
	return nil
}

// BindNIO attaches a NIO to an empty slot and wires it into the backend.
// A backend refusal rolls the table back; the slot ends empty.
func (n *Node) BindNIO(adapter, port int, en *nio.NIO) error {
	if err := n.ports.Bind(adapter, port, en); err != nil {
		return err
	}
	if err := n.driver.BindAdapter(adapter, port, en); err != nil {
		n.ports.Unbind(adapter, port)
		return fmt.Errorf("backend failed to bind adapter: %w", err)
	}
	n.touch()
	return nil
}

// UnbindNIO detaches the slot's NIO and returns it to the caller for
// disposal. Any capture on the NIO is terminated first so a session
// never outlives its NIO.
func (n *Node) UnbindNIO(adapter, port int) (*nio.NIO, error) {
	old, err := n.ports.Unbind(adapter, port)
	if err != nil {
		return nil, err
	}
	n.captures.StopIfActive(old)
	if err := n.driver.UnbindAdapter(adapter, port); err != nil {
		log.Warn("backend unbind failed, slot released anyway", "node_id", n.id, "error", err)
	}
	n.touch()
	return old, nil
}

// ReplaceNIO atomically swaps the slot's NIO, returning the old one to
// the caller. If the backend refuses the new NIO the old binding is
// restored.
func (n *Node) ReplaceNIO(adapter, port int, newNIO *nio.NIO) (*nio.NIO, error) {
	old, err := n.ports.Replace(adapter, port, newNIO)
	if err != nil {
		return nil, err
	}
	n.captures.StopIfActive(old)
	if err := n.driver.UnbindAdapter(adapter, port); err != nil {
		log.Warn("backend unbind during replace failed", "node_id", n.id, "error", err)
	}
	if err := n.driver.BindAdapter(adapter, port, newNIO); err != nil {
		n.ports.Replace(adapter, port, old)
		return nil, fmt.Errorf("backend failed to bind replacement NIO: %w", err)
	}
	n.touch()
	return old, nil
}

// LookupNIO returns the NIO bound to the slot.
func (n *Node) LookupNIO(adapter, port int) (*nio.NIO, error) {
	return n.ports.Lookup(adapter, port)
}

// StartCapture attaches a pcap sink to the slot's bound NIO.
func (n *Node) StartCapture(adapter, port int, filePath string, linkType layers.LinkType) error {
	en, err := n.ports.Lookup(adapter, port)
	if err != nil {
		return err
	}
	_, err = n.captures.Start(en, filePath, linkType)
	return err
}

// StopCapture terminates the slot's capture session.
func (n *Node) StopCapture(adapter, port int) error {
	en, err := n.ports.Lookup(adapter, port)
	if err != nil {
		return err
	}
	return n.captures.Stop(en)
}

// CaptureStream returns a tailing reader over the slot's capture file.
func (n *Node) CaptureStream(adapter, port int) (io.ReadCloser, error) {
	en, err := n.ports.Lookup(adapter, port)
	if err != nil {
		return nil, err
	}
	return n.captures.Stream(en.ID())
}

// Console returns the node's console bridge, creating it lazily. Only
// running nodes have a console transport.
func (n *Node) Console() (*console.Bridge, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateStarted {
		return nil, fmt.Errorf("%w: console requires a started node", ErrInvalidState)
	}
	if n.bridge == nil {
		n.bridge = console.NewBridge(n.consoleDial)
	}
	return n.bridge, nil
}

// ResetConsole force-closes the console transport; all viewers are
// disconnected and must reattach. A node with no console yet is a no-op.
func (n *Node) ResetConsole() {
	n.mu.Lock()
	bridge := n.bridge
	n.mu.Unlock()
	if bridge != nil {
		bridge.Reset()
	}
}

func (n *Node) closeConsole() {
	n.mu.Lock()
	bridge := n.bridge
	n.bridge = nil
	n.mu.Unlock()
	if bridge != nil {
		bridge.Shutdown()
	}
}

// release prepares the node for deletion: refuses while the backend
// process runs, then terminates captures, drains every slot, and tears
// down the console. The detached NIOs are returned to the caller, which
// owns their disposal.
func (n *Node) release() ([]*nio.NIO, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if s := n.State(); !n.alwaysOn && s != StateStopped {
		return nil, fmt.Errorf("%w: stop the node before deleting it (state %q)", ErrInvalidState, s)
	}

	var nios []*nio.NIO
	n.ports.Each(func(adapter, port int, en *nio.NIO) {
		n.captures.StopIfActive(en)
		if err := n.driver.UnbindAdapter(adapter, port); err != nil {
			log.Warn("backend unbind during delete failed", "node_id", n.id, "error", err)
		}
	})
	nios = n.ports.DrainAll()
	n.closeConsole()
	return nios, nil
}

// markExited force-commits a stopped state when the reconciler finds
// the backend process gone.
func (n *Node) markExited() {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	if s := n.State(); s != StateStarted && s != StateSuspended {
		return
	}
	n.setState(StateStopped)
	n.closeConsole()
	log.Warn("backend process exited, node marked stopped", "node_id", n.id, "name", n.Name())
}

// Snapshot renders the node's wire representation.
func (n *Node) Snapshot() *model.Node {
	n.mu.RLock()
	out := &model.Node{
		NodeID:      n.id,
		ProjectID:   n.projectID,
		Name:        n.name,
		NodeType:    n.kind,
		Status:      string(n.state),
		ConsoleType: n.consoleType,
		ConsoleHost: n.consoleHost,
		Console:     n.consolePort,
		Properties:  make(map[string]any, len(n.settings)),
		CreatedAt:   n.createdAt,
		UpdatedAt:   n.updatedAt,
	}
	for k, v := range n.settings {
		out.Properties[k] = v
	}
	n.mu.RUnlock()

	n.ports.Each(func(adapter, port int, en *nio.NIO) {
		out.Ports = append(out.Ports, model.PortBinding{
			AdapterNumber: adapter,
			PortNumber:    port,
			NIOID:         en.ID(),
			NIOType:       en.Kind(),
		})
	})
	return out
}
