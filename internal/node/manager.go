package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinsuchenak/emud/internal/backend"
	"github.com/martinsuchenak/emud/internal/capture"
	"github.com/martinsuchenak/emud/internal/console"
	"github.com/martinsuchenak/emud/internal/log"
	"github.com/martinsuchenak/emud/internal/model"
	"github.com/martinsuchenak/emud/internal/nio"
	"github.com/martinsuchenak/emud/internal/storage"
)

const (
	defaultConsoleHost = "127.0.0.1"
	firstConsolePort   = 5000
)

// Options configures a Manager. Store may be nil for a purely in-memory
// control plane (tests, ephemeral servers).
type Options struct {
	Drivers     map[string]backend.Factory
	Store       storage.Store
	NIOs        *nio.Registry
	Captures    *capture.Manager
	CaptureDir  string
	ConsoleHost string
}

// Manager is the arena of all nodes, keyed by id and scoped to
// projects. It owns node creation, deletion, duplication, and restart
// recovery; everything process-affecting on an individual node goes
// through the node's own state machine.
type Manager struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	drivers     map[string]backend.Factory
	store       storage.Store
	nios        *nio.Registry
	captures    *capture.Manager
	captureDir  string
	consoleHost string
	nextConsole int
}

func NewManager(opts Options) *Manager {
	if opts.Drivers == nil {
		opts.Drivers = backend.BuiltinFactories()
	}
	if opts.NIOs == nil {
		opts.NIOs = nio.NewRegistry()
	}
	if opts.Captures == nil {
		opts.Captures = capture.NewManager()
	}
	if opts.ConsoleHost == "" {
		opts.ConsoleHost = defaultConsoleHost
	}
	return &Manager{
		nodes:       make(map[string]*Node),
		drivers:     opts.Drivers,
		store:       opts.Store,
		nios:        opts.NIOs,
		captures:    opts.Captures,
		captureDir:  opts.CaptureDir,
		consoleHost: opts.ConsoleHost,
		nextConsole: firstConsolePort,
	}
}

// NIOs returns the registry shared by every node.
func (m *Manager) NIOs() *nio.Registry { return m.nios }

// CaptureDir resolves the capture directory for a project.
func (m *Manager) CaptureDir(projectID string) string {
	return filepath.Join(m.captureDir, projectID, "captures")
}

// Restore loads persisted node definitions. Every restored node comes
// back stopped (always-on kinds come back started); run-state does not
// survive a server restart.
func (m *Manager) Restore() error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.ListNodes()
	if err != nil {
		return fmt.Errorf("restoring nodes: %w", err)
	}
	for i := range records {
		rec := &records[i]
		n, err := m.build(rec.ProjectID, rec.NodeID, rec.Name, rec.NodeType,
			rec.ConsoleType, rec.Console, rec.Settings)
		if err != nil {
			log.Error("skipping unrestorable node", "node_id", rec.NodeID, "error", err)
			continue
		}
		n.createdAt = rec.CreatedAt
		n.updatedAt = rec.UpdatedAt
		m.mu.Lock()
		m.nodes[n.id] = n
		m.mu.Unlock()
	}
	log.Info("nodes restored", "count", len(records))
	return nil
}

// Create allocates a new node in the project. The id may be supplied by
// the caller (topology imports) or generated; either way a collision on
// id, or on name within the project, is a conflict.
func (m *Manager) Create(projectID string, req model.NodeCreate) (*Node, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", nio.ErrValidation)
	}
	id := req.NodeID
	if id == "" {
		id = newID()
	}

	m.mu.Lock()
	if _, ok := m.nodes[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node id %s", ErrConflict, id)
	}
	for _, other := range m.nodes {
		if other.projectID == projectID && other.Name() == req.Name {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: a node named %q already exists in this project", ErrConflict, req.Name)
		}
	}
	m.mu.Unlock()

	consolePort := req.Console
	if consolePort == 0 {
		consolePort = m.allocateConsole()
	}

	n, err := m.build(projectID, id, req.Name, req.NodeType, req.ConsoleType, consolePort, req.Properties)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Re-check id and name under the lock; the driver build above ran
	// unlocked and Create may race with itself.
	if _, ok := m.nodes[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node id %s", ErrConflict, id)
	}
	for _, other := range m.nodes {
		if other.projectID == projectID && other.Name() == req.Name {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: a node named %q already exists in this project", ErrConflict, req.Name)
		}
	}
	m.nodes[id] = n
	m.mu.Unlock()

	m.persistNode(n)
	log.Info("node created", "node_id", id, "project_id", projectID, "name", req.Name, "kind", req.NodeType)
	return n, nil
}

// build constructs the runtime node: driver, port table, console wiring.
func (m *Manager) build(projectID, id, name, kind, consoleType string, consolePort int, settings map[string]any) (*Node, error) {
	factory, ok := m.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	// The driver owns this map and may fill in kind defaults; copy so
	// the caller's request body is never aliased.
	owned := make(map[string]any, len(settings))
	for k, v := range settings {
		owned[k] = v
	}

	driver, err := factory(id, owned)
	if err != nil {
		return nil, fmt.Errorf("building %s driver: %w", kind, err)
	}
	if consoleType == "" {
		consoleType = "telnet"
	}

	now := time.Now()
	n := &Node{
		id:          id,
		projectID:   projectID,
		kind:        kind,
		driver:      driver,
		alwaysOn:    driver.AlwaysOn(),
		ports:       NewPortTable(driver.Layout()),
		captures:    m.captures,
		name:        name,
		state:       StateStopped,
		consoleType: consoleType,
		consoleHost: m.consoleHost,
		consolePort: consolePort,
		settings:    owned,
		consoleDial: console.TCPDialer(m.consoleHost, consolePort),
		createdAt:   now,
		updatedAt:   now,
		persist:     m.persistNode,
	}
	if n.alwaysOn {
		// Passive fabrics have no process to start; they are born running.
		n.state = StateStarted
	}
	return n, nil
}

// Get returns the node if it exists in the given project.
func (m *Manager) Get(projectID, nodeID string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	if !ok || n.projectID != projectID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	return n, nil
}

// List returns the project's nodes ordered by name.
func (m *Manager) List(projectID string) []*Node {
	m.mu.RLock()
	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.projectID == projectID {
			nodes = append(nodes, n)
		}
	}
	m.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name() < nodes[j].Name() })
	return nodes
}

// Rename changes the node's display name, enforcing per-project
// uniqueness.
func (m *Manager) Rename(n *Node, name string) error {
	if name == "" || name == n.Name() {
		return nil
	}
	m.mu.RLock()
	for _, other := range m.nodes {
		if other != n && other.projectID == n.projectID && other.Name() == name {
			m.mu.RUnlock()
			return fmt.Errorf("%w: a node named %q already exists in this project", ErrConflict, name)
		}
	}
	m.mu.RUnlock()

	n.mu.Lock()
	n.name = name
	n.updatedAt = time.Now()
	n.mu.Unlock()
	m.persistNode(n)
	return nil
}

// Delete removes a stopped node, releasing every bound slot and capture
// session. The detached NIOs are returned to the caller, which decides
// whether to destroy them in the registry or rebind them elsewhere.
func (m *Manager) Delete(projectID, nodeID string) ([]*nio.NIO, error) {
	n, err := m.Get(projectID, nodeID)
	if err != nil {
		return nil, err
	}
	nios, err := n.release()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.nodes, nodeID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteNode(nodeID); err != nil && err != storage.ErrNodeNotFound {
			log.Error("deleting node record failed", "node_id", nodeID, "error", err)
		}
	}
	log.Info("node deleted", "node_id", nodeID, "project_id", projectID)
	return nios, nil
}

// Duplicate deep-copies a node's configuration and slot bindings into a
// new DEFINED node. The copy gets fresh identity and fresh NIOs created
// from the source descriptors; run-state is never copied.
func (m *Manager) Duplicate(projectID, sourceID, destID, name string) (*Node, error) {
	src, err := m.Get(projectID, sourceID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = src.Name() + "-copy"
	}

	copyReq := model.NodeCreate{
		Name:        name,
		NodeID:      destID,
		NodeType:    src.kind,
		ConsoleType: src.consoleType,
		Properties:  src.Settings(),
	}
	dup, err := m.Create(projectID, copyReq)
	if err != nil {
		return nil, err
	}

	type binding struct {
		adapter, port int
		desc          nio.Descriptor
	}
	var bindings []binding
	src.ports.Each(func(adapter, port int, en *nio.NIO) {
		bindings = append(bindings, binding{adapter, port, en.Descriptor()})
	})

	for _, b := range bindings {
		fresh, err := m.nios.Create(b.desc)
		if err != nil {
			m.undoDuplicate(projectID, dup)
			return nil, fmt.Errorf("duplicating NIO for slot %d/%d: %w", b.adapter, b.port, err)
		}
		if err := dup.BindNIO(b.adapter, b.port, fresh); err != nil {
			m.nios.Delete(fresh.ID())
			m.undoDuplicate(projectID, dup)
			return nil, fmt.Errorf("binding duplicated NIO to slot %d/%d: %w", b.adapter, b.port, err)
		}
	}

	m.persistNode(dup)
	log.Info("node duplicated", "source_id", sourceID, "node_id", dup.id, "name", name)
	return dup, nil
}

// undoDuplicate rolls back a half-built copy, destroying the NIOs it
// already acquired.
func (m *Manager) undoDuplicate(projectID string, dup *Node) {
	nios, err := m.Delete(projectID, dup.id)
	if err != nil {
		log.Error("rolling back failed duplicate", "node_id", dup.id, "error", err)
		return
	}
	for _, en := range nios {
		m.nios.Delete(en.ID())
	}
}

// Reconcile sweeps for nodes whose backend process exited on its own
// and commits their stopped state.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.RLock()
	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.RUnlock()

	for _, n := range nodes {
		if ctx.Err() != nil {
			return
		}
		if s := n.State(); s != StateStarted && s != StateSuspended {
			continue
		}
		prober, ok := n.driver.(backend.LivenessProber)
		if !ok {
			continue
		}
		if !prober.Alive() {
			n.markExited()
		}
	}
}

func (m *Manager) allocateConsole() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	port := m.nextConsole
	m.nextConsole++
	return port
}

func (m *Manager) persistNode(n *Node) {
	if m.store == nil {
		return
	}
	n.mu.RLock()
	rec := &storage.NodeRecord{
		NodeID:      n.id,
		ProjectID:   n.projectID,
		Name:        n.name,
		NodeType:    n.kind,
		ConsoleType: n.consoleType,
		Console:     n.consolePort,
		Settings:    n.settings,
		CreatedAt:   n.createdAt,
		UpdatedAt:   n.updatedAt,
	}
	n.mu.RUnlock()
	if err := m.store.SaveNode(rec); err != nil {
		log.Error("persisting node failed", "node_id", n.id, "error", err)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
