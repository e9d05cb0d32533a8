package node

import (
	"fmt"
	"sync"

	"github.com/martinsuchenak/emud/internal/backend"
	"github.com/martinsuchenak/emud/internal/nio"
)

type slot struct {
	adapter int
	port    int
}

// PortTable is the per-node mapping from (adapter, port) to a bound
// NIO. It enforces the kind's declared cardinality and the one-NIO-per-
// slot rule; all binding changes on a node are serialized through its
// mutex.
type PortTable struct {
	mu     sync.Mutex
	layout backend.PortLayout
	slots  map[slot]*nio.NIO
}

func NewPortTable(layout backend.PortLayout) *PortTable {
	return &PortTable{
		layout: layout,
		slots:  make(map[slot]*nio.NIO),
	}
}

// SetLayout replaces the declared cardinality, used when a hot-swappable
// port mapping changes. Existing bindings outside the new bounds are
// kept; the emulated hardware shrank around them and unbinding them is
// the caller's call.
func (t *PortTable) SetLayout(layout backend.PortLayout) {
	t.mu.Lock()
	t.layout = layout
	t.mu.Unlock()
}

func (t *PortTable) check(adapter, port int) error {
	if adapter < 0 || adapter >= t.layout.Adapters || port < 0 || port >= t.layout.PortsPerAdapter {
		return fmt.Errorf("%w: adapter %d port %d (node has %d adapter(s) with %d port(s) each)",
			ErrOutOfRange, adapter, port, t.layout.Adapters, t.layout.PortsPerAdapter)
	}
	return nil
}

// Bind attaches a NIO to an empty slot.
func (t *PortTable) Bind(adapter, port int, n *nio.NIO) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(adapter, port); err != nil {
		return err
	}
	key := slot{adapter, port}
	if _, ok := t.slots[key]; ok {
		return fmt.Errorf("%w: adapter %d port %d", ErrSlotOccupied, adapter, port)
	}
	t.slots[key] = n
	return nil
}

// Unbind detaches and returns the NIO bound to the slot.
func (t *PortTable) Unbind(adapter, port int) (*nio.NIO, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(adapter, port); err != nil {
		return nil, err
	}
	key := slot{adapter, port}
	n, ok := t.slots[key]
	if !ok {
		return nil, fmt.Errorf("%w: adapter %d port %d", ErrSlotEmpty, adapter, port)
	}
	delete(t.slots, key)
	return n, nil
}

// Replace atomically swaps the slot's NIO for a new one and returns the
// old NIO to the caller for disposal; some callers re-use it, so it is
// never auto-deleted here.
func (t *PortTable) Replace(adapter, port int, newNIO *nio.NIO) (*nio.NIO, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(adapter, port); err != nil {
		return nil, err
	}
	key := slot{adapter, port}
	old, ok := t.slots[key]
	if !ok {
		return nil, fmt.Errorf("%w: adapter %d port %d", ErrSlotEmpty, adapter, port)
	}
	t.slots[key] = newNIO
	return old, nil
}

// Lookup returns the NIO bound to the slot.
func (t *PortTable) Lookup(adapter, port int) (*nio.NIO, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(adapter, port); err != nil {
		return nil, err
	}
	n, ok := t.slots[slot{adapter, port}]
	if !ok {
		return nil, fmt.Errorf("%w: adapter %d port %d", ErrNoNIO, adapter, port)
	}
	return n, nil
}

// Each visits every binding in unspecified order.
func (t *PortTable) Each(fn func(adapter, port int, n *nio.NIO)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, n := range t.slots {
		fn(key.adapter, key.port, n)
	}
}

// DrainAll empties the table and returns the detached NIOs.
func (t *PortTable) DrainAll() []*nio.NIO {
	t.mu.Lock()
	defer t.mu.Unlock()
	nios := make([]*nio.NIO, 0, len(t.slots))
	for key, n := range t.slots {
		nios = append(nios, n)
		delete(t.slots, key)
	}
	return nios
}

// Len returns the number of bound slots.
func (t *PortTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
