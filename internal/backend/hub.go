package backend

import (
	"context"
	"sync"

	"github.com/martinsuchenak/emud/internal/log"
)

// fabricDriver backs the passive, always-on kinds (Ethernet hub and
// switch). There is no external process: start/stop/suspend are uniform
// no-ops and the port mapping is hot-swappable while running.
type fabricDriver struct {
	mu     sync.Mutex
	nodeID string
	kind   string
	ports  int
}

// NewEthernetHub builds the driver for an always-on Ethernet hub.
func NewEthernetHub(nodeID string, settings map[string]any) (Driver, error) {
	return newFabric(nodeID, "ethernet_hub", settings), nil
}

// NewEthernetSwitch builds the driver for an always-on Ethernet switch.
func NewEthernetSwitch(nodeID string, settings map[string]any) (Driver, error) {
	return newFabric(nodeID, "ethernet_switch", settings), nil
}

func newFabric(nodeID, kind string, settings map[string]any) *fabricDriver {
	return &fabricDriver{
		nodeID: nodeID,
		kind:   kind,
		ports:  fabricPorts(settings),
	}
}

// fabricPorts derives the port count from a ports_mapping list when one
// is given, falling back to 8 ports like the reference hardware.
func fabricPorts(settings map[string]any) int {
	if mapping, ok := settings["ports_mapping"].([]any); ok && len(mapping) > 0 {
		return len(mapping)
	}
	return intSetting(settings, "ports", 8)
}

func (d *fabricDriver) Start(ctx context.Context) error { return nil }
func (d *fabricDriver) Stop(ctx context.Context) error  { return nil }

func (d *fabricDriver) ApplySettings(settings map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := settings["ports_mapping"]; ok {
		d.ports = fabricPorts(settings)
		log.Debug("fabric port mapping updated", "node_id", d.nodeID, "ports", d.ports)
	}
	return nil
}

func (d *fabricDriver) BindAdapter(adapter, port int, endpoint Endpoint) error {
	log.Debug("fabric port bound", "node_id", d.nodeID, "slot", slotKey(adapter, port), "nio_id", endpoint.ID())
	return nil
}

func (d *fabricDriver) UnbindAdapter(adapter, port int) error {
	log.Debug("fabric port unbound", "node_id", d.nodeID, "slot", slotKey(adapter, port))
	return nil
}

// Layout pins the fabric to a single adapter group: the device has one
// undifferentiated port fabric.
func (d *fabricDriver) Layout() PortLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	return PortLayout{Adapters: 1, PortsPerAdapter: d.ports}
}

func (d *fabricDriver) AlwaysOn() bool { return true }

// CanUpdateRunning allows the port mapping to change without a restart;
// there is no process to disturb.
func (d *fabricDriver) CanUpdateRunning(field string) bool {
	return field == "ports_mapping" || field == "ports"
}
