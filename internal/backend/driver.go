package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidSetting rejects a settings or idle-pc value the backend
// cannot accept.
var ErrInvalidSetting = errors.New("invalid backend setting")

// Endpoint is the slice of a NIO a driver needs to wire an adapter: its
// identity and transport flavour. The concrete type lives in the nio
// package; drivers never create or destroy endpoints.
type Endpoint interface {
	ID() string
	Kind() string
}

// PortLayout declares the adapter/port cardinality of a node kind.
// Kinds with a single undifferentiated port fabric use Adapters == 1.
type PortLayout struct {
	Adapters        int
	PortsPerAdapter int
}

// Driver is the capability set every backend kind implements. Optional
// capabilities (suspend, idle-pc sampling, live reconfiguration,
// liveness probing) are separate interfaces discovered by type
// assertion, so a kind without a capability simply omits it.
type Driver interface {
	// Start launches the backend process. Kinds without a process
	// concept return nil.
	Start(ctx context.Context) error

	// Stop tears the backend process down. Stopping an already-dead
	// process is not an error.
	Stop(ctx context.Context) error

	// ApplySettings pushes merged settings to the backend.
	ApplySettings(settings map[string]any) error

	// BindAdapter and UnbindAdapter wire a transport endpoint to an
	// adapter/port pair. Bounds checking happens above the driver.
	BindAdapter(adapter, port int, endpoint Endpoint) error
	UnbindAdapter(adapter, port int) error

	// Layout declares the adapter/port cardinality for this instance.
	Layout() PortLayout

	// AlwaysOn reports whether the kind has no process concept (a
	// passive hub is always on; lifecycle verbs are uniform no-ops).
	AlwaysOn() bool
}

// Suspender is implemented by kinds that can freeze and thaw the
// backend process.
type Suspender interface {
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
}

// HotConfigurer is implemented by kinds that allow specific settings
// fields to change while the node is running.
type HotConfigurer interface {
	CanUpdateRunning(field string) bool
}

// IdleCandidate is one proposed idle-pc value with the backend's own
// ranking score (higher is better).
type IdleCandidate struct {
	Value string `json:"value"`
	Score int    `json:"score"`
}

// IdleSampler is implemented by CPU-emulating kinds that support
// idle-pc calibration.
type IdleSampler interface {
	// ProposeIdle runs the backend's sampling procedure. An empty
	// result means no stable idle loop was found; that is not an error.
	ProposeIdle(ctx context.Context) ([]IdleCandidate, error)

	// ApplyIdle validates the candidate and hands it to the backend.
	ApplyIdle(value string) error
}

// LivenessProber is implemented by process-backed kinds so the
// reconciler can detect an emulator that exited on its own.
type LivenessProber interface {
	Alive() bool
}

// Factory builds a driver for one node. Settings are the node's
// backend-specific key-value map; factories may fill in kind defaults.
type Factory func(nodeID string, settings map[string]any) (Driver, error)

// BuiltinFactories returns the factories for every kind this build ships.
func BuiltinFactories() map[string]Factory {
	return map[string]Factory{
		"dynamips":        NewDynamips,
		"qemu":            NewQemu,
		"vpcs":            NewVPCS,
		"ethernet_hub":    NewEthernetHub,
		"ethernet_switch": NewEthernetSwitch,
	}
}

func intSetting(settings map[string]any, key string, def int) int {
	v, ok := settings[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64: // JSON numbers decode as float64
		return int(n)
	default:
		return def
	}
}

func strSetting(settings map[string]any, key, def string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

func slotKey(adapter, port int) string {
	return fmt.Sprintf("%d/%d", adapter, port)
}
