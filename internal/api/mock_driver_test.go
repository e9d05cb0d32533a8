package api

import (
	"context"
	"sync"

	"github.com/martinsuchenak/emud/internal/backend"
	"github.com/martinsuchenak/emud/internal/capture"
	"github.com/martinsuchenak/emud/internal/nio"
	"github.com/martinsuchenak/emud/internal/node"
)

// mockDriver is an in-memory backend for handler tests. It starts and
// stops instantly and accepts every adapter bind.
type mockDriver struct {
	mu      sync.Mutex
	running bool
}

func (d *mockDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	return nil
}

func (d *mockDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

func (d *mockDriver) ApplySettings(settings map[string]any) error { return nil }

func (d *mockDriver) BindAdapter(adapter, port int, endpoint backend.Endpoint) error { return nil }
func (d *mockDriver) UnbindAdapter(adapter, port int) error                          { return nil }

func (d *mockDriver) Layout() backend.PortLayout {
	return backend.PortLayout{Adapters: 2, PortsPerAdapter: 4}
}

func (d *mockDriver) AlwaysOn() bool { return false }

// mockHub is a passive always-on fabric.
type mockHub struct{ mockDriver }

func (d *mockHub) AlwaysOn() bool { return true }

func newTestManager(captureDir string) *node.Manager {
	drivers := map[string]backend.Factory{
		"mock": func(nodeID string, settings map[string]any) (backend.Driver, error) {
			return &mockDriver{}, nil
		},
		"mock_hub": func(nodeID string, settings map[string]any) (backend.Driver, error) {
			return &mockHub{}, nil
		},
	}
	return node.NewManager(node.Options{
		Drivers:    drivers,
		NIOs:       nio.NewRegistry(),
		Captures:   capture.NewManager(),
		CaptureDir: captureDir,
	})
}
