package node

import (
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/martinsuchenak/emud/internal/backend"
	"github.com/martinsuchenak/emud/internal/nio"
)

func newTestNIO(t *testing.T, r *nio.Registry) *nio.NIO {
	t.Helper()
	n, err := r.Create(nio.Descriptor{Kind: nio.KindNull})
	if err != nil {
		t.Fatalf("Failed to create NIO: %v", err)
	}
	return n
}

func TestPortTable_BindUnbind(t *testing.T) {
	r := nio.NewRegistry()
	table := NewPortTable(backend.PortLayout{Adapters: 2, PortsPerAdapter: 4})

	n := newTestNIO(t, r)
	if err := table.Bind(1, 3, n); err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}

	got, err := table.Lookup(1, 3)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != n {
		t.Error("Lookup returned a different NIO")
	}

	old, err := table.Unbind(1, 3)
	if err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}
	if old != n {
		t.Error("Unbind returned a different NIO")
	}
	if table.Len() != 0 {
		t.Errorf("Expected empty table, got %d bindings", table.Len())
	}
}

func TestPortTable_Bounds(t *testing.T) {
	r := nio.NewRegistry()
	table := NewPortTable(backend.PortLayout{Adapters: 2, PortsPerAdapter: 4})
	n := newTestNIO(t, r)

	cases := [][2]int{{2, 0}, {0, 4}, {-1, 0}, {0, -1}}
	for _, c := range cases {
		if err := table.Bind(c[0], c[1], n); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Bind(%d, %d): expected ErrOutOfRange, got %v", c[0], c[1], err)
		}
	}
}

func TestPortTable_SlotRules(t *testing.T) {
	r := nio.NewRegistry()
	table := NewPortTable(backend.PortLayout{Adapters: 1, PortsPerAdapter: 2})
	a := newTestNIO(t, r)
	b := newTestNIO(t, r)

	if err := table.Bind(0, 0, a); err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}
	if err := table.Bind(0, 0, b); !errors.Is(err, ErrSlotOccupied) {
		t.Errorf("Expected ErrSlotOccupied, got %v", err)
	}
	if _, err := table.Unbind(0, 1); !errors.Is(err, ErrSlotEmpty) {
		t.Errorf("Expected ErrSlotEmpty, got %v", err)
	}
	if _, err := table.Replace(0, 1, b); !errors.Is(err, ErrSlotEmpty) {
		t.Errorf("Expected ErrSlotEmpty on replace, got %v", err)
	}
	if _, err := table.Lookup(0, 1); !errors.Is(err, ErrNoNIO) {
		t.Errorf("Expected ErrNoNIO, got %v", err)
	}

	old, err := table.Replace(0, 0, b)
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if old != a {
		t.Error("Replace returned the wrong displaced NIO")
	}
	got, _ := table.Lookup(0, 0)
	if got != b {
		t.Error("Replace did not install the new NIO")
	}
}

// The table must behave like a partial map: binds and unbinds on random
// slots keep at most one NIO per slot and return exactly what was bound.
func TestPortTable_RandomOps(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		registry := nio.NewRegistry()
		table := NewPortTable(backend.PortLayout{Adapters: 4, PortsPerAdapter: 4})
		shadow := make(map[[2]int]*nio.NIO)

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			adapter := rapid.IntRange(0, 3).Draw(rt, "adapter")
			port := rapid.IntRange(0, 3).Draw(rt, "port")
			key := [2]int{adapter, port}

			if rapid.Bool().Draw(rt, "bind") {
				n, err := registry.Create(nio.Descriptor{Kind: nio.KindNull})
				if err != nil {
					rt.Fatalf("Failed to create NIO: %v", err)
				}
				err = table.Bind(adapter, port, n)
				if _, occupied := shadow[key]; occupied {
					if !errors.Is(err, ErrSlotOccupied) {
						rt.Fatalf("Bind on occupied slot: expected ErrSlotOccupied, got %v", err)
					}
				} else {
					if err != nil {
						rt.Fatalf("Bind on empty slot failed: %v", err)
					}
					shadow[key] = n
				}
			} else {
				got, err := table.Unbind(adapter, port)
				want, bound := shadow[key]
				if !bound {
					if !errors.Is(err, ErrSlotEmpty) {
						rt.Fatalf("Unbind on empty slot: expected ErrSlotEmpty, got %v", err)
					}
				} else {
					if err != nil {
						rt.Fatalf("Unbind on bound slot failed: %v", err)
					}
					if got != want {
						rt.Fatalf("Unbind returned NIO %s, bound was %s", got.ID(), want.ID())
					}
					delete(shadow, key)
				}
			}

			if table.Len() != len(shadow) {
				rt.Fatalf("Table has %d bindings, shadow has %d", table.Len(), len(shadow))
			}
		}
	})
}
