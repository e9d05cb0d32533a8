package node

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/martinsuchenak/emud/internal/backend"
	"github.com/martinsuchenak/emud/internal/model"
	"github.com/martinsuchenak/emud/internal/nio"
)

func TestManager_CreateConflicts(t *testing.T) {
	m, _ := testManager(t)

	n := mustCreate(t, m, "fake", "r1")

	// Same name in the same project conflicts.
	if _, err := m.Create("proj-1", model.NodeCreate{Name: "r1", NodeType: "fake"}); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on duplicate name, got %v", err)
	}

	// Same name in a different project is fine.
	if _, err := m.Create("proj-2", model.NodeCreate{Name: "r1", NodeType: "fake"}); err != nil {
		t.Errorf("Cross-project name collision should be allowed: %v", err)
	}

	// Caller-supplied colliding id conflicts.
	if _, err := m.Create("proj-1", model.NodeCreate{Name: "r2", NodeType: "fake", NodeID: n.ID()}); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on duplicate id, got %v", err)
	}

	if _, err := m.Create("proj-1", model.NodeCreate{Name: "r3", NodeType: "no_such_kind"}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
}

func TestManager_ConcurrentCreateSameName(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	drivers := map[string]backend.Factory{
		"gated": func(nodeID string, settings map[string]any) (backend.Driver, error) {
			entered <- struct{}{}
			<-release
			return newFakeDriver(), nil
		},
	}
	m := NewManager(Options{Drivers: drivers, CaptureDir: t.TempDir()})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.Create("proj-1", model.NodeCreate{Name: "r1", NodeType: "gated"})
			results <- err
		}()
	}
	// Hold both creates inside the driver build, past the first name
	// check, then let them race to insert.
	<-entered
	<-entered
	close(release)

	var created, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			created++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("Unexpected create error: %v", err)
		}
	}
	if created != 1 || conflicts != 1 {
		t.Errorf("Expected 1 create and 1 conflict, got %d and %d", created, conflicts)
	}
	if got := len(m.List("proj-1")); got != 1 {
		t.Errorf("Expected 1 node in the project, got %d", got)
	}
}

func TestManager_GetIsProjectScoped(t *testing.T) {
	m, _ := testManager(t)
	n := mustCreate(t, m, "fake", "r1")

	if _, err := m.Get("proj-1", n.ID()); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := m.Get("proj-2", n.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Node leaked across projects: %v", err)
	}
	if _, err := m.Get("proj-1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_ListSortedByName(t *testing.T) {
	m, _ := testManager(t)
	mustCreate(t, m, "fake", "zebra")
	mustCreate(t, m, "fake", "alpha")
	mustCreate(t, m, "fake", "mango")

	nodes := m.List("proj-1")
	if len(nodes) != 3 {
		t.Fatalf("Expected 3 nodes, got %d", len(nodes))
	}
	want := []string{"alpha", "mango", "zebra"}
	for i, n := range nodes {
		if n.Name() != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], n.Name())
		}
	}
}

func TestManager_RenameConflict(t *testing.T) {
	m, _ := testManager(t)
	a := mustCreate(t, m, "fake", "a")
	mustCreate(t, m, "fake", "b")

	if err := m.Rename(a, "b"); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
	if err := m.Rename(a, "c"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if a.Name() != "c" {
		t.Errorf("Rename not applied, name is %s", a.Name())
	}
}

func TestManager_DeleteRules(t *testing.T) {
	m, _ := testManager(t)
	n := mustCreate(t, m, "fake", "r1")
	ctx := context.Background()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A running node cannot be deleted.
	if _, err := m.Delete("proj-1", n.ID()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	if _, err := m.Get("proj-1", n.ID()); err != nil {
		t.Errorf("Failed delete removed the node: %v", err)
	}

	if err := n.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// A stopped node with bound NIOs deletes fine; the NIOs come back
	// detached for disposal.
	en, _ := m.NIOs().Create(nio.Descriptor{Kind: nio.KindNull})
	if err := n.BindNIO(0, 0, en); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	nios, err := m.Delete("proj-1", n.ID())
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(nios) != 1 || nios[0] != en {
		t.Errorf("Expected the bound NIO back, got %v", nios)
	}
	if _, err := m.Get("proj-1", n.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Node still present after delete: %v", err)
	}
}

func TestManager_DeleteAlwaysOnNode(t *testing.T) {
	m, _ := testManager(t)
	n := mustCreate(t, m, "fake_hub", "hub1")

	// Always-on nodes are "started" but deletable directly.
	if _, err := m.Delete("proj-1", n.ID()); err != nil {
		t.Fatalf("Delete of always-on node failed: %v", err)
	}
}

func TestManager_DuplicateFreshIdentity(t *testing.T) {
	m, _ := testManager(t)
	src := mustCreate(t, m, "fake", "r1")

	if err := src.UpdateSettings(map[string]any{"ram": 512}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	en, _ := m.NIOs().Create(nio.Descriptor{Kind: nio.KindNull, Filters: map[string]string{"latency": "10"}})
	if err := src.BindNIO(1, 1, en); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	dup, err := m.Duplicate("proj-1", src.ID(), "", "")
	if err != nil {
		t.Fatalf("Duplicate failed: %v", err)
	}

	if dup.ID() == src.ID() {
		t.Error("Duplicate shares the source id")
	}
	if dup.Name() != "r1-copy" {
		t.Errorf("Expected default copy name r1-copy, got %s", dup.Name())
	}
	// Run-state is never copied.
	if dup.State() != StateStopped {
		t.Errorf("Duplicate must be stopped, got %s", dup.State())
	}
	if dup.Settings()["ram"] != 512 {
		t.Errorf("Settings not copied: %v", dup.Settings())
	}

	// The slot binding is recreated with a fresh NIO, same descriptor.
	dupNIO, err := dup.LookupNIO(1, 1)
	if err != nil {
		t.Fatalf("Duplicate slot not bound: %v", err)
	}
	if dupNIO.ID() == en.ID() {
		t.Error("Duplicate shares a NIO with the source")
	}
	if dupNIO.Descriptor().Filters["latency"] != "10" {
		t.Error("NIO descriptor not carried over")
	}

	// Mutating the copy's settings leaves the source alone.
	if err := dup.UpdateSettings(map[string]any{"ram": 1024}); err != nil {
		t.Fatalf("UpdateSettings on copy failed: %v", err)
	}
	if src.Settings()["ram"] != 512 {
		t.Error("Copy mutation leaked into the source")
	}
}

func TestManager_DuplicateExplicitDestination(t *testing.T) {
	m, _ := testManager(t)
	src := mustCreate(t, m, "fake", "r1")

	dup, err := m.Duplicate("proj-1", src.ID(), "dest-id-1", "r1-b")
	if err != nil {
		t.Fatalf("Duplicate failed: %v", err)
	}
	if dup.ID() != "dest-id-1" {
		t.Errorf("Destination id not honored: %s", dup.ID())
	}
	if dup.Name() != "r1-b" {
		t.Errorf("Name not honored: %s", dup.Name())
	}
}

func TestManager_ReconcileMarksExitedNodes(t *testing.T) {
	m, arena := testManager(t)
	n := mustCreate(t, m, "fake_probed", "r1")
	ctx := context.Background()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Backend still alive: reconcile leaves the node alone.
	m.Reconcile(ctx)
	if n.State() != StateStarted {
		t.Fatalf("Reconcile stopped a live node: %s", n.State())
	}

	// Simulate the emulator dying on its own.
	d := arena.get(n.ID())
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	m.Reconcile(ctx)
	if n.State() != StateStopped {
		t.Errorf("Reconcile did not mark the node stopped: %s", n.State())
	}
}

func TestManager_ConcurrentStartsOneWinner(t *testing.T) {
	m, _ := testManager(t)
	n := mustCreate(t, m, "fake", "r1")

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- n.Start(context.Background())
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, invalid int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInvalidState):
			invalid++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly one successful start, got %d", succeeded)
	}
	if invalid != attempts-1 {
		t.Errorf("Expected %d rejected starts, got %d", attempts-1, invalid)
	}
	if n.State() != StateStarted {
		t.Errorf("Expected started, got %s", n.State())
	}
}
