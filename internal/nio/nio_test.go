package nio

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestRegistry_CreateNull(t *testing.T) {
	r := NewRegistry()

	n, err := r.Create(Descriptor{Kind: KindNull})
	if err != nil {
		t.Fatalf("Failed to create null NIO: %v", err)
	}
	if n.ID() == "" {
		t.Error("Expected a non-empty NIO ID")
	}
	if n.Kind() != "nio_null" {
		t.Errorf("Expected kind nio_null, got %s", n.Kind())
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 NIO in registry, got %d", r.Count())
	}
}

func TestRegistry_CreateUDPValidation(t *testing.T) {
	r := NewRegistry()

	cases := []struct {
		name string
		desc Descriptor
	}{
		{"missing rhost", Descriptor{Kind: KindUDP, LocalPort: 20000, RemotePort: 20001}},
		{"lport zero", Descriptor{Kind: KindUDP, RemoteHost: "127.0.0.1", RemotePort: 20001}},
		{"lport too big", Descriptor{Kind: KindUDP, LocalPort: 70000, RemoteHost: "127.0.0.1", RemotePort: 20001}},
		{"rport zero", Descriptor{Kind: KindUDP, LocalPort: 20000, RemoteHost: "127.0.0.1"}},
		{"unknown kind", Descriptor{Kind: "nio_tap"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Create(tc.desc); !errors.Is(err, ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
	if r.Count() != 0 {
		t.Errorf("Expected empty registry after failed creates, got %d", r.Count())
	}
}

func TestRegistry_UDPForwarding(t *testing.T) {
	// Listen on a kernel-assigned port and tunnel frames to it.
	laddr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	listener, err := net.ListenUDP("udp", laddr)
	if err != nil {
		t.Fatalf("Failed to open UDP listener: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	r := NewRegistry()
	n, err := r.Create(Descriptor{
		Kind:       KindUDP,
		LocalPort:  20000,
		RemoteHost: "127.0.0.1",
		RemotePort: port,
	})
	if err != nil {
		t.Fatalf("Failed to create UDP NIO: %v", err)
	}

	frame := []byte{0xde, 0xad, 0xbe, 0xef}
	n.WriteFrame(frame)

	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	nn, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("Tunnel frame never arrived: %v", err)
	}
	if string(buf[:nn]) != string(frame) {
		t.Errorf("Frame corrupted in transit: got %x", buf[:nn])
	}
}

func TestNIO_SinkMirrorsFrames(t *testing.T) {
	r := NewRegistry()
	n, err := r.Create(Descriptor{Kind: KindNull})
	if err != nil {
		t.Fatalf("Failed to create NIO: %v", err)
	}

	var got [][]byte
	if err := n.AttachSink(func(ts time.Time, data []byte) {
		got = append(got, data)
	}); err != nil {
		t.Fatalf("Failed to attach sink: %v", err)
	}

	// Second sink must be refused.
	if err := n.AttachSink(func(ts time.Time, data []byte) {}); err == nil {
		t.Error("Expected second AttachSink to fail")
	}

	n.WriteFrame([]byte{1})
	n.WriteFrame([]byte{2})
	if len(got) != 2 {
		t.Fatalf("Expected 2 mirrored frames, got %d", len(got))
	}

	n.DetachSink()
	n.WriteFrame([]byte{3})
	if len(got) != 2 {
		t.Errorf("Frame mirrored after detach")
	}
}

func TestRegistry_DeleteIsFinal(t *testing.T) {
	r := NewRegistry()
	n, err := r.Create(Descriptor{Kind: KindNull})
	if err != nil {
		t.Fatalf("Failed to create NIO: %v", err)
	}

	if err := r.Delete(n.ID()); err != nil {
		t.Fatalf("Failed to delete NIO: %v", err)
	}
	if err := r.Delete(n.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on double delete, got %v", err)
	}
	if _, err := r.Get(n.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestNIO_DescriptorIsCopied(t *testing.T) {
	r := NewRegistry()
	n, err := r.Create(Descriptor{Kind: KindNull, Filters: map[string]string{"frequency_drop": "50"}})
	if err != nil {
		t.Fatalf("Failed to create NIO: %v", err)
	}

	d := n.Descriptor()
	d.Filters["frequency_drop"] = "0"

	if n.Descriptor().Filters["frequency_drop"] != "50" {
		t.Error("Descriptor copy leaked a shared filters map")
	}
}
