package capture

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/martinsuchenak/emud/internal/nio"
)

func newNullNIO(t *testing.T) *nio.NIO {
	t.Helper()
	n, err := nio.NewRegistry().Create(nio.Descriptor{Kind: nio.KindNull})
	if err != nil {
		t.Fatalf("Failed to create NIO: %v", err)
	}
	return n
}

func TestLinkTypeFromDLT(t *testing.T) {
	lt, err := LinkTypeFromDLT("")
	if err != nil || lt != layers.LinkTypeEthernet {
		t.Errorf("Empty DLT should default to Ethernet, got %v, %v", lt, err)
	}
	if _, err := LinkTypeFromDLT("DLT_C_HDLC"); err != nil {
		t.Errorf("DLT_C_HDLC should resolve: %v", err)
	}
	if _, err := LinkTypeFromDLT("DLT_BOGUS"); !errors.Is(err, ErrUnknownLinkType) {
		t.Errorf("Expected ErrUnknownLinkType, got %v", err)
	}
}

func TestManager_CaptureWritesValidPcap(t *testing.T) {
	m := NewManager()
	n := newNullNIO(t)
	path := filepath.Join(t.TempDir(), "capture.pcap")

	if _, err := m.Start(n, path, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	frames := [][]byte{
		{0x01, 0x02, 0x03},
		{0x04, 0x05},
		{0x06, 0x07, 0x08, 0x09},
	}
	for _, f := range frames {
		n.WriteFrame(f)
	}

	if err := m.Stop(n); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Every frame must come back, in order, with its exact bytes.
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open capture file: %v", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatalf("Capture file has a bad header: %v", err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		t.Errorf("Expected Ethernet link type, got %v", r.LinkType())
	}

	for i, want := range frames {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			t.Fatalf("Frame %d missing: %v", i, err)
		}
		if string(data) != string(want) {
			t.Errorf("Frame %d corrupted: got %x, want %x", i, data, want)
		}
		if ci.CaptureLength != len(want) || ci.Length != len(want) {
			t.Errorf("Frame %d lengths wrong: %+v", i, ci)
		}
	}
	if _, _, err := r.ReadPacketData(); err != io.EOF {
		t.Errorf("Expected EOF after %d frames, got %v", len(frames), err)
	}
}

func TestManager_OneCapturePerNIO(t *testing.T) {
	m := NewManager()
	n := newNullNIO(t)
	dir := t.TempDir()

	if _, err := m.Start(n, filepath.Join(dir, "a.pcap"), layers.LinkTypeEthernet); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Start(n, filepath.Join(dir, "b.pcap"), layers.LinkTypeEthernet); !errors.Is(err, ErrAlreadyCapturing) {
		t.Errorf("Expected ErrAlreadyCapturing, got %v", err)
	}

	if err := m.Stop(n); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := m.Stop(n); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("Expected ErrNotCapturing, got %v", err)
	}

	// After stop a fresh capture may begin.
	if _, err := m.Start(n, filepath.Join(dir, "c.pcap"), layers.LinkTypeEthernet); err != nil {
		t.Errorf("Restart after stop failed: %v", err)
	}
}

func TestManager_StopDetachesSink(t *testing.T) {
	m := NewManager()
	n := newNullNIO(t)
	path := filepath.Join(t.TempDir(), "capture.pcap")

	if _, err := m.Start(n, path, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n.WriteFrame([]byte{1})
	if err := m.Stop(n); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Frames after stop flow through the NIO but never reach the file.
	n.WriteFrame([]byte{2})

	f, _ := os.Open(path)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatalf("Bad capture file: %v", err)
	}
	count := 0
	for {
		if _, _, err := r.ReadPacketData(); err != nil {
			break
		}
		count++
	}
	if count != 1 {
		t.Errorf("Expected 1 frame, got %d", count)
	}
}

func TestManager_StreamTailsUntilStop(t *testing.T) {
	m := NewManager()
	n := newNullNIO(t)
	path := filepath.Join(t.TempDir(), "capture.pcap")

	if _, err := m.Stream(n.ID()); !errors.Is(err, ErrNotCapturing) {
		t.Fatalf("Stream without capture: expected ErrNotCapturing, got %v", err)
	}

	if _, err := m.Start(n, path, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n.WriteFrame([]byte{0xaa, 0xbb})

	stream, err := m.Stream(n.ID())
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	// Reader sees the data already written even while the capture runs.
	buf := make([]byte, 24)
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("Failed to read pcap header from stream: %v", err)
	}

	// Once the capture stops the stream drains and reports EOF.
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, stream)
		done <- err
	}()
	if err := m.Stop(n); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stream drain failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("Stream never reached EOF after capture stop")
	}
}

func TestManager_StreamEndsWhenSessionReplaced(t *testing.T) {
	m := NewManager()
	n := newNullNIO(t)
	dir := t.TempDir()

	if _, err := m.Start(n, filepath.Join(dir, "old.pcap"), layers.LinkTypeEthernet); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n.WriteFrame([]byte{0x01})

	stream, err := m.Stream(n.ID())
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	// Stop the capture and immediately start a new one on the same NIO.
	// The reader of the old file must still drain to EOF instead of
	// tailing a file nobody writes anymore.
	if err := m.Stop(n); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := m.Start(n, filepath.Join(dir, "new.pcap"), layers.LinkTypeEthernet); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, stream)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stream drain failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("Old stream never reached EOF after a new capture started")
	}

	if err := m.Stop(n); err != nil {
		t.Fatalf("Stopping the new capture failed: %v", err)
	}
}
