package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/martinsuchenak/emud/internal/log"
	"github.com/martinsuchenak/emud/internal/nio"
)

var (
	ErrAlreadyCapturing = errors.New("a capture is already running on this NIO")
	ErrNotCapturing     = errors.New("no capture is running on this NIO")
	ErrUnknownLinkType  = errors.New("unknown data link type")
)

const snapLen = 65536

// dataLinkTypes maps the libpcap DLT names the API accepts to their
// pcap link-layer header values. The tag is caller-supplied and stored
// in the file's global header, never inferred from traffic.
var dataLinkTypes = map[string]layers.LinkType{
	"DLT_EN10MB":      layers.LinkTypeEthernet, // 1
	"DLT_C_HDLC":      layers.LinkType(104),
	"DLT_FRELAY":      layers.LinkType(107),
	"DLT_PPP_SERIAL":  layers.LinkType(50),
	"DLT_ATM_RFC1483": layers.LinkType(100),
}

// LinkTypeFromDLT resolves a DLT name; the empty string means Ethernet.
func LinkTypeFromDLT(name string) (layers.LinkType, error) {
	if name == "" {
		return layers.LinkTypeEthernet, nil
	}
	lt, ok := dataLinkTypes[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLinkType, name)
	}
	return lt, nil
}

// Session is one packet sink attached to a bound NIO, writing every
// observed frame to a pcap file.
type Session struct {
	nioID string
	path  string

	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
	closed bool
}

// Path returns the capture file location.
func (s *Session) Path() string { return s.path }

// writeFrame appends one frame in pcap framing. Writes after the
// session closed are dropped silently; the NIO keeps flowing.
func (s *Session) writeFrame(ts time.Time, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := s.writer.WritePacket(ci, data); err != nil {
		log.Warn("capture frame write failed", "nio_id", s.nioID, "path", s.path, "error", err)
	}
}

// close flushes and closes the sink. Idempotent.
func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// Manager tracks at most one active capture session per NIO.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Start opens a pcap sink at path and begins mirroring the NIO's frames
// into it. Parent directories are created as needed.
func (m *Manager) Start(n *nio.NIO, path string, linkType layers.LinkType) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[n.ID()]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyCapturing
	}
	// Reserve the slot before the file I/O so a concurrent start on the
	// same NIO fails fast instead of racing on the file.
	m.sessions[n.ID()] = nil
	m.mu.Unlock()

	sess, err := m.open(n, path, linkType)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, n.ID())
	} else {
		m.sessions[n.ID()] = sess
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	log.Info("capture started", "nio_id", n.ID(), "path", path, "link_type", linkType)
	return sess, nil
}

func (m *Manager) open(n *nio.NIO, path string, linkType layers.LinkType) (*Session, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating capture directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, linkType); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing capture header: %w", err)
	}

	sess := &Session{nioID: n.ID(), path: path, file: f, writer: w}
	if err := n.AttachSink(sess.writeFrame); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return sess, nil
}

// Stop terminates the session on a NIO: the sink is detached, flushed
// and closed before returning. Stopping an idle NIO fails.
func (m *Manager) Stop(n *nio.NIO) error {
	m.mu.Lock()
	sess, ok := m.sessions[n.ID()]
	if ok {
		delete(m.sessions, n.ID())
	}
	m.mu.Unlock()

	if !ok || sess == nil {
		return ErrNotCapturing
	}
	n.DetachSink()
	if err := sess.close(); err != nil {
		return fmt.Errorf("closing capture file: %w", err)
	}
	log.Info("capture stopped", "nio_id", n.ID(), "path", sess.path)
	return nil
}

// StopIfActive terminates the session if one exists; used when the
// owning NIO is detached, where an idle NIO is not an error.
func (m *Manager) StopIfActive(n *nio.NIO) {
	if err := m.Stop(n); err != nil && !errors.Is(err, ErrNotCapturing) {
		log.Warn("stopping capture on NIO detach failed", "nio_id", n.ID(), "error", err)
	}
}

// Stream returns a reader over the capture file of the NIO's active
// session. The reader tails the file while the writer is live and
// reports EOF once the session has stopped and the file is drained.
// Closing the reader never affects the capture itself.
func (m *Manager) Stream(nioID string) (io.ReadCloser, error) {
	m.mu.Lock()
	sess, ok := m.sessions[nioID]
	m.mu.Unlock()
	if !ok || sess == nil {
		return nil, ErrNotCapturing
	}

	f, err := os.Open(sess.path)
	if err != nil {
		return nil, fmt.Errorf("opening capture file: %w", err)
	}
	// The liveness check is pinned to this session, not the NIO: a new
	// capture started on the same NIO must not keep a reader of the old
	// file tailing forever.
	return &tailReader{
		f: f,
		active: func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.sessions[nioID] == sess
		},
		done: make(chan struct{}),
	}, nil
}

// tailReader reads a file that may still be growing. On EOF it waits
// and retries while the writer is active, so a download can begin
// mid-capture without corrupting anything for the writer.
type tailReader struct {
	f         *os.File
	active    func() bool
	done      chan struct{}
	closeOnce sync.Once
}

const tailPollInterval = 100 * time.Millisecond

func (t *tailReader) Read(p []byte) (int, error) {
	for {
		n, err := t.f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		if !t.active() {
			return 0, io.EOF
		}
		select {
		case <-t.done:
			return 0, io.EOF
		case <-time.After(tailPollInterval):
		}
	}
}

func (t *tailReader) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return t.f.Close()
}
