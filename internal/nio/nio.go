package nio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinsuchenak/emud/internal/log"
)

var (
	ErrValidation = errors.New("invalid NIO descriptor")
	ErrNotFound   = errors.New("NIO not found")
)

// Kind identifies the transport flavour of a NIO.
type Kind string

const (
	KindUDP  Kind = "nio_udp"  // UDP tunnel to a remote endpoint
	KindNull Kind = "nio_null" // capture-only pseudo endpoint, frames go nowhere
)

// Descriptor is the validated shape of a NIO creation request.
type Descriptor struct {
	Kind       Kind
	LocalPort  int
	RemoteHost string
	RemotePort int
	Filters    map[string]string
}

// FrameSink observes every frame flowing through a NIO. At most one sink
// may be attached at a time (the capture subsystem).
type FrameSink func(ts time.Time, data []byte)

// NIO is a transport endpoint, created independently of any node and
// attached to at most one adapter/port slot.
type NIO struct {
	id   string
	desc Descriptor

	mu   sync.Mutex
	conn *net.UDPConn // nil for nio_null
	sink FrameSink
}

// ID returns the registry identity of the NIO.
func (n *NIO) ID() string { return n.id }

// Kind returns the transport flavour.
func (n *NIO) Kind() string { return string(n.desc.Kind) }

// Descriptor returns a copy of the descriptor the NIO was created from.
func (n *NIO) Descriptor() Descriptor {
	d := n.desc
	if n.desc.Filters != nil {
		d.Filters = make(map[string]string, len(n.desc.Filters))
		for k, v := range n.desc.Filters {
			d.Filters[k] = v
		}
	}
	return d
}

// AttachSink registers the frame observer. Fails if one is already attached.
func (n *NIO) AttachSink(s FrameSink) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sink != nil {
		return fmt.Errorf("NIO %s already has a frame sink", n.id)
	}
	n.sink = s
	return nil
}

// DetachSink removes the frame observer, if any.
func (n *NIO) DetachSink() {
	n.mu.Lock()
	n.sink = nil
	n.mu.Unlock()
}

// WriteFrame pushes one frame through the NIO: it is forwarded to the
// remote tunnel endpoint (for UDP NIOs) and mirrored to the attached
// sink. Transport errors are logged, not returned; a lossy tunnel must
// not fail the emulation path.
func (n *NIO) WriteFrame(data []byte) {
	n.mu.Lock()
	sink := n.sink
	conn := n.conn
	n.mu.Unlock()

	if conn != nil {
		if _, err := conn.Write(data); err != nil {
			log.Debug("NIO tunnel write failed", "nio_id", n.id, "error", err)
		}
	}
	if sink != nil {
		sink(time.Now(), data)
	}
}

// close releases the transport resource. Safe to call once only; the
// registry guards against double-delete.
func (n *NIO) close() {
	n.mu.Lock()
	conn := n.conn
	n.conn = nil
	n.sink = nil
	n.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Registry tracks every NIO in existence. NIOs are created by explicit
// request and destroyed by explicit delete; an unattached NIO is valid
// but inert.
type Registry struct {
	mu   sync.Mutex
	nios map[string]*NIO
}

func NewRegistry() *Registry {
	return &Registry{nios: make(map[string]*NIO)}
}

// Create validates the descriptor and registers a new NIO. UDP tunnels
// open their outbound transport immediately so that a bad remote address
// fails here instead of at first frame.
func (r *Registry) Create(d Descriptor) (*NIO, error) {
	switch d.Kind {
	case KindUDP:
		if d.LocalPort <= 0 || d.LocalPort > 65535 {
			return nil, fmt.Errorf("%w: lport %d out of range", ErrValidation, d.LocalPort)
		}
		if d.RemotePort <= 0 || d.RemotePort > 65535 {
			return nil, fmt.Errorf("%w: rport %d out of range", ErrValidation, d.RemotePort)
		}
		if d.RemoteHost == "" {
			return nil, fmt.Errorf("%w: rhost is required", ErrValidation)
		}
	case KindNull:
		// No transport fields to validate.
	default:
		return nil, fmt.Errorf("%w: unknown NIO type %q", ErrValidation, d.Kind)
	}

	n := &NIO{id: newID(), desc: d}

	if d.Kind == KindUDP {
		raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", d.RemoteHost, d.RemotePort))
		if err != nil {
			return nil, fmt.Errorf("%w: rhost %q: %v", ErrValidation, d.RemoteHost, err)
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, fmt.Errorf("opening UDP tunnel: %w", err)
		}
		n.conn = conn
	}

	r.mu.Lock()
	r.nios[n.id] = n
	r.mu.Unlock()

	log.Debug("NIO created", "nio_id", n.id, "type", d.Kind)
	return n, nil
}

// Get returns a NIO by id.
func (r *Registry) Get(id string) (*NIO, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nios[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

// Delete releases the NIO's transport synchronously and removes it from
// the registry. Deleting an unknown or already-deleted NIO fails.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	n, ok := r.nios[id]
	if ok {
		delete(r.nios, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	n.close()
	log.Debug("NIO deleted", "nio_id", id)
	return nil
}

// Count returns the number of live NIOs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nios)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
