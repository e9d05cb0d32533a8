package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/martinsuchenak/emud/internal/log"
)

// ErrNotRunning is returned when a viewer attaches to a node whose
// console transport cannot be established.
var ErrNotRunning = errors.New("console is not available")

// DefaultViewerBuffer is the per-viewer broadcast queue depth. A viewer
// that falls this many chunks behind is disconnected rather than
// allowed to stall the backend-to-viewer path.
const DefaultViewerBuffer = 256

// Dialer opens the backend-facing console transport. The line
// discipline is the backend's business; the bridge is transparent.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// TCPDialer dials a telnet-style console listener.
func TCPDialer(host string, port int) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
		return conn, nil
	}
}

// Bridge multiplexes one backend console transport to any number of
// viewers. Backend output is broadcast to every viewer; viewer input is
// forwarded to the backend as-is, interleaving byte-for-byte like a
// shared terminal. The transport is created lazily on first attach and
// survives viewers coming and going.
type Bridge struct {
	dial    Dialer
	bufSize int

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	gen     int // bumped on reset/shutdown so a stale read loop exits cleanly
	viewers map[*Viewer]struct{}
}

func NewBridge(dial Dialer) *Bridge {
	return &Bridge{
		dial:    dial,
		bufSize: DefaultViewerBuffer,
		viewers: make(map[*Viewer]struct{}),
	}
}

// Viewer is one API-facing observer of the shared console.
type Viewer struct {
	bridge *Bridge
	out    chan []byte

	closeOnce sync.Once
}

// Output delivers backend console bytes. The channel closes when the
// viewer is disconnected, for any reason.
func (v *Viewer) Output() <-chan []byte { return v.out }

// Write forwards viewer keystrokes to the backend.
func (v *Viewer) Write(p []byte) (int, error) {
	v.bridge.mu.Lock()
	conn := v.bridge.conn
	v.bridge.mu.Unlock()
	if conn == nil {
		return 0, ErrNotRunning
	}
	return conn.Write(p)
}

// Close detaches this viewer only. The backend transport and the other
// viewers are unaffected; cancellation is local, never global.
func (v *Viewer) Close() error {
	v.bridge.detach(v)
	return nil
}

// Attach connects a new viewer, dialing the backend transport if this
// is the first one.
func (b *Bridge) Attach(ctx context.Context) (*Viewer, error) {
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()

		conn, err := b.dial(ctx)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.conn != nil {
			// Lost the dial race with a concurrent attach; keep the
			// transport that won.
			defer conn.Close()
		} else {
			b.conn = conn
			b.gen++
			go b.readLoop(conn, b.gen)
		}
	}

	v := &Viewer{bridge: b, out: make(chan []byte, b.bufSize)}
	b.viewers[v] = struct{}{}
	b.mu.Unlock()
	return v, nil
}

// readLoop pumps backend output to every attached viewer. A viewer
// whose queue is full is dropped, logged, and the node carries on.
func (b *Bridge) readLoop(conn io.Reader, gen int) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.broadcast(chunk)
		}
		if err != nil {
			b.mu.Lock()
			stale := b.gen != gen
			b.mu.Unlock()
			if !stale && err != io.EOF {
				log.Warn("console transport read failed", "error", err)
			}
			if !stale {
				b.teardown()
			}
			return
		}
	}
}

func (b *Bridge) broadcast(chunk []byte) {
	b.mu.Lock()
	var dropped []*Viewer
	for v := range b.viewers {
		select {
		case v.out <- chunk:
		default:
			dropped = append(dropped, v)
		}
	}
	for _, v := range dropped {
		delete(b.viewers, v)
	}
	b.mu.Unlock()

	for _, v := range dropped {
		log.Warn("console viewer too slow, disconnecting")
		v.closeOnce.Do(func() { close(v.out) })
	}
}

func (b *Bridge) detach(v *Viewer) {
	b.mu.Lock()
	_, ok := b.viewers[v]
	delete(b.viewers, v)
	b.mu.Unlock()
	if ok {
		v.closeOnce.Do(func() { close(v.out) })
	}
}

// teardown closes the transport and disconnects every viewer.
func (b *Bridge) teardown() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.gen++
	viewers := make([]*Viewer, 0, len(b.viewers))
	for v := range b.viewers {
		viewers = append(viewers, v)
		delete(b.viewers, v)
	}
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, v := range viewers {
		v.closeOnce.Do(func() { close(v.out) })
	}
}

// Reset force-closes and recreates the transport on next attach. All
// viewers are disconnected and must reattach.
func (b *Bridge) Reset() {
	log.Info("console reset, disconnecting all viewers")
	b.teardown()
}

// Shutdown tears the bridge down when the node stops.
func (b *Bridge) Shutdown() {
	b.teardown()
}

// Serve pumps a duplex client stream (for example a websocket wrapped
// as a net.Conn) through a viewer until either side goes away. The
// client disconnecting releases only its own viewer.
func Serve(ctx context.Context, b *Bridge, client io.ReadWriter) error {
	v, err := b.Attach(ctx)
	if err != nil {
		return err
	}
	defer v.Close()

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				if _, werr := v.Write(buf[:n]); werr != nil {
					readErr <- werr
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case chunk, ok := <-v.Output():
			if !ok {
				return nil // viewer dropped or bridge reset
			}
			if _, err := client.Write(chunk); err != nil {
				return err
			}
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
