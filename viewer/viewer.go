// Package viewer publishes live migration progress over a Unix domain
// socket using a fixed binary wire format: a periodic ticker push
// generalized into a protocol an external viewer process can attach to.
package viewer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	// frameGlobal precedes a GlobalStatus frame.
	frameGlobal byte = 0
	// frameThread precedes a ThreadStatus frame.
	frameThread byte = 1
	// frameMsg is reserved for a future free-text message frame.
	frameMsg byte = 2

	publishInterval = 250 * time.Millisecond // 4Hz
)

// GlobalStatus is the run-wide progress snapshot.
type GlobalStatus struct {
	TotalBytes   uint64
	DoneBytes    uint64
	TotalObjects uint64
	DoneObjects  uint64
}

// ThreadStatus is one worker's current activity.
type ThreadStatus struct {
	ID       uint32
	FileSize uint32
	FileDone uint32
	ByteRate uint32
	Name     string
}

// Source supplies the data a publisher pushes to its connected viewer.
type Source interface {
	Global() GlobalStatus
	Threads() []ThreadStatus
}

// SocketPath builds the default publication path for one process:
// dir/cloudmig.sock, where dir is conventionally /tmp/<progname>/<pid>.
func SocketPath(dir string) string {
	return filepath.Join(dir, "cloudmig.sock")
}

// Server accepts a single viewer connection at a time and streams
// progress frames to it until the connection closes or the server stops.
type Server struct {
	listener net.Listener
	source   Source
	notify   chan struct{}
}

// New removes any stale socket file at path and listens there.
func New(path string, source Source) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("viewer: creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("viewer: removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("viewer: listening on %s: %w", path, err)
	}
	return &Server{listener: ln, source: source, notify: make(chan struct{}, 1)}, nil
}

// Notify wakes the active publisher immediately rather than waiting for
// its next tick, used after a checkpoint or entry completion.
func (s *Server) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Serve accepts connections one at a time, publishing to each until it
// disconnects, until ctx is cancelled or the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("viewer: accept: %w", err)
			}
		}
		s.publish(ctx, conn)
	}
}

func (s *Server) publish(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.notify:
		}
		if err := s.writeSnapshot(conn); err != nil {
			return
		}
	}
}

func (s *Server) writeSnapshot(w io.Writer) error {
	if err := writeGlobal(w, s.source.Global()); err != nil {
		return err
	}
	for _, t := range s.source.Threads() {
		if err := writeThread(w, t); err != nil {
			return err
		}
	}
	return nil
}

func writeGlobal(w io.Writer, g GlobalStatus) error {
	buf := make([]byte, 1+8*4)
	buf[0] = frameGlobal
	binary.NativeEndian.PutUint64(buf[1:9], g.TotalBytes)
	binary.NativeEndian.PutUint64(buf[9:17], g.DoneBytes)
	binary.NativeEndian.PutUint64(buf[17:25], g.TotalObjects)
	binary.NativeEndian.PutUint64(buf[25:33], g.DoneObjects)
	_, err := w.Write(buf)
	return err
}

func writeThread(w io.Writer, t ThreadStatus) error {
	name := []byte(t.Name)
	buf := make([]byte, 1+4*4+4+len(name))
	buf[0] = frameThread
	binary.NativeEndian.PutUint32(buf[1:5], t.ID)
	binary.NativeEndian.PutUint32(buf[5:9], t.FileSize)
	binary.NativeEndian.PutUint32(buf[9:13], t.FileDone)
	binary.NativeEndian.PutUint32(buf[13:17], t.ByteRate)
	binary.NativeEndian.PutUint32(buf[17:21], uint32(len(name)))
	copy(buf[21:], name)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads and decodes one frame from r, returning either a
// *GlobalStatus or a *ThreadStatus depending on the frame type byte.
func ReadFrame(r io.Reader) (interface{}, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return nil, err
	}
	switch typ[0] {
	case frameGlobal:
		buf := make([]byte, 8*4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return &GlobalStatus{
			TotalBytes:   binary.NativeEndian.Uint64(buf[0:8]),
			DoneBytes:    binary.NativeEndian.Uint64(buf[8:16]),
			TotalObjects: binary.NativeEndian.Uint64(buf[16:24]),
			DoneObjects:  binary.NativeEndian.Uint64(buf[24:32]),
		}, nil
	case frameThread:
		head := make([]byte, 4*4+4)
		if _, err := io.ReadFull(r, head); err != nil {
			return nil, err
		}
		namlen := binary.NativeEndian.Uint32(head[16:20])
		name := make([]byte, namlen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, err
		}
		return &ThreadStatus{
			ID:       binary.NativeEndian.Uint32(head[0:4]),
			FileSize: binary.NativeEndian.Uint32(head[4:8]),
			FileDone: binary.NativeEndian.Uint32(head[8:12]),
			ByteRate: binary.NativeEndian.Uint32(head[12:16]),
			Name:     string(name),
		}, nil
	default:
		return nil, fmt.Errorf("viewer: unknown frame type %d", typ[0])
	}
}
