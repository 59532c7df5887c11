package viewer

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	global  GlobalStatus
	threads []ThreadStatus
}

func (f *fakeSource) Global() GlobalStatus    { return f.global }
func (f *fakeSource) Threads() []ThreadStatus { return f.threads }

func TestServeAndReadFrames(t *testing.T) {
	dir := t.TempDir()
	sockPath := SocketPath(dir)
	src := &fakeSource{
		global:  GlobalStatus{TotalBytes: 100, DoneBytes: 40, TotalObjects: 10, DoneObjects: 4},
		threads: []ThreadStatus{{ID: 1, FileSize: 20, FileDone: 10, ByteRate: 5, Name: "a/b.txt"}},
	}
	srv, err := New(sockPath, src)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err, "dial")
	defer conn.Close()
	srv.Notify()

	frame, err := ReadFrame(conn)
	require.NoError(t, err, "ReadFrame global")
	g, ok := frame.(*GlobalStatus)
	require.True(t, ok, "expected *GlobalStatus, got %T", frame)
	assert.EqualValues(t, 100, g.TotalBytes)
	assert.EqualValues(t, 40, g.DoneBytes)

	frame, err = ReadFrame(conn)
	require.NoError(t, err, "ReadFrame thread")
	th, ok := frame.(*ThreadStatus)
	require.True(t, ok, "expected *ThreadStatus, got %T", frame)
	assert.Equal(t, "a/b.txt", th.Name)
	assert.EqualValues(t, 1, th.ID)
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("/tmp/cloudmig/123")
	want := filepath.Join("/tmp/cloudmig/123", "cloudmig.sock")
	assert.Equal(t, want, got)
}
