package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/protocol"
)

const testTimeout = 2 * time.Second

var (
	errWriteFailed = errors.New("write failed")
	testClock      = time.Unix(1700000000, 0)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory Conn. Tests push inbound lines with send and read
// what the session wrote from out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	failWrites atomic.Bool

	gateMu sync.Mutex
	// gate, when non-nil, blocks every write until it is closed.
	gate chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadLine() ([]byte, error) {
	select {
	case line := <-c.in:
		return line, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteLine(p []byte) error {
	c.gateMu.Lock()
	gate := c.gate
	c.gateMu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.closed:
			return net.ErrClosed
		}
	}
	if c.failWrites.Load() {
		return errWriteFailed
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.out <- append([]byte(nil), p...)
	return nil
}

// block holds every subsequent write until release is called.
func (c *fakeConn) block() (release func()) {
	gate := make(chan struct{})
	c.gateMu.Lock()
	c.gate = gate
	c.gateMu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string {
	return "fake"
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sendRaw(line string) {
	c.in <- []byte(line)
}

func (c *fakeConn) send(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	c.in <- data[:len(data)-1]
}

func (c *fakeConn) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		env, ok, err := protocol.Decode(data)
		require.NoError(t, err)
		require.True(t, ok)
		return env
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

func (c *fakeConn) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected envelope: %s", data)
	case <-time.After(wait):
	}
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(testTimeout):
		t.Fatal("connection was not closed")
	}
}

// drain returns everything written so far without waiting.
func (c *fakeConn) drain(t *testing.T) []protocol.Envelope {
	t.Helper()
	var envs []protocol.Envelope
	for {
		select {
		case data := <-c.out:
			env, _, err := protocol.Decode(data)
			require.NoError(t, err)
			envs = append(envs, env)
		default:
			return envs
		}
	}
}

func sys(text string) protocol.Envelope {
	return protocol.System(text, testClock)
}

func userList(names ...string) protocol.Envelope {
	return protocol.UserList(names, testClock)
}

// newTestHub returns a hub with a fixed clock and a rate limit high enough
// not to interfere.
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return newTestHubWithConfig(t, Config{RateLimit: RateLimitConfig{Burst: 10000, RefillInterval: time.Second}})
}

func newTestHubWithConfig(t *testing.T, cfg Config) *Hub {
	t.Helper()
	hub := NewHub(cfg, discardLogger())
	hub.router.now = func() time.Time { return testClock }
	t.Cleanup(func() { _ = hub.Shutdown(testTimeout) })
	return hub
}

// connect attaches a fake connection and waits until its session is
// registered.
func connect(t *testing.T, hub *Hub) *fakeConn {
	t.Helper()
	before, _ := hub.registry.Count()
	c := newFakeConn()
	go hub.HandleConn(c)
	require.Eventually(t, func() bool {
		n, _ := hub.registry.Count()
		return n > before
	}, testTimeout, time.Millisecond)
	return c
}

// join connects a client named name and consumes its own join notice and
// userlist.
func join(t *testing.T, hub *Hub, name string) *fakeConn {
	t.Helper()
	c := connect(t, hub)
	c.send(t, protocol.Envelope{Type: protocol.TypeJoin, From: name})
	require.Equal(t, sys(name+" joined"), c.next(t))
	require.Equal(t, protocol.TypeUserList, c.next(t).Type)
	return c
}
