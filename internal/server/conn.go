// Package server adapts TCP streams and WebSocket connections to the
// line-oriented Conn used by sessions.
package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Conn is a bidirectional stream of newline-delimited records. ReadLine is
// only called by the owning read loop and WriteLine only by the session's
// writer, so implementations need not serialize them. Close must unblock a
// pending ReadLine.
type Conn interface {
	// ReadLine returns the next record without its line terminator.
	ReadLine() ([]byte, error)
	// WriteLine writes one encoded record including its trailing newline.
	WriteLine(p []byte) error
	Close() error
	RemoteAddr() string
}

// ConnOptions tunes deadlines and limits shared by every transport.
type ConnOptions struct {
	MaxLineSize  int
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

func optionsFromConfig(cfg Config) ConnOptions {
	return ConnOptions{
		MaxLineSize:  cfg.MaxLineSize,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

type tcpConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	opts    ConnOptions
}

// NewTCPConn wraps a stream socket. Lines may end in "\n" or "\r\n"; a line
// longer than opts.MaxLineSize fails the read with bufio.ErrTooLong.
func NewTCPConn(conn net.Conn, opts ConnOptions) Conn {
	scanner := bufio.NewScanner(conn)
	initial := 4096
	if opts.MaxLineSize > 0 && opts.MaxLineSize < initial {
		initial = opts.MaxLineSize
	}
	maxSize := opts.MaxLineSize
	if maxSize <= 0 {
		maxSize = bufio.MaxScanTokenSize
	}
	// Scanner needs room for the terminator as well as the record.
	scanner.Buffer(make([]byte, 0, initial), maxSize+1)
	return &tcpConn{conn: conn, scanner: scanner, opts: opts}
}

func (c *tcpConn) ReadLine() ([]byte, error) {
	if c.opts.IdleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			return nil, err
		}
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return c.scanner.Bytes(), nil
}

func (c *tcpConn) WriteLine(p []byte) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(p)
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

type wsConn struct {
	conn    *websocket.Conn
	addr    string
	opts    ConnOptions
	pending [][]byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketConn wraps an upgraded WebSocket. Each text or binary frame
// carries one or more newline-separated records. The connection is kept
// alive with pings; a missing pong within pongWait fails the next read.
func NewWebSocketConn(conn *websocket.Conn, addr string, opts ConnOptions) Conn {
	c := &wsConn{
		conn: conn,
		addr: addr,
		opts: opts,
		done: make(chan struct{}),
	}
	if opts.MaxLineSize > 0 {
		conn.SetReadLimit(int64(opts.MaxLineSize))
	}
	c.setupReadConnection()
	go c.pingLoop()
	return c
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *wsConn) setupReadConnection() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout())
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeTimeout() time.Duration {
	if c.opts.WriteTimeout > 0 {
		return c.opts.WriteTimeout
	}
	return 10 * time.Second
}

func (c *wsConn) ReadLine() ([]byte, error) {
	for len(c.pending) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		c.pending = splitRecords(data)
	}
	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

// splitRecords breaks a frame into its newline-separated records. An empty
// frame yields one blank record so the caller still observes it.
func splitRecords(data []byte) [][]byte {
	data = bytes.TrimSuffix(data, []byte("\n"))
	return bytes.Split(data, []byte("\n"))
}

func (c *wsConn) WriteLine(p []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout())); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(p, []byte("\n")))
}

func (c *wsConn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil &&
			!errors.Is(werr, websocket.ErrCloseSent) && !isExpectedCloseError(werr) {
			err = werr
		} else {
			err = nil
		}
		if cerr := c.conn.Close(); cerr != nil && err == nil && !isExpectedCloseError(cerr) {
			err = cerr
		}
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}
