// Package testhelpers provides common utilities and helper functions for testing the GoChat relay.
//
// It starts complete relays on loopback listeners and offers line-oriented
// TCP and WebSocket clients that speak the envelope protocol, so integration
// tests can drive real sessions end to end.
package testhelpers

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat/internal/protocol"
	"github.com/Tyrowin/gochat/internal/server"
)

// DefaultTimeout bounds every blocking helper.
const DefaultTimeout = 3 * time.Second

// TestOrigin is the browser origin allowed by relays started with StartRelay.
const TestOrigin = "http://localhost:8080"

// Relay is a running hub with a TCP listener and an HTTP gateway.
type Relay struct {
	Hub     *server.Hub
	TCPAddr string
	HTTP    *httptest.Server

	served chan error
}

// StartRelay starts a hub serving TCP on a loopback port and WebSocket
// sessions through an httptest server. configure may adjust the config
// before the hub is built. Everything is torn down when the test ends.
func StartRelay(t *testing.T, configure func(*server.Config)) *Relay {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.AllowedOrigins = []string{TestOrigin}
	cfg.RateLimit.Burst = 10000
	if configure != nil {
		configure(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := server.NewHub(cfg, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	r := &Relay{
		Hub:     hub,
		TCPAddr: ln.Addr().String(),
		HTTP:    httptest.NewServer(server.SetupRoutes(hub)),
		served:  make(chan error, 1),
	}
	go func() { r.served <- hub.Serve(ln) }()

	t.Cleanup(func() {
		r.HTTP.Close()
		_ = hub.Shutdown(DefaultTimeout)
	})
	return r
}

// WebSocketURL returns the gateway's WebSocket endpoint.
func (r *Relay) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(r.HTTP.URL, "http") + "/ws"
}

// Served returns the error Serve exited with, waiting up to DefaultTimeout.
func (r *Relay) Served(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.served:
		return err
	case <-time.After(DefaultTimeout):
		t.Fatal("Serve did not return")
		return nil
	}
}

// WaitForSessions blocks until the hub tracks exactly n sessions.
func (r *Relay) WaitForSessions(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		if got, _ := r.Hub.Registry().Count(); got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := r.Hub.Registry().Count()
	t.Fatalf("Expected %d sessions, have %d", n, got)
}

// Client is a relay connection that exchanges single envelopes.
type Client interface {
	SendRaw(t *testing.T, line string)
	Next(t *testing.T) protocol.Envelope
	// ReadErr returns the error of the next read, or nil if a record arrived.
	ReadErr(wait time.Duration) error
	Close() error
}

// Send encodes env and writes it to c.
func Send(t *testing.T, c Client, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("Failed to encode envelope: %v", err)
	}
	c.SendRaw(t, string(data))
}

// Join sends a join for name.
func Join(t *testing.T, c Client, name string) {
	t.Helper()
	Send(t, c, protocol.Envelope{Type: protocol.TypeJoin, From: name})
}

// ExpectSystem reads the next envelope and requires it to be a sys notice
// with the given text.
func ExpectSystem(t *testing.T, c Client, text string) {
	t.Helper()
	env := c.Next(t)
	if env.Type != protocol.TypeSys || env.Text != text {
		t.Fatalf("Expected sys %q, got %+v", text, env)
	}
	if env.From != "" {
		t.Errorf("sys envelope should have no sender, got %q", env.From)
	}
}

// ExpectUserList reads the next envelope and requires it to be a userlist
// naming exactly names, in order.
func ExpectUserList(t *testing.T, c Client, names ...string) {
	t.Helper()
	env := c.Next(t)
	want := strings.Join(names, ",")
	if env.Type != protocol.TypeUserList || env.Text != want {
		t.Fatalf("Expected userlist %q, got %+v", want, env)
	}
}

// ExpectClosed requires the server to close c.
func ExpectClosed(t *testing.T, c Client) {
	t.Helper()
	for {
		err := c.ReadErr(DefaultTimeout)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("Connection was not closed by the server")
		}
		return
	}
}

// ExpectSilence requires that nothing arrives on c within wait.
func ExpectSilence(t *testing.T, c Client, wait time.Duration) {
	t.Helper()
	err := c.ReadErr(wait)
	var netErr net.Error
	if err == nil || !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Expected no traffic, read returned %v", err)
	}
}

// LineClient is a raw TCP client speaking newline-delimited JSON.
type LineClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

// DialTCP connects a LineClient to addr.
func DialTCP(t *testing.T, addr string) *LineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	c := &LineClient{conn: conn, reader: bufio.NewReader(conn)}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// SendRaw writes line, appending a newline when missing.
func (c *LineClient) SendRaw(t *testing.T, line string) {
	t.Helper()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout))
	if _, err := c.conn.Write([]byte(line)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
}

// TryWrite writes data and returns any error instead of failing the test.
func (c *LineClient) TryWrite(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout))
	_, err := c.conn.Write(data)
	return err
}

// Next reads and decodes one envelope.
func (c *LineClient) Next(t *testing.T) protocol.Envelope {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("Failed to read envelope: %v", err)
	}
	return decode(t, line)
}

// ReadUntilClosed collects envelopes until the server closes the connection.
func (c *LineClient) ReadUntilClosed(t *testing.T) []protocol.Envelope {
	t.Helper()
	var got []protocol.Envelope
	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("Connection still open after %d envelopes", len(got))
			}
			return got
		}
		got = append(got, decode(t, line))
	}
}

// Collect reads envelopes until the server closes the connection or nothing
// arrives for wait. It reports whether the connection was closed.
func (c *LineClient) Collect(t *testing.T, wait time.Duration) ([]protocol.Envelope, bool) {
	t.Helper()
	var got []protocol.Envelope
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			var netErr net.Error
			return got, !errors.As(err, &netErr) || !netErr.Timeout()
		}
		got = append(got, decode(t, line))
	}
}

func (c *LineClient) ReadErr(wait time.Duration) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	_, err := c.reader.ReadBytes('\n')
	return err
}

func (c *LineClient) Close() error {
	return c.conn.Close()
}

// WSClient is a WebSocket client carrying one record per frame.
type WSClient struct {
	conn *websocket.Conn
}

// ConnectWebSocket dials url with origin as the Origin header, which is
// omitted when empty.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// DialWebSocket connects a WSClient to the relay's gateway.
func DialWebSocket(t *testing.T, r *Relay) *WSClient {
	t.Helper()
	conn, _, err := ConnectWebSocket(r.WebSocketURL(), TestOrigin)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	c := &WSClient{conn: conn}
	t.Cleanup(func() { _ = c.conn.Close() })
	return c
}

func (c *WSClient) SendRaw(t *testing.T, line string) {
	t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

func (c *WSClient) Next(t *testing.T) protocol.Envelope {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return decode(t, data)
}

// ReadErr reads one frame. A read error is permanent for a gorilla
// connection, so callers must not read again after a timeout.
func (c *WSClient) ReadErr(wait time.Duration) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	_, _, err := c.conn.ReadMessage()
	return err
}

// Close performs the closing handshake and releases the connection.
func (c *WSClient) Close() error {
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return c.conn.Close()
}

func decode(t *testing.T, line []byte) protocol.Envelope {
	t.Helper()
	env, ok, err := protocol.Decode(line)
	if err != nil {
		t.Fatalf("Server sent a malformed record %q: %v", line, err)
	}
	if !ok {
		t.Fatal("Server sent a blank record")
	}
	return env
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
