package client

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/apptunnel/pkg/auth"
	"github.com/irctrakz/apptunnel/pkg/tunnel"
)

func startServer(t *testing.T) *tunnel.Server {
	t.Helper()
	handler, err := auth.NewHandler(map[string]string{"student": "secure123"})
	require.NoError(t, err)

	srv, err := tunnel.NewServer(tunnel.ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Params:     tunnel.DefaultParams(),
		Auth:       handler,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func startDestination(t *testing.T, handler func(net.Conn)) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func testClient(t *testing.T, srv *tunnel.Server) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerAddr = srv.Addr().String()
	cfg.Username = "student"
	cfg.Password = "secure123"
	cfg.RequestTimeout = 5 * time.Second
	c := New(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientConnectAndForward(t *testing.T) {
	srv := startServer(t)
	dest := startDestination(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		conn.Write(append([]byte("echo:"), buf[:n]...))
	})

	c := testClient(t, srv)
	require.NoError(t, c.Connect())
	assert.True(t, c.Connected())

	resp, err := c.Forward("127.0.0.1", dest.Port, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(resp))
}

func TestClientForwardResponseAtCap(t *testing.T) {
	srv := startServer(t)
	body := bytes.Repeat([]byte{0x5A}, 1024)
	dest := startDestination(t, func(conn net.Conn) {
		defer conn.Close()
		io.Copy(io.Discard, conn)
		conn.Write(body)
	})

	// A response of exactly MaxResponseSize must survive the extra IV and
	// padding bytes the encrypted reply frame carries.
	cfg := DefaultConfig()
	cfg.ServerAddr = srv.Addr().String()
	cfg.Username = "student"
	cfg.Password = "secure123"
	cfg.RequestTimeout = 5 * time.Second
	cfg.MaxResponseSize = len(body)
	c := New(cfg)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect())

	resp, err := c.Forward("127.0.0.1", dest.Port, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, body, resp)
	assert.True(t, c.Connected())
}

func TestClientConnectIsIdempotent(t *testing.T) {
	srv := startServer(t)
	c := testClient(t, srv)
	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())
}

func TestClientRejectedCredentials(t *testing.T) {
	srv := startServer(t)

	cfg := DefaultConfig()
	cfg.ServerAddr = srv.Addr().String()
	cfg.Username = "student"
	cfg.Password = "wrong"
	c := New(cfg)

	err := c.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication rejected")
	assert.False(t, c.Connected())
}

func TestClientKeepalive(t *testing.T) {
	srv := startServer(t)
	c := testClient(t, srv)
	require.NoError(t, c.Connect())

	assert.NoError(t, c.Keepalive())
}

func TestClientStats(t *testing.T) {
	srv := startServer(t)
	c := testClient(t, srv)
	require.NoError(t, c.Connect())

	raw, err := c.Stats()
	require.NoError(t, err)

	var stats struct {
		Flow struct {
			Phase string `json:"phase"`
		} `json:"flow_control_stats"`
	}
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, "slow_start", stats.Flow.Phase)
}

func TestClientNotConnected(t *testing.T) {
	c := New(DefaultConfig())
	_, err := c.Forward("127.0.0.1", 80, []byte("x"))
	assert.Error(t, err)
}

func TestClientDropsConnectionOnServerClose(t *testing.T) {
	srv := startServer(t)
	c := testClient(t, srv)
	require.NoError(t, c.Connect())

	require.NoError(t, srv.Stop())

	// The next round trip notices the dead connection and marks the
	// client disconnected.
	require.Eventually(t, func() bool {
		return c.Keepalive() != nil
	}, 2*time.Second, 50*time.Millisecond)
	assert.False(t, c.Connected())
}
