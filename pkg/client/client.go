// Package client implements the tunnel client: the handshake and framed
// request/response exchange with a tunnel server, a keepalive loop with
// reconnect backoff, and a local HTTP proxy front-end.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/irctrakz/apptunnel/pkg/auth"
	"github.com/irctrakz/apptunnel/pkg/logging"
	"github.com/irctrakz/apptunnel/pkg/secure"
	"github.com/irctrakz/apptunnel/pkg/tunnel"
)

const maxHandshakeFrame = 8192

// replyOverhead is the slack allowed for IV and padding when capping inbound
// reply frames against MaxResponseSize: the encrypted reply is larger than
// the plaintext the server enforced its own cap on.
const replyOverhead = 1024

// Config holds the client settings.
type Config struct {
	// ServerAddr is the tunnel server host:port.
	ServerAddr string
	// Username and Password authenticate the session.
	Username string
	Password string
	// ConnectTimeout bounds the dial and handshake.
	ConnectTimeout time.Duration
	// RequestTimeout bounds one framed round trip over the tunnel.
	RequestTimeout time.Duration
	// MaxResponseSize caps an inbound frame.
	MaxResponseSize int
	// KeepaliveInterval paces the keepalive loop. Zero disables keepalives.
	KeepaliveInterval time.Duration
}

// DefaultConfig returns the standard client settings.
func DefaultConfig() Config {
	return Config{
		ServerAddr:        "127.0.0.1:8888",
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    30 * time.Second,
		MaxResponseSize:   10 << 20,
		KeepaliveInterval: 30 * time.Second,
	}
}

// Client is a tunnel client. The protocol is strictly half-duplex per
// request, so all round trips are serialized under one mutex; a second
// Forward blocks until the first completes.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      net.Conn
	key       []byte
	connected bool
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = 10 << 20
	}
	return &Client{cfg: cfg}
}

// Connect dials the server, runs the key exchange, and authenticates.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.cfg.ServerAddr, c.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.cfg.ServerAddr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}

	key, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.key = key
	c.connected = true
	logging.Infof("tunnel established to %s", c.cfg.ServerAddr)
	return nil
}

func (c *Client) handshake(conn net.Conn) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	defer conn.SetDeadline(time.Time{})

	pemData, err := tunnel.ReadFrame(conn, maxHandshakeFrame)
	if err != nil {
		return nil, fmt.Errorf("client: server key frame: %w", err)
	}
	pub, err := secure.ParsePublicKey(pemData)
	if err != nil {
		return nil, err
	}

	key, err := secure.NewKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := secure.EncryptRSA(key, pub)
	if err != nil {
		return nil, err
	}
	if err := tunnel.WriteFrame(conn, wrapped); err != nil {
		return nil, err
	}

	blob, err := auth.NewRequest(c.cfg.Username, c.cfg.Password)
	if err != nil {
		return nil, err
	}
	ct, err := secure.Encrypt(blob, key)
	if err != nil {
		return nil, err
	}
	if err := tunnel.WriteFrame(conn, ct); err != nil {
		return nil, err
	}

	respFrame, err := tunnel.ReadFrame(conn, maxHandshakeFrame)
	if err != nil {
		return nil, fmt.Errorf("client: auth response: %w", err)
	}
	respJSON, err := secure.Decrypt(respFrame, key)
	if err != nil {
		return nil, err
	}
	var resp auth.Response
	if err := json.Unmarshal(respJSON, &resp); err != nil {
		return nil, fmt.Errorf("client: auth response: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("client: authentication rejected: %s", resp.Message)
	}
	return key, nil
}

// Connected reports whether the tunnel is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Forward sends payload to host:port through the tunnel and returns the
// destination's response.
func (c *Client) Forward(host string, port int, payload []byte) ([]byte, error) {
	return c.roundTrip(tunnel.EncodeForward(host, port, payload))
}

// Keepalive exchanges one keepalive with the server.
func (c *Client) Keepalive() error {
	reply, err := c.roundTrip([]byte(`{"type":"keepalive"}`))
	if err != nil {
		return err
	}
	var ack struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(reply, &ack); err != nil || ack.Status != "ok" {
		return fmt.Errorf("client: unexpected keepalive reply %q", reply)
	}
	return nil
}

// Stats fetches the server's per-session and process-wide statistics as raw
// JSON.
func (c *Client) Stats() (json.RawMessage, error) {
	reply, err := c.roundTrip([]byte(`{"type":"stats_request"}`))
	if err != nil {
		return nil, err
	}
	if !json.Valid(reply) {
		return nil, fmt.Errorf("client: malformed stats reply")
	}
	return json.RawMessage(reply), nil
}

// roundTrip encrypts and frames one plaintext, then reads and decrypts the
// reply. Any failure marks the client disconnected: the session protocol has
// no resynchronization point mid-stream.
func (c *Client) roundTrip(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("client: not connected")
	}

	if c.cfg.RequestTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.cfg.RequestTimeout))
		defer c.conn.SetDeadline(time.Time{})
	}

	ct, err := secure.Encrypt(plaintext, c.key)
	if err != nil {
		return nil, err
	}
	if err := tunnel.WriteFrame(c.conn, ct); err != nil {
		c.dropLocked()
		return nil, err
	}

	frame, err := tunnel.ReadFrame(c.conn, c.cfg.MaxResponseSize+replyOverhead)
	if err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("client: tunnel read: %w", err)
	}
	reply, err := secure.Decrypt(frame, c.key)
	if err != nil {
		c.dropLocked()
		return nil, err
	}
	return reply, nil
}

// Close shuts the tunnel down and discards the session key.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.dropLocked()
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	secure.Zero(c.key)
	c.key = nil
	c.connected = false
}

// Run keeps the tunnel alive until ctx is canceled: it connects with jittered
// exponential backoff and exchanges keepalives at the configured interval,
// reconnecting whenever the session drops.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}
	interval := c.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		if !c.Connected() {
			if err := c.Connect(); err != nil {
				d := b.Duration()
				logging.Warnf("connect failed, retrying in %v: %v", d.Round(time.Millisecond), err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(d):
				}
				continue
			}
			b.Reset()
		}

		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-time.After(interval):
			if err := c.Keepalive(); err != nil {
				logging.Warnf("keepalive failed, reconnecting: %v", err)
			}
		}
	}
}
