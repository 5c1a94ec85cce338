// Package tunnel implements the encrypted application-layer tunnel: the wire
// framing, the per-session forwarding loop with congestion-controlled
// admission, and the server that accepts and authenticates tunnel peers.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/irctrakz/apptunnel/pkg/flowcontrol"
)

// Params are the externally supplied per-session parameters.
type Params struct {
	// Flow configures the congestion controller.
	Flow flowcontrol.Settings
	// MaxResponseSize caps a destination response in bytes.
	MaxResponseSize int
	// IdleTimeout bounds each read from the destination.
	IdleTimeout time.Duration
	// ConnectTimeout bounds the outbound dial.
	ConnectTimeout time.Duration
	// SessionIdleTimeout tears the session down when the tunnel peer sends
	// nothing for this long. Zero disables the check; the client keepalive
	// keeps healthy sessions under it.
	SessionIdleTimeout time.Duration
}

// DefaultParams returns the standard session parameters.
func DefaultParams() Params {
	return Params{
		Flow:               flowcontrol.DefaultSettings(),
		MaxResponseSize:    10 << 20,
		IdleTimeout:        10 * time.Second,
		ConnectTimeout:     10 * time.Second,
		SessionIdleTimeout: 2 * time.Minute,
	}
}

const responseChunkSize = 4096

// ForwardingSession drives one destination round trip at a time: flow-control
// admission, pacing, a fresh outbound connection, response collection, and
// feeding the RTT sample back into the controller.
type ForwardingSession struct {
	cc     *flowcontrol.Controller
	gate   *flowcontrol.Gate
	params Params
}

// NewForwardingSession builds a forwarding session over the given controller.
func NewForwardingSession(cc *flowcontrol.Controller, params Params) *ForwardingSession {
	return &ForwardingSession{
		cc:     cc,
		gate:   flowcontrol.NewGate(cc),
		params: params,
	}
}

// Forward sends unit.Payload to unit's destination and returns the full
// response. The unit is admitted against the congestion window and paced
// before dispatch; a successful round trip acknowledges the unit with its
// measured RTT. I/O failures are surfaced to the caller without touching the
// controller's loss/timeout signals; that classification belongs to the
// session loop.
func (f *ForwardingSession) Forward(ctx context.Context, unit *ForwardingUnit) ([]byte, error) {
	size := len(unit.Payload)
	if err := f.gate.Wait(ctx, size); err != nil {
		return nil, err
	}
	if err := f.gate.Pace(ctx, size); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: f.params.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", unit.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%v)", ErrConnect, unit.Address(), err)
	}
	defer conn.Close()

	unit.SendTime = time.Now()
	if _, err := conn.Write(unit.Payload); err != nil {
		return nil, fmt.Errorf("%w: write to %s (%v)", ErrConnect, unit.Address(), err)
	}
	f.cc.OnSent(size)

	// Half-close our side so destinations that read until EOF can respond.
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	resp, err := f.collect(conn)
	if err != nil {
		return nil, err
	}

	f.cc.OnAcked(size, time.Since(unit.SendTime))
	return resp, nil
}

// collect reads until the destination closes the stream, enforcing the idle
// timeout per read and the response size cap overall.
func (f *ForwardingSession) collect(conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, responseChunkSize)
	for {
		if f.params.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(f.params.IdleTimeout))
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			if f.params.MaxResponseSize > 0 && buf.Len()+n > f.params.MaxResponseSize {
				return nil, fmt.Errorf("%w: cap %d bytes", ErrResponseTooLarge, f.params.MaxResponseSize)
			}
			buf.Write(chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				return buf.Bytes(), nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, fmt.Errorf("%w: no data for %v", ErrResponseTimeout, f.params.IdleTimeout)
			}
			return nil, fmt.Errorf("tunnel: response read: %w", err)
		}
	}
}
