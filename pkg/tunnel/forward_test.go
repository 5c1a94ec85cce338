package tunnel

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/apptunnel/pkg/flowcontrol"
)

// startDestination runs a throwaway TCP destination for the duration of the
// test and returns its address.
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

func unitFor(addr *net.TCPAddr, payload []byte) *ForwardingUnit {
	return &ForwardingUnit{Host: "127.0.0.1", Port: addr.Port, Payload: payload}
}

func echoHandler(prefix string) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		conn.Write(append([]byte(prefix), data...))
	}
}

func testParams() Params {
	p := DefaultParams()
	p.IdleTimeout = 2 * time.Second
	p.ConnectTimeout = 2 * time.Second
	return p
}

func TestForwardRoundTrip(t *testing.T) {
	addr := startDestination(t, echoHandler("resp:"))

	params := testParams()
	cc := flowcontrol.NewController(params.Flow)
	fwd := NewForwardingSession(cc, params)

	resp, err := fwd.Forward(context.Background(), unitFor(addr, []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "resp:hello", string(resp))

	// The round trip was acknowledged: nothing left in flight, window grew.
	st := cc.Snapshot()
	assert.Equal(t, 0, st.InFlight)
	assert.Equal(t, uint64(1), st.TotalSent)
	assert.Equal(t, uint64(1), st.TotalAcked)
	assert.Greater(t, st.Window, float64(4096))
}

func TestForwardConnectError(t *testing.T) {
	// Grab a port that is certainly closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	params := testParams()
	cc := flowcontrol.NewController(params.Flow)
	fwd := NewForwardingSession(cc, params)

	_, err = fwd.Forward(context.Background(), unitFor(addr, []byte("x")))
	assert.ErrorIs(t, err, ErrConnect)

	// Nothing was sent, so no in-flight accounting happened.
	assert.Equal(t, 0, cc.InFlight())
}

func TestForwardResponseTooLarge(t *testing.T) {
	addr := startDestination(t, func(conn net.Conn) {
		defer conn.Close()
		io.ReadAll(conn)
		conn.Write(bytes.Repeat([]byte{0xAB}, 64*1024))
	})

	params := testParams()
	params.MaxResponseSize = 1024
	cc := flowcontrol.NewController(params.Flow)
	fwd := NewForwardingSession(cc, params)

	resp, err := fwd.Forward(context.Background(), unitFor(addr, []byte("x")))
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	// Partial data is discarded, not returned.
	assert.Nil(t, resp)
}

func TestForwardResponseTimeout(t *testing.T) {
	addr := startDestination(t, func(conn net.Conn) {
		// Accept and sit on the connection without responding or closing.
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				conn.Close()
				return
			}
		}
	})

	params := testParams()
	params.IdleTimeout = 50 * time.Millisecond
	cc := flowcontrol.NewController(params.Flow)
	fwd := NewForwardingSession(cc, params)

	start := time.Now()
	_, err := fwd.Forward(context.Background(), unitFor(addr, []byte("x")))
	assert.ErrorIs(t, err, ErrResponseTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestForwardRTTFeedsEstimator(t *testing.T) {
	addr := startDestination(t, echoHandler(""))

	params := testParams()
	cc := flowcontrol.NewController(params.Flow)
	fwd := NewForwardingSession(cc, params)

	_, err := fwd.Forward(context.Background(), unitFor(addr, []byte("probe")))
	require.NoError(t, err)

	st := cc.Snapshot()
	assert.Greater(t, st.SmoothedRTTMS, 0.0)
}

func TestUnitAddressFormatting(t *testing.T) {
	u := &ForwardingUnit{Host: "::1", Port: 8080}
	assert.Equal(t, net.JoinHostPort("::1", strconv.Itoa(8080)), u.Address())
}
