package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/apptunnel/pkg/flowcontrol"
	"github.com/irctrakz/apptunnel/pkg/logging"
	"github.com/irctrakz/apptunnel/pkg/secure"
)

// State is the session lifecycle. Handshaking happens before the session is
// constructed, so a Session starts Active.
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// frameOverhead is the slack allowed for IV, padding and the request header
// when capping inbound frame lengths against MaxResponseSize.
const frameOverhead = 1024

// Session is the per-client tunnel loop. It repeatedly reads one framed
// message from the peer, decrypts it, forwards it, and returns the encrypted
// response. Strict request/response alternation: at most one ForwardingUnit
// is in flight per session, although the controller's accounting would
// support more.
//
// A Session owns its AES key and congestion controller exclusively; the only
// cross-session state it touches is the atomic Registry.
type Session struct {
	conn     net.Conn
	key      []byte
	params   Params
	cc       *flowcontrol.Controller
	fwd      *ForwardingSession
	registry *Registry
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	// Per-session counters, driven by the single session goroutine.
	requests     uint64
	bytesToDest  uint64
	bytesFromDst uint64
}

// NewSession wraps an authenticated peer connection. The session takes
// ownership of conn and key.
func NewSession(conn net.Conn, key []byte, params Params, registry *Registry) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	cc := flowcontrol.NewController(params.Flow)
	return &Session{
		conn:     conn,
		key:      key,
		params:   params,
		cc:       cc,
		fwd:      NewForwardingSession(cc, params),
		registry: registry,
		log:      logging.WithFields(logrus.Fields{"session": conn.RemoteAddr().String()}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Close tears the session down from outside the loop: it unblocks any
// suspended admission wait or pending I/O and releases the key.
func (s *Session) Close() {
	s.beginClosing()
	s.conn.Close()
}

// Run drives the tunnel loop until the peer closes, the session idles out,
// or a failure terminates it. The returned error is nil for a clean close.
func (s *Session) Run() error {
	defer s.teardown()

	s.log.Debug("tunnel session active")
	for {
		if err := s.ctx.Err(); err != nil {
			return nil
		}
		if s.params.SessionIdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.params.SessionIdleTimeout))
		}
		frame, err := ReadFrame(s.conn, s.params.MaxResponseSize+frameOverhead)
		if err != nil {
			if err == io.EOF {
				s.log.Debug("peer closed tunnel")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Info("session idle timeout")
				return nil
			}
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}

		plaintext, err := secure.Decrypt(frame, s.key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecrypt, err)
		}

		req, err := ParseRequest(plaintext)
		if err != nil {
			return err
		}

		if req.Unit != nil {
			if err := s.handleForward(req.Unit); err != nil {
				return err
			}
			continue
		}
		if err := s.handleControl(req.Control, len(plaintext)); err != nil {
			return err
		}
	}
}

func (s *Session) handleForward(unit *ForwardingUnit) error {
	resp, err := s.fwd.Forward(s.ctx, unit)
	if err != nil {
		s.registry.ForwardError()
		// A response timeout is treated as congestion evidence; a refused
		// connection or an oversized response is not.
		if errors.Is(err, ErrResponseTimeout) {
			s.cc.OnTimeout()
		}
		s.log.WithFields(logrus.Fields{"dest": unit.Address()}).Warnf("forward failed: %v", err)
		return err
	}

	s.requests++
	s.bytesToDest += uint64(len(unit.Payload))
	s.bytesFromDst += uint64(len(resp))
	s.registry.RequestForwarded(len(unit.Payload), len(resp))
	s.log.WithFields(logrus.Fields{
		"dest":  unit.Address(),
		"sent":  len(unit.Payload),
		"recvd": len(resp),
	}).Debug("forwarded")

	return s.reply(resp)
}

func (s *Session) handleControl(kind string, size int) error {
	switch kind {
	case ControlKeepalive:
		s.registry.Keepalive()
		return s.replyJSON(map[string]string{"status": "ok", "type": "keepalive_ack"})
	case ControlStats:
		return s.replyJSON(s.statsReply())
	default:
		// Opaque data packet: acknowledge receipt.
		return s.replyJSON(map[string]interface{}{"status": "ack", "size": size})
	}
}

func (s *Session) statsReply() interface{} {
	return struct {
		Tunnel struct {
			Requests      uint64 `json:"requests"`
			BytesToDest   uint64 `json:"bytes_to_dest"`
			BytesFromDest uint64 `json:"bytes_from_dest"`
		} `json:"tunnel_stats"`
		Flow   flowcontrol.Stats `json:"flow_control_stats"`
		Server Stats             `json:"server_stats"`
	}{
		Tunnel: struct {
			Requests      uint64 `json:"requests"`
			BytesToDest   uint64 `json:"bytes_to_dest"`
			BytesFromDest uint64 `json:"bytes_from_dest"`
		}{s.requests, s.bytesToDest, s.bytesFromDst},
		Flow:   s.cc.Snapshot(),
		Server: s.registry.Snapshot(),
	}
}

func (s *Session) replyJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tunnel: encode reply: %w", err)
	}
	return s.reply(b)
}

func (s *Session) reply(plaintext []byte) error {
	ct, err := secure.Encrypt(plaintext, s.key)
	if err != nil {
		return fmt.Errorf("tunnel: encrypt reply: %w", err)
	}
	return WriteFrame(s.conn, ct)
}

func (s *Session) beginClosing() {
	if s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		s.cancel()
	}
}

// teardown releases the connection, unblocks any suspended wait, and zeroes
// the symmetric key.
func (s *Session) teardown() {
	s.beginClosing()
	s.conn.Close()
	secure.Zero(s.key)
	s.state.Store(int32(StateClosed))
	s.log.Debug("tunnel session closed")
}
