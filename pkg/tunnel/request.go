package tunnel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ForwardingUnit is one request bound for a destination: where to send it,
// what to send, and when it was dispatched. It lives for a single
// request/response cycle and is owned by the session that created it.
type ForwardingUnit struct {
	Host     string
	Port     int
	Payload  []byte
	SendTime time.Time
}

// Address returns the destination in dialable host:port form.
func (u *ForwardingUnit) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Decrypted request forms. A forwarding request is
// "FORWARD:<host>:<port>:<payload bytes>"; anything else is either a JSON
// control message or an opaque data packet that just gets acknowledged.
const forwardPrefix = "FORWARD:"

// Control message kinds.
const (
	ControlKeepalive = "keepalive"
	ControlStats     = "stats_request"
	ControlData      = "data"
)

type controlMessage struct {
	Type string `json:"type"`
}

// Request is a classified inbound message: either a ForwardingUnit or a
// control kind.
type Request struct {
	Unit    *ForwardingUnit
	Control string
}

// ParseRequest classifies one decrypted plaintext.
func ParseRequest(plaintext []byte) (Request, error) {
	if bytes.HasPrefix(plaintext, []byte(forwardPrefix)) {
		unit, err := parseForward(plaintext[len(forwardPrefix):])
		if err != nil {
			return Request{}, err
		}
		return Request{Unit: unit}, nil
	}

	var ctl controlMessage
	if err := json.Unmarshal(plaintext, &ctl); err == nil {
		switch ctl.Type {
		case ControlKeepalive, ControlStats:
			return Request{Control: ctl.Type}, nil
		}
	}

	// Unknown payloads are treated as data packets and acknowledged, which
	// keeps the session alive for peers probing the channel.
	return Request{Control: ControlData}, nil
}

// parseForward parses "<host>:<port>:<payload>". The payload is raw bytes and
// may itself contain colons; only the first two separators are structural.
func parseForward(rest []byte) (*ForwardingUnit, error) {
	hostEnd := bytes.IndexByte(rest, ':')
	if hostEnd <= 0 {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidDestination)
	}
	host := string(rest[:hostEnd])

	portStart := hostEnd + 1
	portEnd := bytes.IndexByte(rest[portStart:], ':')
	if portEnd < 0 {
		return nil, fmt.Errorf("%w: missing port separator", ErrInvalidDestination)
	}
	portEnd += portStart

	port, err := strconv.Atoi(string(rest[portStart:portEnd]))
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: bad port %q", ErrInvalidDestination, rest[portStart:portEnd])
	}

	return &ForwardingUnit{
		Host:    host,
		Port:    port,
		Payload: rest[portEnd+1:],
	}, nil
}

// EncodeForward builds the wire plaintext for a forwarding request. Used by
// the client side.
func EncodeForward(host string, port int, payload []byte) []byte {
	buf := make([]byte, 0, len(forwardPrefix)+len(host)+8+len(payload))
	buf = append(buf, forwardPrefix...)
	buf = append(buf, host...)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(port), 10)
	buf = append(buf, ':')
	return append(buf, payload...)
}

// EncodeControl builds the wire plaintext for a control message.
func EncodeControl(kind string) []byte {
	b, _ := json.Marshal(controlMessage{Type: kind})
	return b
}
