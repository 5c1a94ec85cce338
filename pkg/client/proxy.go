package client

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/apptunnel/pkg/logging"
)

// Proxy is a local HTTP proxy that relays whole requests through the tunnel.
// It handles plain proxy-form requests (GET http://host:port/path); CONNECT
// is refused because the tunnel protocol is one request/response per frame,
// not a duplex stream.
type Proxy struct {
	client *Client
	addr   string

	mu      sync.Mutex
	ln      net.Listener
	running bool
	wg      sync.WaitGroup
}

// NewProxy creates a proxy in front of client, listening on addr.
func NewProxy(client *Client, addr string) *Proxy {
	return &Proxy{client: client, addr: addr}
}

// Start begins accepting proxy connections.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("proxy: already running")
	}
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", p.addr, err)
	}
	p.ln = ln
	p.running = true

	p.wg.Add(1)
	go p.acceptLoop(ln)
	logging.Infof("local proxy listening on http://%s", ln.Addr())
	return nil
}

// Addr returns the bound listener address.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Stop closes the listener and waits for in-flight requests.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.ln.Close()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(conn)
		}()
	}
}

func (p *Proxy) handle(conn net.Conn) {
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return
	}
	defer req.Body.Close()

	if req.Method == http.MethodConnect {
		conn.Write([]byte("HTTP/1.1 501 Not Implemented\r\nConnection: close\r\n\r\n"))
		return
	}

	host, port, err := destinationOf(req)
	if err != nil {
		logging.Warnf("proxy: %v", err)
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"))
		return
	}

	raw, err := rewriteToOrigin(req)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"))
		return
	}

	logging.WithFields(logrus.Fields{
		"method": req.Method,
		"dest":   net.JoinHostPort(host, strconv.Itoa(port)),
	}).Debug("relaying through tunnel")

	resp, err := p.client.Forward(host, port, raw)
	if err != nil {
		logging.Warnf("proxy: forward failed: %v", err)
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\ntunnel forward failed\r\n"))
		return
	}
	conn.Write(resp)
}

// destinationOf extracts the destination host and port from a proxy-form
// request URL, falling back to the Host header. Port defaults to 80.
func destinationOf(req *http.Request) (string, int, error) {
	hostport := req.URL.Host
	if hostport == "" {
		hostport = req.Host
	}
	if hostport == "" {
		return "", 0, fmt.Errorf("request carries no destination host")
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No explicit port.
		return hostport, 80, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("bad destination port %q", portStr)
	}
	return host, port, nil
}

// rewriteToOrigin serializes the request in origin form (path-only request
// line) as the destination server expects it.
func rewriteToOrigin(req *http.Request) ([]byte, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	out.URL.Scheme = ""
	out.URL.Host = ""
	if out.URL.Path == "" {
		out.URL.Path = "/"
	}

	var buf bytes.Buffer
	if err := out.Write(&buf); err != nil {
		return nil, fmt.Errorf("serialize request: %w", err)
	}
	return buf.Bytes(), nil
}
