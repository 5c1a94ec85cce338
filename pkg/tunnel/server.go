package tunnel

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/irctrakz/apptunnel/pkg/auth"
	"github.com/irctrakz/apptunnel/pkg/logging"
	"github.com/irctrakz/apptunnel/pkg/secure"
)

// handshake limits: the largest legitimate handshake frame is the RSA-encrypted
// session key (256 bytes) or the auth blob; anything near the cap is abuse.
const (
	handshakeTimeout  = 30 * time.Second
	maxHandshakeFrame = 8192
)

// ServerConfig configures the tunnel server.
type ServerConfig struct {
	// ListenAddr is the host:port the server accepts tunnel peers on.
	ListenAddr string
	// MaxClients caps concurrent tunnel sessions. Zero means unlimited.
	MaxClients int
	// Params are applied to every session.
	Params Params
	// Auth validates client credentials during the handshake.
	Auth *auth.Handler
}

// Server accepts tunnel peers, runs the RSA/AES handshake and credential
// check, and drives one Session per authenticated client.
type Server struct {
	cfg      ServerConfig
	key      *rsa.PrivateKey
	pubPEM   []byte
	registry Registry

	mu      sync.Mutex
	ln      net.Listener
	eg      *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewServer creates a server with a fresh RSA key pair.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("tunnel: server requires an auth handler")
	}
	key, err := secure.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pubPEM, err := secure.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, key: key, pubPEM: pubPEM}, nil
}

// Start begins listening and accepting sessions.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("tunnel: server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("tunnel: listen %s: %w", s.cfg.ListenAddr, err)
	}
	if s.cfg.MaxClients > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.eg, _ = errgroup.WithContext(s.ctx)
	s.running = true

	s.eg.Go(s.acceptLoop)
	logging.Infof("tunnel server listening on %s (max clients %d)", ln.Addr(), s.cfg.MaxClients)
	return nil
}

// Addr returns the bound listener address, for tests and logs.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Metrics returns a snapshot of the process-wide counters.
func (s *Server) Metrics() Stats { return s.registry.Snapshot() }

// Stop closes the listener and waits for sessions to finish tearing down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.ln.Close()
	eg := s.eg
	s.mu.Unlock()

	err := eg.Wait()
	logging.Infof("tunnel server stopped")
	return err
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			logging.Errorf("accept: %v", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
			tc.SetKeepAlive(true)
		}
		s.eg.Go(func() error {
			s.handle(conn)
			return nil
		})
	}
}

func (s *Server) handle(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	log := logging.WithFields(logrus.Fields{"peer": peer})

	key, username, err := s.handshake(conn)
	if err != nil {
		log.Warnf("handshake failed: %v", err)
		conn.Close()
		return
	}
	log.Infof("tunnel established for %q", username)

	sess := NewSession(conn, key, s.cfg.Params, &s.registry)
	s.registry.SessionOpened()
	defer s.registry.SessionClosed()

	// Tear the session down when the server stops.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			sess.Close()
		case <-done:
		}
	}()

	if err := sess.Run(); err != nil {
		log.Warnf("session ended: %v", err)
		return
	}
	log.Infof("session closed")
}

// handshake runs the session bootstrap: send our public key, receive the
// RSA-wrapped AES key, then validate the encrypted credentials. Every message
// is a length-prefixed frame. Returns the session key and username.
func (s *Server) handshake(conn net.Conn) ([]byte, string, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := WriteFrame(conn, s.pubPEM); err != nil {
		return nil, "", err
	}

	wrapped, err := ReadFrame(conn, maxHandshakeFrame)
	if err != nil {
		return nil, "", fmt.Errorf("session key frame: %w", err)
	}
	key, err := secure.DecryptRSA(wrapped, s.key)
	if err != nil {
		return nil, "", err
	}
	if len(key) != secure.KeySize {
		return nil, "", fmt.Errorf("session key has %d bytes, want %d", len(key), secure.KeySize)
	}

	authFrame, err := ReadFrame(conn, maxHandshakeFrame)
	if err != nil {
		return nil, "", fmt.Errorf("auth frame: %w", err)
	}
	blob, err := secure.Decrypt(authFrame, key)
	if err != nil {
		return nil, "", fmt.Errorf("auth decrypt: %w", err)
	}
	req, err := auth.ParseRequest(blob)
	if err != nil {
		return nil, "", err
	}

	if err := s.cfg.Auth.Validate(req); err != nil {
		s.replyAuth(conn, key, auth.Failure("authentication failed: invalid credentials"))
		return nil, "", err
	}
	if err := s.replyAuth(conn, key, auth.Success("tunnel established, forwarding enabled")); err != nil {
		return nil, "", err
	}
	return key, req.Username, nil
}

func (s *Server) replyAuth(conn net.Conn, key []byte, resp auth.Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	ct, err := secure.Encrypt(b, key)
	if err != nil {
		return err
	}
	return WriteFrame(conn, ct)
}
