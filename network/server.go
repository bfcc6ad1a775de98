package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"openshare/crypto"
)

// ServerOptions configures the inbound listener.
type ServerOptions struct {
	Handshake HandshakeOptions

	// ConnectionRateLimitPerIP caps new connections per remote IP inside
	// ConnectionRateLimitWindow. Zero disables the limit.
	ConnectionRateLimitPerIP  int
	ConnectionRateLimitWindow time.Duration

	OnRateLimited      func(remoteIP string)
	OnHandshakeFailure func(remoteAddr string, err *HandshakeError)
}

// Server accepts inbound TCP connections and runs the responder handshake on
// each of them.
type Server struct {
	listener net.Listener
	identity *crypto.Identity
	options  ServerOptions
	log      logrus.FieldLogger

	limiter *ipRateLimiter

	incoming chan *Session
	errs     chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, identity *crypto.Identity, options ServerOptions) (*Server, error) {
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}
	options.Handshake = options.Handshake.withDefaults()

	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		identity: identity,
		options:  options,
		log:      options.Handshake.Logger.WithField("component", "server"),
		incoming: make(chan *Session, 16),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	if options.ConnectionRateLimitPerIP > 0 {
		window := options.ConnectionRateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		server.limiter = newIPRateLimiter(options.ConnectionRateLimitPerIP, window)
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns established inbound sessions.
func (s *Server) Incoming() <-chan *Session {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels. Sessions already handed
// out stay open.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if s.limiter != nil {
			ip := remoteIP(conn)
			if !s.limiter.allow(ip, time.Now()) {
				s.log.WithField("remote_ip", ip).Warn("inbound connection rate limited")
				if s.options.OnRateLimited != nil {
					s.options.OnRateLimited(ip)
				}
				_ = conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	session, err := RunHandshake(s.ctx, conn, RoleResponder, s.identity, s.options.Handshake)
	if err != nil {
		_ = conn.Close()
		var hsErr *HandshakeError
		if errors.As(err, &hsErr) && s.options.OnHandshakeFailure != nil {
			s.options.OnHandshakeFailure(remoteAddr(conn), hsErr)
		}
		s.reportError(fmt.Errorf("inbound handshake from %s: %w", remoteAddr(conn), err))
		return
	}

	select {
	case s.incoming <- session:
	case <-s.ctx.Done():
		_ = session.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

type ipRateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[string][]time.Time
}

func newIPRateLimiter(limit int, window time.Duration) *ipRateLimiter {
	return &ipRateLimiter{limit: limit, window: window, seen: make(map[string][]time.Time)}
}

func (l *ipRateLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	recent := l.seen[ip][:0]
	for _, at := range l.seen[ip] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	if len(recent) >= l.limit {
		l.seen[ip] = recent
		return false
	}
	l.seen[ip] = append(recent, now)
	return true
}

func remoteIP(conn net.Conn) string {
	addr := remoteAddr(conn)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
