package mtls

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/polisai/sslman/internal/certstore"
	"github.com/polisai/sslman/pkg/config"
)

// shutdownGrace bounds how long Stop waits for in-flight handshakes and
// undelivered sessions before returning.
const shutdownGrace = 5 * time.Second

// ServerManager owns the listeners of one server profile. It accepts TCP
// connections on every configured address, drives the TLS handshake with a
// per-connection deadline, and authorizes the peer against the profile's
// client certificate allow-list before handing the session out.
type ServerManager struct {
	profile config.ServerProfile
	store   *certstore.Store
	logger  *slog.Logger
	metrics *MetricsCollector

	mu        sync.Mutex
	started   bool
	stopped   bool
	listeners []net.Listener

	allowed  certstore.FingerprintSet
	cert     tls.Certificate
	sessions chan *Session
	shutdown chan struct{}
	loopWG   sync.WaitGroup
	connWG   sync.WaitGroup
}

// NewServerManager creates a manager for the given profile. The profile must
// already be validated; Start loads certificate material and binds listeners.
func NewServerManager(profile config.ServerProfile, store *certstore.Store, logger *slog.Logger) *ServerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerManager{
		profile:  profile,
		store:    store,
		logger:   logger.With("profile", profile.Name, "role", string(RoleServer)),
		sessions: make(chan *Session, 16),
		shutdown: make(chan struct{}),
	}
}

// Sessions delivers established, authorized sessions. The channel is closed
// after Stop once all in-flight connections have settled.
func (m *ServerManager) Sessions() <-chan *Session {
	return m.sessions
}

// Addrs returns the bound listener addresses. Useful when a profile binds
// port 0 and the kernel picks the port.
func (m *ServerManager) Addrs() []net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]net.Addr, 0, len(m.listeners))
	for _, ln := range m.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Start loads the profile's certificate material, binds every configured
// address, and launches the accept loops. Binding is all-or-nothing: if any
// address fails, previously bound listeners are released and the profile is
// not started.
func (m *ServerManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stopped wins over started: a started-then-stopped manager is stopped.
	if m.stopped {
		return NewError(ErrorTypeShutdown, "server profile already stopped").
			WithContext("profile", m.profile.Name)
	}
	if m.started {
		return NewError(ErrorTypeBind, "server profile already started").
			WithContext("profile", m.profile.Name)
	}

	metrics, err := GetMetricsCollector(m.logger)
	if err != nil {
		return err
	}
	m.metrics = metrics

	cert, err := m.store.LoadKeyPair(m.profile.ServerCert, m.profile.ServerKey)
	if err != nil {
		return NewCertificateLoadError(m.profile.Name, err)
	}
	m.cert = cert

	allowed, err := m.store.LoadFingerprints(m.profile.ClientCerts)
	if err != nil {
		return NewCertificateLoadError(m.profile.Name, err)
	}
	m.allowed = allowed

	lc := &net.ListenConfig{}
	for _, addr := range m.profile.Addresses {
		ln, err := lc.Listen(ctx, "tcp", addr.String())
		if err != nil {
			for _, bound := range m.listeners {
				bound.Close()
			}
			m.listeners = nil
			return NewBindError(m.profile.Name, addr.String(), err)
		}
		m.listeners = append(m.listeners, ln)
	}

	for _, ln := range m.listeners {
		m.loopWG.Add(1)
		go m.acceptLoop(ln)
	}

	m.started = true
	m.logger.Info("server profile started",
		"addresses", len(m.listeners),
		"allowed_clients", m.allowed.Len())
	return nil
}

// Stop closes all listeners and waits, bounded by a grace period, for
// in-flight connections to settle. The Sessions channel is closed once they
// have. Stop is idempotent.
func (m *ServerManager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	wasStarted := m.started
	close(m.shutdown)
	for _, ln := range m.listeners {
		ln.Close()
	}
	m.mu.Unlock()

	if !wasStarted {
		close(m.sessions)
		return
	}

	m.loopWG.Wait()

	// Sessions may only close once every connection goroutine is done;
	// closing earlier would race a straggler's send.
	done := make(chan struct{})
	go func() {
		m.connWG.Wait()
		close(m.sessions)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		m.logger.Warn("shutdown grace period elapsed with connections still in flight")
	}

	m.logger.Info("server profile stopped")
}

// acceptLoop accepts connections on one listener. The semaphore bounds how
// many accepted connections may sit in the handshake and authorization phase
// at once; further arrivals wait in the kernel queue until a slot frees.
func (m *ServerManager) acceptLoop(ln net.Listener) {
	defer m.loopWG.Done()

	addr := ln.Addr().String()
	sem := make(chan struct{}, m.profile.Queue)

	for {
		select {
		case sem <- struct{}{}:
		case <-m.shutdown:
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			<-sem
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-m.shutdown:
				return
			default:
			}
			m.metrics.RecordAcceptError(context.Background(), m.profile.Name, addr)
			m.logger.Warn("accept failed", "address", addr, "error", err)
			continue
		}

		m.connWG.Add(1)
		go func() {
			defer m.connWG.Done()
			defer func() { <-sem }()
			m.handleConn(conn)
		}()
	}
}

// handleConn drives the handshake and authorization of one accepted
// connection. Rejected peers are closed without any application-level
// response.
func (m *ServerManager) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	timeout := m.profile.HandshakeTimeout()

	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{m.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	})

	start := time.Now()
	conn.SetDeadline(start.Add(timeout))

	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		tlsConn.Close()

		var handshakeErr *Error
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			handshakeErr = NewHandshakeTimeoutError(m.profile.Name, remote, timeout)
		} else {
			handshakeErr = NewHandshakeFailureError(m.profile.Name, remote, err)
		}
		m.metrics.RecordHandshakeError(context.Background(), m.profile.Name, RoleServer, handshakeErr.Type)
		m.logger.Warn("handshake rejected", "remote_addr", remote, "error", handshakeErr)
		return
	}
	conn.SetDeadline(time.Time{})

	m.metrics.RecordHandshakeSuccess(context.Background(), m.profile.Name, RoleServer, time.Since(start))

	peer, err := m.authorize(tlsConn)
	if err != nil {
		tlsConn.Close()
		m.metrics.RecordAuthorizationReject(context.Background(), m.profile.Name, RoleServer, AuthorizationReason(err))
		m.logger.Warn("client rejected", "remote_addr", remote, "error", err)
		return
	}

	session := newSession(m.profile.Name, RoleServer, peer, tlsConn)
	m.metrics.RecordSessionStart(context.Background(), m.profile.Name, RoleServer)
	session.onClose = func() {
		m.metrics.RecordSessionEnd(context.Background(), m.profile.Name, RoleServer)
	}

	select {
	case m.sessions <- session:
		m.logger.Info("session established",
			"session_id", session.ID,
			"remote_addr", remote,
			"client_fingerprint", peer.String())
	case <-m.shutdown:
		session.Close()
	}
}

// authorize checks the handshake-verified peer certificate against the
// profile's allow-list. The handshake only proved possession of some key
// pair; identity is decided here.
func (m *ServerManager) authorize(tlsConn *tls.Conn) (certstore.Fingerprint, error) {
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return certstore.Fingerprint{}, NewNoClientCertificateError(m.profile.Name)
	}

	presented := certstore.FingerprintOf(state.PeerCertificates[0])
	if !m.allowed.Contains(presented) {
		return certstore.Fingerprint{}, NewClientNotAllowedError(m.profile.Name, presented)
	}
	return presented, nil
}
