package mtls

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/polisai/sslman/internal/certstore"
	"github.com/polisai/sslman/pkg/config"
)

// ClientManager dials the server of one client profile. The server's identity
// is verified explicitly after the handshake: first its certificate must match
// the pinned certificate byte for byte, then it must carry the expected
// hostname. Platform chain verification is disabled; the pin is the trust
// anchor.
type ClientManager struct {
	profile config.ClientProfile
	store   *certstore.Store
	logger  *slog.Logger
	metrics *MetricsCollector

	mu       sync.Mutex
	prepared bool
	cert     tls.Certificate
	pin      certstore.Fingerprint
}

// NewClientManager creates a manager for the given profile. The profile must
// already be validated; Start loads certificate material.
func NewClientManager(profile config.ClientProfile, store *certstore.Store, logger *slog.Logger) *ClientManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientManager{
		profile: profile,
		store:   store,
		logger:  logger.With("profile", profile.Name, "role", string(RoleClient)),
	}
}

// Start loads the profile's key pair and the pinned server certificate so
// that configuration mistakes surface at startup rather than on first dial.
func (m *ClientManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepareLocked()
}

func (m *ClientManager) prepareLocked() error {
	if m.prepared {
		return nil
	}

	metrics, err := GetMetricsCollector(m.logger)
	if err != nil {
		return err
	}
	m.metrics = metrics

	cert, err := m.store.LoadKeyPair(m.profile.ClientCert, m.profile.ClientKey)
	if err != nil {
		return NewCertificateLoadError(m.profile.Name, err)
	}

	pinned, err := m.store.Load(m.profile.ServerCert)
	if err != nil {
		return NewCertificateLoadError(m.profile.Name, err)
	}

	m.cert = cert
	m.pin = pinned.Fingerprint
	m.prepared = true
	m.logger.Info("client profile ready",
		"server_address", m.profile.ServerAddress.String(),
		"pinned_fingerprint", m.pin.String())
	return nil
}

// Connect makes a single connection attempt to the profile's server. It does
// not retry; reconnection policy belongs to the caller. On success the
// returned session's Peer is the verified server fingerprint.
func (m *ClientManager) Connect(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if err := m.prepareLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cert, pin, metrics := m.cert, m.pin, m.metrics
	m.mu.Unlock()

	addr := m.profile.ServerAddress.String()

	// Chain and hostname verification are replaced by the explicit pin and
	// hostname checks below, each with its own error identity.
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		},
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		dialErr := NewDialError(m.profile.Name, addr, err)
		metrics.RecordHandshakeError(ctx, m.profile.Name, RoleClient, dialErr.Type)
		return nil, dialErr
	}
	tlsConn := conn.(*tls.Conn)

	metrics.RecordHandshakeSuccess(ctx, m.profile.Name, RoleClient, time.Since(start))

	peer, err := m.verifyServer(tlsConn, pin)
	if err != nil {
		tlsConn.Close()
		metrics.RecordAuthorizationReject(ctx, m.profile.Name, RoleClient, AuthorizationReason(err))
		m.logger.Warn("server rejected", "server_address", addr, "error", err)
		return nil, err
	}

	session := newSession(m.profile.Name, RoleClient, peer, tlsConn)
	metrics.RecordSessionStart(ctx, m.profile.Name, RoleClient)
	session.onClose = func() {
		metrics.RecordSessionEnd(context.Background(), m.profile.Name, RoleClient)
	}
	m.logger.Info("session established",
		"session_id", session.ID,
		"server_address", addr,
		"server_fingerprint", peer.String())
	return session, nil
}

// verifyServer checks the handshake-presented server certificate against the
// pin, then against the expected hostname. The pin is checked first: a wrong
// server is reported as a pin mismatch even if its certificate happens to
// carry the expected name.
func (m *ClientManager) verifyServer(tlsConn *tls.Conn, pin certstore.Fingerprint) (certstore.Fingerprint, error) {
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return certstore.Fingerprint{}, NewPinMismatchError(m.profile.Name, pin, certstore.Fingerprint{})
	}

	leaf := state.PeerCertificates[0]
	presented := certstore.FingerprintOf(leaf)
	if presented != pin {
		return certstore.Fingerprint{}, NewPinMismatchError(m.profile.Name, pin, presented)
	}

	if err := leaf.VerifyHostname(m.profile.ServerHostname); err != nil {
		return certstore.Fingerprint{}, NewHostnameMismatchError(m.profile.Name, m.profile.ServerHostname, err)
	}

	return presented, nil
}
