package mtls

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/sslman/internal/certstore"
)

// Role distinguishes the two sides of an established session.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Session is an established, authorized mutual-TLS connection. It wraps the
// underlying TLS connection and records which profile produced it and the
// verified fingerprint of the peer certificate.
type Session struct {
	ID          string
	Profile     string
	Role        Role
	Peer        certstore.Fingerprint
	Established time.Time

	conn      *tls.Conn
	onClose   func()
	closeOnce sync.Once
	closeErr  error
}

func newSession(profile string, role Role, peer certstore.Fingerprint, conn *tls.Conn) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Profile:     profile,
		Role:        role,
		Peer:        peer,
		Established: time.Now(),
		conn:        conn,
	}
}

// Conn exposes the underlying connection for byte transfer. The handshake has
// already completed and the peer has been authorized by the time a Session is
// handed out.
func (s *Session) Conn() net.Conn {
	return s.conn
}

// LocalAddr returns the local endpoint of the session.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the peer endpoint of the session.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Read reads from the session.
func (s *Session) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Write writes to the session.
func (s *Session) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Close closes the underlying connection and runs the manager's close hook.
// Safe to call more than once; subsequent calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}
