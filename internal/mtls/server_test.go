package mtls

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/sslman/internal/certstore"
	"github.com/polisai/sslman/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupCerts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, certstore.GenerateProfileCertificates(dir, "localhost"))
	return dir
}

func serverProfile(certDir string) config.ServerProfile {
	return config.ServerProfile{
		Name:           "testserver",
		Addresses:      []config.Address{{Host: "127.0.0.1", Port: 0}},
		Queue:          5,
		AddressTimeout: 1,
		ServerCert:     filepath.Join(certDir, "server.crt"),
		ServerKey:      filepath.Join(certDir, "server.key"),
		ClientCerts: []string{
			filepath.Join(certDir, "client1.crt"),
			filepath.Join(certDir, "client2.crt"),
		},
	}
}

func startServer(t *testing.T, certDir string) *ServerManager {
	t.Helper()
	store := certstore.NewStore(testLogger())
	t.Cleanup(func() { store.Close() })

	manager := NewServerManager(serverProfile(certDir), store, testLogger())
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(manager.Stop)
	return manager
}

// dialWith opens a raw TLS connection to the server using the named client
// key pair, bypassing ClientManager so server behavior is observed directly.
func dialWith(t *testing.T, manager *ServerManager, certDir, client string) *tls.Conn {
	t.Helper()
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(certDir, client+".crt"),
		filepath.Join(certDir, client+".key"),
	)
	require.NoError(t, err)

	conn, err := tls.Dial("tcp", manager.Addrs()[0].String(), &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	require.NoError(t, err)
	return conn
}

func TestServerAcceptsAllowedClients(t *testing.T) {
	certDir := setupCerts(t)
	manager := startServer(t, certDir)

	for _, client := range []string{"client1", "client2"} {
		conn := dialWith(t, manager, certDir, client)

		select {
		case session := <-manager.Sessions():
			expected, err := certstore.InspectCertificateFile(filepath.Join(certDir, client+".crt"))
			require.NoError(t, err)
			assert.Equal(t, expected.Fingerprint, session.Peer)
			assert.Equal(t, "testserver", session.Profile)
			assert.Equal(t, RoleServer, session.Role)
			assert.NotEmpty(t, session.ID)
			session.Close()
		case <-time.After(5 * time.Second):
			t.Fatalf("no session delivered for %s", client)
		}

		conn.Close()
	}
}

func TestServerRejectsUnlistedClient(t *testing.T) {
	certDir := setupCerts(t)
	manager := startServer(t, certDir)

	conn := dialWith(t, manager, certDir, "rogue")
	defer conn.Close()

	// The handshake itself succeeds; the rejection is the connection being
	// closed without any application data.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)

	select {
	case session := <-manager.Sessions():
		t.Fatalf("unexpected session for rejected client: %v", session.Peer)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerEnforcesHandshakeTimeout(t *testing.T) {
	certDir := setupCerts(t)
	manager := startServer(t, certDir)

	conn, err := net.Dial("tcp", manager.Addrs()[0].String())
	require.NoError(t, err)
	defer conn.Close()

	// Say nothing; the server must give up after the profile's one second
	// timeout rather than hold the slot open.
	start := time.Now()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestServerBindIsAllOrNothing(t *testing.T) {
	certDir := setupCerts(t)
	store := certstore.NewStore(testLogger())
	defer store.Close()

	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	takenPort := blocker.Addr().(*net.TCPAddr).Port

	profile := serverProfile(certDir)
	profile.Addresses = []config.Address{
		{Host: "127.0.0.1", Port: 0},
		{Host: "127.0.0.1", Port: takenPort},
	}

	manager := NewServerManager(profile, store, testLogger())
	err = manager.Start(context.Background())
	require.Error(t, err)

	var mtlsErr *Error
	require.ErrorAs(t, err, &mtlsErr)
	assert.Equal(t, ErrorTypeBind, mtlsErr.Type)
	assert.Empty(t, manager.Addrs())
	manager.Stop()
}

func TestServerBindsAllInterfacesForEmptyHost(t *testing.T) {
	certDir := setupCerts(t)
	store := certstore.NewStore(testLogger())
	defer store.Close()

	// An empty host means bind all interfaces, so the listener must be
	// reachable over loopback.
	profile := serverProfile(certDir)
	profile.Addresses = []config.Address{{Host: "", Port: 0}}

	manager := NewServerManager(profile, store, testLogger())
	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	port := manager.Addrs()[0].(*net.TCPAddr).Port
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	conn.Close()
}

func TestServerStopClosesSessionsChannel(t *testing.T) {
	certDir := setupCerts(t)
	store := certstore.NewStore(testLogger())
	defer store.Close()

	manager := NewServerManager(serverProfile(certDir), store, testLogger())
	require.NoError(t, manager.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace + 2*time.Second):
		t.Fatal("Stop did not return")
	}

	_, open := <-manager.Sessions()
	assert.False(t, open)

	// Stop again must be a no-op.
	manager.Stop()
}

func TestServerStartAfterStopFails(t *testing.T) {
	certDir := setupCerts(t)
	store := certstore.NewStore(testLogger())
	defer store.Close()

	manager := NewServerManager(serverProfile(certDir), store, testLogger())
	require.NoError(t, manager.Start(context.Background()))
	manager.Stop()

	err := manager.Start(context.Background())
	var mtlsErr *Error
	require.ErrorAs(t, err, &mtlsErr)
	assert.Equal(t, ErrorTypeShutdown, mtlsErr.Type)
}

func TestServerStartMissingCertificates(t *testing.T) {
	store := certstore.NewStore(testLogger())
	defer store.Close()

	profile := serverProfile(t.TempDir())
	manager := NewServerManager(profile, store, testLogger())
	err := manager.Start(context.Background())
	require.Error(t, err)

	var mtlsErr *Error
	require.ErrorAs(t, err, &mtlsErr)
	assert.Equal(t, ErrorTypeCertificateLoad, mtlsErr.Type)
}
