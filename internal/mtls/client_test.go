package mtls

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/sslman/internal/certstore"
	"github.com/polisai/sslman/pkg/config"
)

func clientProfile(certDir string, port int) config.ClientProfile {
	return config.ClientProfile{
		Name:           "testserver",
		ServerAddress:  config.Address{Host: "127.0.0.1", Port: port},
		ServerCert:     filepath.Join(certDir, "server.crt"),
		ServerHostname: "localhost",
		ClientCert:     filepath.Join(certDir, "client1.crt"),
		ClientKey:      filepath.Join(certDir, "client1.key"),
	}
}

func serverPort(manager *ServerManager) int {
	return manager.Addrs()[0].(*net.TCPAddr).Port
}

func TestClientConnectRoundTrip(t *testing.T) {
	certDir := setupCerts(t)
	manager := startServer(t, certDir)

	store := certstore.NewStore(testLogger())
	defer store.Close()

	client := NewClientManager(clientProfile(certDir, serverPort(manager)), store, testLogger())
	session, err := client.Connect(context.Background())
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, RoleClient, session.Role)
	assert.Equal(t, "testserver", session.Profile)

	pinned, err := certstore.InspectCertificateFile(filepath.Join(certDir, "server.crt"))
	require.NoError(t, err)
	assert.Equal(t, pinned.Fingerprint, session.Peer)

	var serverSession *Session
	select {
	case serverSession = <-manager.Sessions():
	case <-time.After(5 * time.Second):
		t.Fatal("server produced no session")
	}
	defer serverSession.Close()

	// Bytes flow both ways once both sides hold a session.
	_, err = session.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	serverSession.Conn().SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(serverSession, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = serverSession.Write([]byte("pong"))
	require.NoError(t, err)

	session.Conn().SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(session, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestClientRejectsPinMismatch(t *testing.T) {
	certDir := setupCerts(t)
	manager := startServer(t, certDir)

	store := certstore.NewStore(testLogger())
	defer store.Close()

	profile := clientProfile(certDir, serverPort(manager))
	profile.ServerCert = filepath.Join(certDir, "client2.crt")

	client := NewClientManager(profile, store, testLogger())
	session, err := client.Connect(context.Background())
	require.Error(t, err)
	require.Nil(t, session)

	assert.True(t, IsAuthorizationError(err))
	assert.Equal(t, AuthzReasonPinMismatch, AuthorizationReason(err))
}

func TestClientRejectsHostnameMismatch(t *testing.T) {
	certDir := setupCerts(t)
	manager := startServer(t, certDir)

	store := certstore.NewStore(testLogger())
	defer store.Close()

	profile := clientProfile(certDir, serverPort(manager))
	profile.ServerHostname = "gator-boy11.local"

	client := NewClientManager(profile, store, testLogger())
	session, err := client.Connect(context.Background())
	require.Error(t, err)
	require.Nil(t, session)

	assert.True(t, IsAuthorizationError(err))
	assert.Equal(t, AuthzReasonHostnameMismatch, AuthorizationReason(err))
}

func TestPinAndHostnameFailuresAreDistinct(t *testing.T) {
	certDir := setupCerts(t)
	manager := startServer(t, certDir)

	store := certstore.NewStore(testLogger())
	defer store.Close()

	// Wrong pin and wrong hostname at once: the pin verdict wins.
	profile := clientProfile(certDir, serverPort(manager))
	profile.ServerCert = filepath.Join(certDir, "client2.crt")
	profile.ServerHostname = "gator-boy11.local"

	client := NewClientManager(profile, store, testLogger())
	_, err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, AuthzReasonPinMismatch, AuthorizationReason(err))
}

func TestClientDialFailure(t *testing.T) {
	certDir := setupCerts(t)

	store := certstore.NewStore(testLogger())
	defer store.Close()

	// Grab a free port, then close it so the dial is refused.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := blocker.Addr().(*net.TCPAddr).Port
	blocker.Close()

	client := NewClientManager(clientProfile(certDir, port), store, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.Connect(ctx)
	require.Error(t, err)

	var mtlsErr *Error
	require.ErrorAs(t, err, &mtlsErr)
	assert.Equal(t, ErrorTypeDial, mtlsErr.Type)
}

func TestClientStartMissingCertificates(t *testing.T) {
	store := certstore.NewStore(testLogger())
	defer store.Close()

	client := NewClientManager(clientProfile(t.TempDir(), 1), store, testLogger())
	err := client.Start(context.Background())
	require.Error(t, err)

	var mtlsErr *Error
	require.ErrorAs(t, err, &mtlsErr)
	assert.Equal(t, ErrorTypeCertificateLoad, mtlsErr.Type)
}

func TestClientServerRejectsItsOwnPinHolder(t *testing.T) {
	certDir := setupCerts(t)
	manager := startServer(t, certDir)

	store := certstore.NewStore(testLogger())
	defer store.Close()

	// Correct pin and hostname, but the rogue key pair: the server drops the
	// session after its allow-list check, so the first read fails.
	profile := clientProfile(certDir, serverPort(manager))
	profile.ClientCert = filepath.Join(certDir, "rogue.crt")
	profile.ClientKey = filepath.Join(certDir, "rogue.key")

	client := NewClientManager(profile, store, testLogger())
	session, err := client.Connect(context.Background())
	require.NoError(t, err)
	defer session.Close()

	session.Conn().SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = session.Read(make([]byte, 1))
	require.Error(t, err)
}
