package mtls

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/sslman/internal/certstore"
	"github.com/polisai/sslman/pkg/config"
)

func registryDocument(certDir string) *config.Document {
	return &config.Document{
		Format:  "0.1.0",
		Servers: []config.ServerProfile{serverProfile(certDir)},
		Clients: []config.ClientProfile{
			{
				Name:           "testserver",
				ServerAddress:  config.Address{Host: "127.0.0.1", Port: 47923},
				ServerCert:     filepath.Join(certDir, "server.crt"),
				ServerHostname: "localhost",
				ClientCert:     filepath.Join(certDir, "client1.crt"),
				ClientKey:      filepath.Join(certDir, "client1.key"),
			},
		},
	}
}

func TestRegistryFromDocument(t *testing.T) {
	certDir := setupCerts(t)
	store := certstore.NewStore(testLogger())
	defer store.Close()

	registry, err := FromDocument(registryDocument(certDir), store, testLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"testserver"}, registry.ServerNames())
	assert.Equal(t, []string{"testserver"}, registry.ClientNames())

	// The same name in both roles resolves to different managers.
	server, err := registry.LookupServer("testserver")
	require.NoError(t, err)
	require.NotNil(t, server)

	client, err := registry.LookupClient("testserver")
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestRegistryLookupUnknownProfile(t *testing.T) {
	store := certstore.NewStore(testLogger())
	defer store.Close()

	registry := NewRegistry(store, testLogger())

	_, err := registry.LookupServer("nope")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))

	_, err = registry.LookupClient("nope")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	certDir := setupCerts(t)
	store := certstore.NewStore(testLogger())
	defer store.Close()

	registry := NewRegistry(store, testLogger())
	profile := serverProfile(certDir)

	require.NoError(t, registry.RegisterServer(profile))
	assert.Error(t, registry.RegisterServer(profile))

	clientProf := registryDocument(certDir).Clients[0]
	require.NoError(t, registry.RegisterClient(clientProf))
	assert.Error(t, registry.RegisterClient(clientProf))
}

func TestRegistryStartAllIsIndependentPerProfile(t *testing.T) {
	certDir := setupCerts(t)
	store := certstore.NewStore(testLogger())
	defer store.Close()

	registry := NewRegistry(store, testLogger())

	healthy := serverProfile(certDir)
	require.NoError(t, registry.RegisterServer(healthy))

	broken := serverProfile(certDir)
	broken.Name = "broken"
	broken.ServerCert = filepath.Join(certDir, "missing.crt")
	require.NoError(t, registry.RegisterServer(broken))

	results := registry.StartAll(context.Background())
	defer registry.StopAll()

	require.Len(t, results, 2)
	outcomes := make(map[string]error, len(results))
	for _, result := range results {
		outcomes[result.Name] = result.Err
	}
	assert.Error(t, outcomes["broken"])
	assert.NoError(t, outcomes["testserver"])

	// The healthy profile really is serving.
	manager, err := registry.LookupServer("testserver")
	require.NoError(t, err)
	conn := dialWith(t, manager, certDir, "client1")
	defer conn.Close()

	select {
	case session := <-manager.Sessions():
		session.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("healthy profile produced no session")
	}
}

func TestRegistryStopAll(t *testing.T) {
	certDir := setupCerts(t)
	store := certstore.NewStore(testLogger())
	defer store.Close()

	registry, err := FromDocument(registryDocument(certDir), store, testLogger())
	require.NoError(t, err)

	results := registry.StartAll(context.Background())
	for _, result := range results {
		require.NoError(t, result.Err, "profile %s/%s", result.Role, result.Name)
	}

	done := make(chan struct{})
	go func() {
		registry.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace + 2*time.Second):
		t.Fatal("StopAll did not return")
	}
}
