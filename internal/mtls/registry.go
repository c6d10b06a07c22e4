package mtls

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/sslman/internal/certstore"
	"github.com/polisai/sslman/pkg/config"
)

// Registry holds the managers built from a configuration document, addressed
// by profile name. Server and client names are independent namespaces.
type Registry struct {
	store  *certstore.Store
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]*ServerManager
	clients map[string]*ClientManager
}

// ProfileResult reports the startup outcome of one profile. A nil Err means
// the profile is running.
type ProfileResult struct {
	Name string
	Role Role
	Err  error
}

// NewRegistry creates an empty registry backed by the given certificate store.
func NewRegistry(store *certstore.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		logger:  logger,
		servers: make(map[string]*ServerManager),
		clients: make(map[string]*ClientManager),
	}
}

// FromDocument builds a registry holding one manager per profile in the
// document. The document must already be validated.
func FromDocument(doc *config.Document, store *certstore.Store, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(store, logger)
	for _, profile := range doc.Servers {
		if err := r.RegisterServer(profile); err != nil {
			return nil, err
		}
	}
	for _, profile := range doc.Clients {
		if err := r.RegisterClient(profile); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterServer adds a server profile. Registering a name twice is an error.
func (r *Registry) RegisterServer(profile config.ServerProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[profile.Name]; exists {
		return NewError(ErrorTypeBind, fmt.Sprintf("server profile %q is already registered", profile.Name)).
			WithContext("profile", profile.Name)
	}
	r.servers[profile.Name] = NewServerManager(profile, r.store, r.logger)
	return nil
}

// RegisterClient adds a client profile. Registering a name twice is an error.
func (r *Registry) RegisterClient(profile config.ClientProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[profile.Name]; exists {
		return NewError(ErrorTypeDial, fmt.Sprintf("client profile %q is already registered", profile.Name)).
			WithContext("profile", profile.Name)
	}
	r.clients[profile.Name] = NewClientManager(profile, r.store, r.logger)
	return nil
}

// LookupServer returns the manager for a named server profile.
func (r *Registry) LookupServer(name string) (*ServerManager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.servers[name]
	if !ok {
		return nil, NewNotFoundError(RoleServer, name)
	}
	return m, nil
}

// LookupClient returns the manager for a named client profile.
func (r *Registry) LookupClient(name string) (*ClientManager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.clients[name]
	if !ok {
		return nil, NewNotFoundError(RoleClient, name)
	}
	return m, nil
}

// ServerNames returns the registered server profile names, sorted.
func (r *Registry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClientNames returns the registered client profile names, sorted.
func (r *Registry) ClientNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every registered profile and reports one result per
// profile. Profiles start independently: one profile failing to bind or to
// load its certificates does not stop the others.
func (r *Registry) StartAll(ctx context.Context) []ProfileResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]ProfileResult, 0, len(r.servers)+len(r.clients))
	for _, name := range r.serverNamesLocked() {
		err := r.servers[name].Start(ctx)
		if err != nil {
			r.logger.Error("server profile failed to start", "profile", name, "error", err)
		}
		results = append(results, ProfileResult{Name: name, Role: RoleServer, Err: err})
	}
	for _, name := range r.clientNamesLocked() {
		err := r.clients[name].Start(ctx)
		if err != nil {
			r.logger.Error("client profile failed to start", "profile", name, "error", err)
		}
		results = append(results, ProfileResult{Name: name, Role: RoleClient, Err: err})
	}
	return results
}

// StopAll stops every server profile and waits for their accept loops and
// in-flight connections to settle.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, m := range r.servers {
		wg.Add(1)
		go func(m *ServerManager) {
			defer wg.Done()
			m.Stop()
		}(m)
	}
	wg.Wait()
}

func (r *Registry) serverNamesLocked() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) clientNamesLocked() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
