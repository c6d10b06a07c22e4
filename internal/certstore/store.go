// Package certstore loads and caches certificate material referenced by
// sslman profiles. A certificate loaded once is shared read-only by every
// profile that names the same path; identity comparison happens through
// fingerprints derived from the certificate content.
package certstore

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// expiryWarningWindow is how close to NotAfter a certificate may be before
// loading it logs a warning.
const expiryWarningWindow = 30 * 24 * time.Hour

// Fingerprint is the SHA-256 digest of a certificate's DER encoding. It is
// the unit of identity comparison everywhere in sslman.
type Fingerprint [sha256.Size]byte

// String renders the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// FingerprintOf computes the identity fingerprint of a parsed certificate.
// Pure and deterministic: equal certificates always yield equal fingerprints.
func FingerprintOf(cert *x509.Certificate) Fingerprint {
	return sha256.Sum256(cert.Raw)
}

// FingerprintSet is an allow-list of certificate identities.
type FingerprintSet map[Fingerprint]struct{}

// Contains reports whether fp is in the set.
func (s FingerprintSet) Contains(fp Fingerprint) bool {
	_, ok := s[fp]
	return ok
}

// Len returns the number of identities in the set.
func (s FingerprintSet) Len() int {
	return len(s)
}

// Matches reports whether the candidate certificate's identity is in the set.
func Matches(candidate *x509.Certificate, allowed FingerprintSet) bool {
	return allowed.Contains(FingerprintOf(candidate))
}

// LoadedCertificate binds a file path to its parsed certificate and derived
// fingerprint. Instances are owned by the Store and shared read-only; the
// fingerprint never changes for the lifetime of the cache entry.
type LoadedCertificate struct {
	Path        string
	Leaf        *x509.Certificate
	Fingerprint Fingerprint
}

// Store is a process-wide certificate cache keyed by resolved absolute path.
// Concurrent loads of the same path coalesce into a single disk read;
// unrelated paths load fully in parallel.
type Store struct {
	logger *slog.Logger
	group  singleflight.Group

	mu       sync.RWMutex
	certs    map[string]*LoadedCertificate
	watcher  *fsnotify.Watcher
	onChange func(path string)
	closed   bool
}

// NewStore creates an empty certificate store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		certs:  make(map[string]*LoadedCertificate),
	}
}

// Load returns the certificate at path, reading it from disk at most once
// until the entry is invalidated. Repeated calls with the same path return
// the same cached instance.
func (s *Store) Load(path string) (*LoadedCertificate, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve certificate path %s: %w", path, err)
	}

	s.mu.RLock()
	cached, ok := s.certs[abs]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("certificate store is closed")
	}
	if ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(abs, func() (interface{}, error) {
		// A racing call may have populated the cache while this one
		// waited on the flight group.
		s.mu.RLock()
		cached, ok := s.certs[abs]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}

		loaded, err := readCertificate(abs)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.certs[abs] = loaded
		watcher := s.watcher
		s.mu.Unlock()

		if watcher != nil {
			if err := watcher.Add(abs); err != nil {
				s.logger.Warn("failed to watch certificate file", "path", abs, "error", err)
			}
		}

		s.logger.Info("certificate loaded",
			"path", abs,
			"subject", loaded.Leaf.Subject.String(),
			"fingerprint", loaded.Fingerprint.String(),
			"not_after", loaded.Leaf.NotAfter)
		s.warnNearExpiry(loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LoadedCertificate), nil
}

// LoadFingerprints loads every certificate path and collects the resulting
// identity fingerprints. The first failing path aborts the load.
func (s *Store) LoadFingerprints(paths []string) (FingerprintSet, error) {
	set := make(FingerprintSet, len(paths))
	for _, path := range paths {
		cert, err := s.Load(path)
		if err != nil {
			return nil, err
		}
		set[cert.Fingerprint] = struct{}{}
	}
	return set, nil
}

// LoadKeyPair loads a certificate/key pair for presentation during a TLS
// handshake, verifying that the key matches the certificate. The certificate
// half also passes through the cache so its fingerprint is available.
func (s *Store) LoadKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	if _, err := s.Load(certPath); err != nil {
		return tls.Certificate{}, err
	}

	absCert, err := filepath.Abs(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to resolve certificate path %s: %w", certPath, err)
	}
	absKey, err := filepath.Abs(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to resolve key path %s: %w", keyPath, err)
	}

	pair, err := tls.LoadX509KeyPair(absCert, absKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair (cert=%s key=%s): %w", absCert, absKey, err)
	}
	return pair, nil
}

// Invalidate drops the cache entry for path, forcing the next Load to read
// from disk again. This is the rotation hook; nothing is invalidated
// implicitly.
func (s *Store) Invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.certs, abs)
	s.mu.Unlock()
	s.logger.Info("certificate cache entry invalidated", "path", abs)
}

// Watch starts watching every cached certificate file (and files cached
// later) for changes. A change invalidates the entry and fires onChange with
// the affected path.
func (s *Store) Watch(onChange func(path string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("certificate store is closed")
	}
	if s.watcher != nil {
		return fmt.Errorf("certificate store is already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	for path := range s.certs {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch certificate file %s: %w", path, err)
		}
	}

	s.watcher = watcher
	s.onChange = onChange
	go s.watchFiles(watcher)

	s.logger.Info("started watching certificate files", "file_count", len(s.certs))
	return nil
}

func (s *Store) watchFiles(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.logger.Info("certificate file changed", "path", event.Name, "operation", event.Op.String())
			s.Invalidate(event.Name)

			s.mu.RLock()
			onChange := s.onChange
			s.mu.RUnlock()
			if onChange != nil {
				onChange(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("certificate file watcher error", "error", err)
		}
	}
}

// Close stops file watching and rejects further loads.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close file watcher: %w", err)
		}
		s.watcher = nil
	}
	return nil
}

func (s *Store) warnNearExpiry(cert *LoadedCertificate) {
	remaining := time.Until(cert.Leaf.NotAfter)
	if remaining < expiryWarningWindow {
		s.logger.Warn("certificate expires soon",
			"path", cert.Path,
			"subject", cert.Leaf.Subject.String(),
			"not_after", cert.Leaf.NotAfter,
			"days_left", int(remaining.Hours()/24))
	}
}

// readCertificate reads and parses a single PEM certificate for use in a
// handshake, checking its validity window.
func readCertificate(abs string) (*LoadedCertificate, error) {
	loaded, err := parseCertificateFile(abs)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if now.Before(loaded.Leaf.NotBefore) {
		return nil, fmt.Errorf("certificate %s is not yet valid (valid from %v)", abs, loaded.Leaf.NotBefore)
	}
	if now.After(loaded.Leaf.NotAfter) {
		return nil, fmt.Errorf("certificate %s has expired (expired on %v)", abs, loaded.Leaf.NotAfter)
	}

	return loaded, nil
}

// parseCertificateFile reads and parses a single PEM certificate without
// judging its validity window, so expired certificates stay inspectable.
func parseCertificateFile(abs string) (*LoadedCertificate, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file %s: %w", abs, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("certificate file %s does not contain PEM data", abs)
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certificate file %s contains a %s PEM block, not a certificate", abs, block.Type)
	}

	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %s: %w", abs, err)
	}

	return &LoadedCertificate{
		Path:        abs,
		Leaf:        leaf,
		Fingerprint: FingerprintOf(leaf),
	}, nil
}
