package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// GenerateOptions controls self-signed certificate generation. Zero values
// fall back to sensible defaults for local testing.
type GenerateOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	ValidFor     time.Duration
	IsCA         bool
	IsClientCert bool
	KeySize      int
	SerialNumber *big.Int
	ParentCert   *x509.Certificate
	ParentKey    interface{}
}

// GenerateCertificate creates a certificate/key pair in PEM form. Without a
// parent the certificate is self-signed.
func GenerateCertificate(opts GenerateOptions) (certPEM, keyPEM []byte, err error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.KeySize == 0 {
		opts.KeySize = 2048
	}
	if opts.SerialNumber == nil {
		opts.SerialNumber = big.NewInt(1)
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, opts.KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	} else if opts.IsClientCert {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	parentCert := &template
	var parentKey interface{} = privateKey
	if opts.ParentCert != nil && opts.ParentKey != nil {
		parentCert = opts.ParentCert
		parentKey = opts.ParentKey
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parentCert, &privateKey.PublicKey, parentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}

// WriteCertificateFiles writes a PEM pair to disk, keeping the key private.
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// GenerateProfileCertificates writes a full set of certificates for
// exercising sslman profiles under baseDir: a server certificate whose
// identity includes hostname, two distinct client certificates for
// allow-listing (client1, client2), and a self-signed "rogue" client
// certificate that belongs to no allow-list.
func GenerateProfileCertificates(baseDir, hostname string) error {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if hostname == "" {
		hostname = "localhost"
	}

	serverCertPEM, serverKeyPEM, err := GenerateCertificate(GenerateOptions{
		CommonName:   hostname,
		Organization: []string{"sslman"},
		DNSNames:     []string{hostname, "localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		SerialNumber: big.NewInt(1),
	})
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if err := WriteCertificateFiles(serverCertPEM, serverKeyPEM,
		filepath.Join(baseDir, "server.crt"), filepath.Join(baseDir, "server.key")); err != nil {
		return err
	}

	for i, name := range []string{"client1", "client2", "rogue"} {
		certPEM, keyPEM, err := GenerateCertificate(GenerateOptions{
			CommonName:   name,
			Organization: []string{"sslman"},
			IsClientCert: true,
			SerialNumber: big.NewInt(int64(i + 2)),
		})
		if err != nil {
			return fmt.Errorf("failed to generate %s certificate: %w", name, err)
		}
		if err := WriteCertificateFiles(certPEM, keyPEM,
			filepath.Join(baseDir, name+".crt"), filepath.Join(baseDir, name+".key")); err != nil {
			return err
		}
	}

	return nil
}

// InspectCertificateFile reads a certificate file and returns its parsed
// leaf and fingerprint without going through the cache. Unlike Store.Load it
// accepts expired and not-yet-valid certificates; reporting their status is
// the point of inspecting them.
func InspectCertificateFile(path string) (*LoadedCertificate, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve certificate path %s: %w", path, err)
	}
	return parseCertificateFile(abs)
}
