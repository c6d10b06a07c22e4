package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polisai/sslman/internal/certstore"
	"github.com/polisai/sslman/pkg/config"
)

const (
	version = "0.1.0"
)

func main() {
	var (
		generateCmd    = flag.NewFlagSet("generate", flag.ExitOnError)
		inspectCmd     = flag.NewFlagSet("inspect", flag.ExitOnError)
		validateCmd    = flag.NewFlagSet("validate", flag.ExitOnError)
		fingerprintCmd = flag.NewFlagSet("fingerprint", flag.ExitOnError)
		checkCmd       = flag.NewFlagSet("check-config", flag.ExitOnError)
		versionCmd     = flag.NewFlagSet("version", flag.ExitOnError)
	)

	// Generate command flags
	var (
		genCommonName = generateCmd.String("cn", "localhost", "Common name for the certificate")
		genOrg        = generateCmd.String("org", "sslman", "Organization name")
		genDNSNames   = generateCmd.String("dns", "", "Comma-separated list of DNS names (SANs)")
		genIPs        = generateCmd.String("ips", "", "Comma-separated list of IP addresses")
		genValidFor   = generateCmd.Duration("valid-for", 365*24*time.Hour, "Certificate validity duration")
		genKeySize    = generateCmd.Int("key-size", 2048, "RSA key size in bits")
		genClient     = generateCmd.Bool("client", false, "Generate a client certificate")
		genCertFile   = generateCmd.String("cert", "cert.pem", "Output certificate file")
		genKeyFile    = generateCmd.String("key", "key.pem", "Output private key file")
		genOutputDir  = generateCmd.String("output-dir", ".", "Output directory for certificates")
		genSuite      = generateCmd.Bool("profile-suite", false, "Generate a complete profile test suite (server, client1, client2, rogue)")
		genHostname   = generateCmd.String("hostname", "localhost", "Server hostname for the profile suite")
	)

	// Inspect command flags
	var (
		inspectCertFile = inspectCmd.String("cert", "", "Certificate file to inspect")
	)

	// Validate command flags
	var (
		validateCertFile = validateCmd.String("cert", "", "Certificate file to validate")
		validateKeyFile  = validateCmd.String("key", "", "Private key file to validate (optional)")
	)

	// Fingerprint command flags
	var (
		fpCertFile = fingerprintCmd.String("cert", "", "Certificate file to fingerprint")
	)

	// Check-config command flags
	var (
		checkConfigFile = checkCmd.String("config", "sslman.yaml", "Configuration file to validate")
	)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateCmd.Parse(os.Args[2:])
		handleGenerate(generateOptions{
			commonName: *genCommonName,
			org:        *genOrg,
			dnsNames:   parseDNSNames(*genDNSNames),
			ips:        parseIPAddresses(*genIPs),
			validFor:   *genValidFor,
			keySize:    *genKeySize,
			client:     *genClient,
			certFile:   *genCertFile,
			keyFile:    *genKeyFile,
			outputDir:  *genOutputDir,
			suite:      *genSuite,
			hostname:   *genHostname,
		})

	case "inspect":
		inspectCmd.Parse(os.Args[2:])
		if *inspectCertFile == "" {
			fmt.Fprintf(os.Stderr, "Error: -cert flag is required\n")
			inspectCmd.Usage()
			os.Exit(1)
		}
		handleInspect(*inspectCertFile)

	case "validate":
		validateCmd.Parse(os.Args[2:])
		if *validateCertFile == "" {
			fmt.Fprintf(os.Stderr, "Error: -cert flag is required\n")
			validateCmd.Usage()
			os.Exit(1)
		}
		handleValidate(*validateCertFile, *validateKeyFile)

	case "fingerprint":
		fingerprintCmd.Parse(os.Args[2:])
		if *fpCertFile == "" {
			fmt.Fprintf(os.Stderr, "Error: -cert flag is required\n")
			fingerprintCmd.Usage()
			os.Exit(1)
		}
		handleFingerprint(*fpCertFile)

	case "check-config":
		checkCmd.Parse(os.Args[2:])
		handleCheckConfig(*checkConfigFile)

	case "version":
		versionCmd.Parse(os.Args[2:])
		fmt.Printf("sslman-cert version %s\n", version)

	default:
		printUsage()
		os.Exit(1)
	}
}

type generateOptions struct {
	commonName string
	org        string
	dnsNames   []string
	ips        []net.IP
	validFor   time.Duration
	keySize    int
	client     bool
	certFile   string
	keyFile    string
	outputDir  string
	suite      bool
	hostname   string
}

func printUsage() {
	fmt.Printf(`sslman-cert - Certificate generation and inspection utility for sslman profiles

Usage:
  sslman-cert <command> [options]

Commands:
  generate      Generate self-signed certificates for profiles
  inspect       Inspect a certificate file and display its details
  validate      Validate a certificate file and key pair
  fingerprint   Print the SHA-256 fingerprint of a certificate
  check-config  Validate an sslman configuration file
  version       Show version information

Examples:
  # Generate a server certificate for a profile
  sslman-cert generate -cn gator-boy11.local -dns gator-boy11.local,localhost

  # Generate a client certificate for an allow-list
  sslman-cert generate -client -cn client1 -cert client1.crt -key client1.key

  # Generate a complete profile test suite
  sslman-cert generate -profile-suite -output-dir ./certs -hostname gator-boy11.local

  # Print the fingerprint a server would compare against its allow-list
  sslman-cert fingerprint -cert client1.crt

  # Validate a configuration file before starting sslman
  sslman-cert check-config -config sslman.yaml

Use "sslman-cert <command> -h" for more information about a command.
`)
}

func handleGenerate(opts generateOptions) {
	if opts.suite {
		if err := certstore.GenerateProfileCertificates(opts.outputDir, opts.hostname); err != nil {
			log.Fatalf("Failed to generate profile suite: %v", err)
		}
		fmt.Printf("Profile certificate suite generated in %s\n", opts.outputDir)
		return
	}

	if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	certPEM, keyPEM, err := certstore.GenerateCertificate(certstore.GenerateOptions{
		CommonName:   opts.commonName,
		Organization: []string{opts.org},
		DNSNames:     opts.dnsNames,
		IPAddresses:  opts.ips,
		ValidFor:     opts.validFor,
		KeySize:      opts.keySize,
		IsClientCert: opts.client,
		SerialNumber: big.NewInt(time.Now().UnixNano()),
	})
	if err != nil {
		log.Fatalf("Failed to generate certificate: %v", err)
	}

	certPath := filepath.Join(opts.outputDir, opts.certFile)
	keyPath := filepath.Join(opts.outputDir, opts.keyFile)
	if err := certstore.WriteCertificateFiles(certPEM, keyPEM, certPath, keyPath); err != nil {
		log.Fatalf("Failed to write certificate files: %v", err)
	}

	fmt.Printf("Certificate generated successfully:\n")
	fmt.Printf("  Certificate: %s\n", certPath)
	fmt.Printf("  Private Key: %s\n", keyPath)
	fmt.Printf("  Common Name: %s\n", opts.commonName)
	fmt.Printf("  Valid For:   %v\n", opts.validFor)
	if opts.client {
		fmt.Printf("  Usage:       client authentication\n")
	}

	info, err := certstore.InspectCertificateFile(certPath)
	if err == nil {
		fmt.Printf("  Fingerprint: %s\n", info.Fingerprint.String())
	}
}

func handleInspect(certFile string) {
	info, err := certstore.InspectCertificateFile(certFile)
	if err != nil {
		log.Fatalf("Failed to inspect certificate: %v", err)
	}

	leaf := info.Leaf
	fmt.Printf("Certificate Information:\n")
	fmt.Printf("  File: %s\n", info.Path)
	fmt.Printf("  Subject: %s\n", leaf.Subject)
	fmt.Printf("  Issuer: %s\n", leaf.Issuer)
	fmt.Printf("  Fingerprint (SHA-256): %s\n", info.Fingerprint.String())
	fmt.Printf("  Valid From: %s\n", leaf.NotBefore.Format(time.RFC3339))
	fmt.Printf("  Valid Until: %s\n", leaf.NotAfter.Format(time.RFC3339))

	now := time.Now()
	switch {
	case now.After(leaf.NotAfter):
		fmt.Printf("  Status: EXPIRED (%v ago)\n", now.Sub(leaf.NotAfter).Truncate(time.Hour))
	case now.Before(leaf.NotBefore):
		fmt.Printf("  Status: NOT YET VALID (valid in %v)\n", leaf.NotBefore.Sub(now).Truncate(time.Hour))
	default:
		remaining := leaf.NotAfter.Sub(now)
		if remaining < 30*24*time.Hour {
			fmt.Printf("  Status: EXPIRES SOON (in %v)\n", remaining.Truncate(time.Hour))
		} else {
			fmt.Printf("  Status: VALID (expires in %v)\n", remaining.Truncate(time.Hour))
		}
	}

	if len(leaf.DNSNames) > 0 {
		fmt.Printf("  DNS Names: %s\n", strings.Join(leaf.DNSNames, ", "))
	}
	if len(leaf.IPAddresses) > 0 {
		var ips []string
		for _, ip := range leaf.IPAddresses {
			ips = append(ips, ip.String())
		}
		fmt.Printf("  IP Addresses: %s\n", strings.Join(ips, ", "))
	}
}

func handleValidate(certFile, keyFile string) {
	if _, err := certstore.InspectCertificateFile(certFile); err != nil {
		fmt.Printf("Certificate validation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Certificate file is valid: %s\n", certFile)

	if keyFile != "" {
		if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
			fmt.Printf("Key pair validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Private key matches certificate: %s\n", keyFile)
	}
}

func handleFingerprint(certFile string) {
	info, err := certstore.InspectCertificateFile(certFile)
	if err != nil {
		log.Fatalf("Failed to read certificate: %v", err)
	}
	fmt.Println(info.Fingerprint.String())
}

func handleCheckConfig(configFile string) {
	doc, err := config.Load(configFile)
	if err != nil {
		fmt.Printf("Configuration is invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration is valid: %s\n", configFile)
	fmt.Printf("  Format: %s\n", doc.Format)
	fmt.Printf("  Server profiles: %d\n", len(doc.Servers))
	for _, p := range doc.Servers {
		fmt.Printf("    - %s (%d address(es), %d allowed client(s))\n", p.Name, len(p.Addresses), len(p.ClientCerts))
	}
	fmt.Printf("  Client profiles: %d\n", len(doc.Clients))
	for _, p := range doc.Clients {
		fmt.Printf("    - %s -> %s (%s)\n", p.Name, p.ServerAddress.String(), p.ServerHostname)
	}
}

func parseDNSNames(dnsStr string) []string {
	if dnsStr == "" {
		return nil
	}
	names := strings.Split(dnsStr, ",")
	for i, name := range names {
		names[i] = strings.TrimSpace(name)
	}
	return names
}

func parseIPAddresses(ipStr string) []net.IP {
	if ipStr == "" {
		return nil
	}
	var ips []net.IP
	for _, s := range strings.Split(ipStr, ",") {
		s = strings.TrimSpace(s)
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		} else {
			log.Printf("Warning: invalid IP address: %s", s)
		}
	}
	return ips
}
