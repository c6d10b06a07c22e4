package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Address is a single (host, port) endpoint. An empty host on a server
// profile means "bind all interfaces"; on a client profile it is invalid.
type Address struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// String renders the address in the form accepted by net.Dial and net.Listen.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) validate(field string, allowEmptyHost bool) error {
	if a.Port < 1 || a.Port > 65535 {
		return NewConfigValidationError(field+".port", a.Port, "port must be in range [1,65535]").
			WithSuggestion("Use a port number between 1 and 65535")
	}
	host := strings.TrimSpace(a.Host)
	if host == "" {
		if allowEmptyHost {
			return nil
		}
		return NewConfigMissingError(field + ".host").
			WithSuggestion("Provide a hostname or IP address to connect to")
	}
	if err := validateHostSyntax(host); err != nil {
		return NewConfigValidationError(field+".host", a.Host, err.Error()).
			WithSuggestion("Use a valid hostname or IP address")
	}
	return nil
}

// validateHostSyntax performs a syntactic check only; no name resolution.
func validateHostSyntax(host string) error {
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 {
		return fmt.Errorf("hostname too long (max 253 characters)")
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 {
			return fmt.Errorf("empty label in hostname")
		}
		if len(label) > 63 {
			return fmt.Errorf("label too long (max 63 characters): %s", label)
		}
		for _, char := range label {
			if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') ||
				(char >= '0' && char <= '9') || char == '-' || char == '_') {
				return fmt.Errorf("invalid character in hostname: %c", char)
			}
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("label cannot start or end with hyphen: %s", label)
		}
	}
	return nil
}

// ServerProfile describes one TLS listener endpoint: where it binds, which
// certificate it presents, and which client certificates it accepts.
type ServerProfile struct {
	Name           string    `yaml:"name"`
	Addresses      []Address `yaml:"addresses"`
	Queue          int       `yaml:"queue"`
	AddressTimeout int       `yaml:"addressTimeout"`
	ServerCert     string    `yaml:"serverCert"`
	ServerKey      string    `yaml:"serverKey"`
	ClientCerts    []string  `yaml:"clientCerts"`
}

// HandshakeTimeout returns the per-connection handshake deadline.
func (p *ServerProfile) HandshakeTimeout() time.Duration {
	return time.Duration(p.AddressTimeout) * time.Second
}

// Validate checks the profile's structural invariants. field is the document
// path of this profile, e.g. "serverSettings[0]".
func (p *ServerProfile) Validate(field string) error {
	if strings.TrimSpace(p.Name) == "" {
		return NewConfigMissingError(field + ".name").
			WithSuggestion("Give every server profile a unique, non-empty name")
	}
	if len(p.Addresses) == 0 {
		return NewConfigMissingError(field + ".addresses").
			WithSuggestion("Provide at least one (host, port) bind address")
	}
	for i, addr := range p.Addresses {
		if err := addr.validate(fmt.Sprintf("%s.addresses[%d]", field, i), true); err != nil {
			return err
		}
	}
	if p.Queue <= 0 {
		return NewConfigValidationError(field+".queue", p.Queue, "queue depth must be positive").
			WithSuggestion("Set queue to the number of connections allowed to wait for authorization")
	}
	if p.AddressTimeout <= 0 {
		return NewConfigValidationError(field+".addressTimeout", p.AddressTimeout, "handshake timeout must be positive").
			WithSuggestion("Set addressTimeout to the handshake deadline in seconds")
	}
	if strings.TrimSpace(p.ServerCert) == "" {
		return NewConfigMissingError(field + ".serverCert")
	}
	if strings.TrimSpace(p.ServerKey) == "" {
		return NewConfigMissingError(field + ".serverKey")
	}
	// An empty allow-list would mean exactly zero valid clients, which is
	// always a misconfiguration; reject it rather than accept everyone.
	if len(p.ClientCerts) == 0 {
		return NewConfigMissingError(field + ".clientCerts").
			WithSuggestion("List at least one trusted client certificate path")
	}
	for i, path := range p.ClientCerts {
		if strings.TrimSpace(path) == "" {
			return NewConfigMissingError(fmt.Sprintf("%s.clientCerts[%d]", field, i))
		}
	}
	return nil
}

// ClientProfile describes one outbound TLS endpoint: where to dial, which
// certificate to present, and the exact server identity to expect.
type ClientProfile struct {
	Name           string  `yaml:"name"`
	ServerAddress  Address `yaml:"serverAddress"`
	ServerCert     string  `yaml:"serverCert"`
	ServerHostname string  `yaml:"serverHostname"`
	ClientCert     string  `yaml:"clientCert"`
	ClientKey      string  `yaml:"clientKey"`
}

// Validate checks the profile's structural invariants. field is the document
// path of this profile, e.g. "clientSettings[0]".
func (p *ClientProfile) Validate(field string) error {
	if strings.TrimSpace(p.Name) == "" {
		return NewConfigMissingError(field + ".name").
			WithSuggestion("Give every client profile a unique, non-empty name")
	}
	if err := p.ServerAddress.validate(field+".serverAddress", false); err != nil {
		return err
	}
	if strings.TrimSpace(p.ServerCert) == "" {
		return NewConfigMissingError(field + ".serverCert").
			WithSuggestion("Provide the expected server certificate for pinning")
	}
	if strings.TrimSpace(p.ServerHostname) == "" {
		return NewConfigMissingError(field + ".serverHostname").
			WithSuggestion("Provide the hostname to verify in the server certificate")
	}
	if err := validateHostSyntax(p.ServerHostname); err != nil {
		return NewConfigValidationError(field+".serverHostname", p.ServerHostname, err.Error())
	}
	if strings.TrimSpace(p.ClientCert) == "" {
		return NewConfigMissingError(field + ".clientCert")
	}
	if strings.TrimSpace(p.ClientKey) == "" {
		return NewConfigMissingError(field + ".clientKey")
	}
	return nil
}
