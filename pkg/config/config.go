// Package config provides the sslman configuration document: typed profile
// definitions, YAML parsing, and structural validation. Parsing records
// certificate paths but never reads certificate content; that is the
// certificate store's job.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SupportedFormats lists the document format versions this build understands.
var SupportedFormats = []string{"0.1.0"}

// Document is the top-level sslman configuration.
type Document struct {
	Format  string          `yaml:"format"`
	Servers []ServerProfile `yaml:"serverSettings"`
	Clients []ClientProfile `yaml:"clientSettings"`
}

// Load reads and parses the configuration document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes and validates a configuration document. Unknown fields are
// rejected: a document mentioning fields this build does not understand is
// more likely written for a newer format than safe to half-apply.
func Parse(raw []byte) (*Document, error) {
	doc := &Document{}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks every structural invariant of the document, failing fast
// on the first violation with the offending field path.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.Format) == "" {
		return NewConfigMissingError("format").
			WithSuggestion(fmt.Sprintf("Set format to a supported version: %s", strings.Join(SupportedFormats, ", ")))
	}
	if !formatSupported(d.Format) {
		return NewConfigValidationError("format", d.Format,
			fmt.Sprintf("unsupported format version, supported: %s", strings.Join(SupportedFormats, ", ")))
	}

	// Profile names are unique per role, not globally; the same name may
	// label both a server and a client profile.
	serverNames := make(map[string]int, len(d.Servers))
	for i := range d.Servers {
		field := fmt.Sprintf("serverSettings[%d]", i)
		if err := d.Servers[i].Validate(field); err != nil {
			return err
		}
		if prev, dup := serverNames[d.Servers[i].Name]; dup {
			return NewConfigValidationError(field+".name", d.Servers[i].Name,
				fmt.Sprintf("duplicate server profile name, first defined at serverSettings[%d]", prev))
		}
		serverNames[d.Servers[i].Name] = i
	}

	clientNames := make(map[string]int, len(d.Clients))
	for i := range d.Clients {
		field := fmt.Sprintf("clientSettings[%d]", i)
		if err := d.Clients[i].Validate(field); err != nil {
			return err
		}
		if prev, dup := clientNames[d.Clients[i].Name]; dup {
			return NewConfigValidationError(field+".name", d.Clients[i].Name,
				fmt.Sprintf("duplicate client profile name, first defined at clientSettings[%d]", prev))
		}
		clientNames[d.Clients[i].Name] = i
	}

	return nil
}

func formatSupported(format string) bool {
	for _, f := range SupportedFormats {
		if f == strings.TrimSpace(format) {
			return true
		}
	}
	return false
}
