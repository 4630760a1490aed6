package config

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Decode parses and validates a YAML configuration document. Unknown keys
// at any level are rejected (yaml.Decoder.KnownFields) so a typo'd key
// surfaces as a load error instead of being silently dropped.
func Decode(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &doc, nil
}

// Load reads and decodes the configuration file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Decode(data)
}

// Store holds the gateway's current configuration document behind an
// atomic pointer so request-handling goroutines can read a consistent
// snapshot while Reload swaps in a new one. A reload that fails validation
// never replaces the live document: a running gateway keeps serving
// against its last-known-good configuration rather than going dark.
type Store struct {
	path string
	doc  atomic.Pointer[Document]
}

// NewStore loads path once and returns a Store seeded with the result.
func NewStore(path string) (*Store, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.doc.Store(doc)
	return s, nil
}

// Current returns the most recently loaded, validated Document.
func (s *Store) Current() *Document {
	return s.doc.Load()
}

// Reload re-reads the store's backing file and, if it parses and
// validates cleanly, atomically swaps it in. It returns the error from a
// failed reload without touching the previously stored document.
func (s *Store) Reload() error {
	doc, err := Load(s.path)
	if err != nil {
		return err
	}
	s.doc.Store(doc)
	return nil
}

// Replace validates doc, writes it back to the store's file as YAML, and
// swaps it in. Nothing is persisted or swapped when validation fails.
func (s *Store) Replace(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	s.doc.Store(doc)
	return nil
}
