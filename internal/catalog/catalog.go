// Package catalog maintains the on-disk catalog documents that tell
// downstream consumers how to open an archive. Each (model, experiment)
// pair owns one human-editable YAML document mapping entry names to
// entries. Two entry forms are maintained per archive: a glob pattern
// over the produced files and a virtual-aggregate form backed by per-year
// reference documents.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Entry driver kinds.
const (
	// DriverGlob marks an entry whose location is a wildcard pattern.
	DriverGlob = "glob"
	// DriverReference marks a virtual-aggregate entry whose location is
	// an ordered list of reference-document paths.
	DriverReference = "reference"
)

// Entry describes how to open one archive representation.
type Entry struct {
	Driver     string            `yaml:"driver"`
	URLPath    string            `yaml:"urlpath,omitempty"`
	References []string          `yaml:"references,omitempty"`
	Metadata   map[string]string `yaml:"metadata,omitempty"`
}

// Document is one catalog document: a mapping of entry name to entry.
type Document struct {
	Sources map[string]*Entry `yaml:"sources"`
}

// SetEntry merges an entry into the document. If an entry with the same
// name already exists, only its location (urlpath / references) is
// overwritten; driver kind and metadata of the existing entry are
// preserved. A first-time registration inserts the full entry.
func (d *Document) SetEntry(name string, e *Entry) {
	if d.Sources == nil {
		d.Sources = make(map[string]*Entry)
	}
	existing, ok := d.Sources[name]
	if !ok {
		d.Sources[name] = e
		return
	}
	existing.URLPath = e.URLPath
	existing.References = e.References
}

// RemoveEntry deletes an entry by name. Used only by the post-registration
// rollback path.
func (d *Document) RemoveEntry(name string) {
	delete(d.Sources, name)
}

// Store reads and writes catalog documents under a directory.
type Store struct {
	Dir string
}

// DocumentPath returns the document location for a (model, experiment)
// pair.
func (s *Store) DocumentPath(model, experiment string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%s.yaml", model, experiment))
}

// Load reads the catalog document for (model, experiment). A missing
// document yields an empty one.
func (s *Store) Load(model, experiment string) (*Document, error) {
	data, err := os.ReadFile(s.DocumentPath(model, experiment))
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Sources: make(map[string]*Entry)}, nil
		}
		return nil, fmt.Errorf("catalog: read document: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse document: %w", err)
	}
	if doc.Sources == nil {
		doc.Sources = make(map[string]*Entry)
	}
	return &doc, nil
}

// Save writes the whole document back. External edits made between Load
// and Save are not reconciled; callers must serialize runs against the
// same catalog.
func (s *Store) Save(model, experiment string, doc *Document) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("catalog: create catalog directory: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("catalog: marshal document: %w", err)
	}
	if err := os.WriteFile(s.DocumentPath(model, experiment), data, 0o644); err != nil {
		return fmt.Errorf("catalog: write document: %w", err)
	}
	return nil
}
