package fhir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Batch is the set of resources read for one load run. Resources keeps the
// input order (lexicographic filename order, then entry order within a
// bundle); that order is the deterministic tie-break for planning.
type Batch struct {
	Resources []Resource

	byIdentity map[Identity]int
}

// DuplicateError reports two batch entries claiming the same (type, id).
type DuplicateError struct {
	Identity Identity
	File     string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate resource %s in %s", e.Identity, e.File)
}

// ReadBatch reads every *.json file under dir. Each file is either a single
// self-describing resource or a FHIR bundle; bundle entries are flattened in
// order. Fails fast on unreadable files, unparseable payloads, and duplicate
// identities.
func ReadBatch(dir string) (*Batch, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("batch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read batch directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no *.json files in %s", dir)
	}

	batch := &Batch{byIdentity: make(map[Identity]int)}
	for _, name := range files {
		path := filepath.Join(dir, name)
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := batch.add(payload, name); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// add appends one file's resources to the batch, flattening bundles.
func (b *Batch) add(payload json.RawMessage, file string) error {
	var envelope struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}

	if envelope.ResourceType == "Bundle" {
		for i, entry := range envelope.Entry {
			if len(entry.Resource) == 0 {
				return fmt.Errorf("%s: bundle entry %d has no resource", file, i)
			}
			if err := b.append(entry.Resource, file); err != nil {
				return err
			}
		}
		return nil
	}
	return b.append(payload, file)
}

func (b *Batch) append(payload json.RawMessage, file string) error {
	resource, err := NewResource(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	if _, exists := b.byIdentity[resource.Identity]; exists {
		return &DuplicateError{Identity: resource.Identity, File: file}
	}
	b.byIdentity[resource.Identity] = len(b.Resources)
	b.Resources = append(b.Resources, resource)
	return nil
}

// Lookup returns the resource with the given identity, if present.
func (b *Batch) Lookup(id Identity) (Resource, bool) {
	index, ok := b.byIdentity[id]
	if !ok {
		return Resource{}, false
	}
	return b.Resources[index], true
}

// Contains reports whether the identity is a member of the batch.
func (b *Batch) Contains(id Identity) bool {
	_, ok := b.byIdentity[id]
	return ok
}

// InputIndex returns the position of the identity in input order. The second
// return is false for identities outside the batch.
func (b *Batch) InputIndex(id Identity) (int, bool) {
	index, ok := b.byIdentity[id]
	return index, ok
}

// NewBatch builds a batch directly from descriptors, preserving order.
// Primarily for tests and programmatic callers.
func NewBatch(resources []Resource) (*Batch, error) {
	batch := &Batch{byIdentity: make(map[Identity]int, len(resources))}
	for _, resource := range resources {
		if _, exists := batch.byIdentity[resource.Identity]; exists {
			return nil, &DuplicateError{Identity: resource.Identity}
		}
		batch.byIdentity[resource.Identity] = len(batch.Resources)
		batch.Resources = append(batch.Resources, resource)
	}
	return batch, nil
}
