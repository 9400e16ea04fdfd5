// Implements the file-per-collection document store.

package jsondb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
)

// ErrUnknownCollection is returned for a collection name that was not
// declared when the Store was opened.
var ErrUnknownCollection = errors.New("unknown collection")

// Document is one JSON object.
type Document = map[string]any

// Collection declares one collection.
type Collection struct {
	Name string
	// Default is the initial file content. It must be a JSON array of objects.
	// Empty means [].
	Default json.RawMessage
}

// Store manages the collection files in a directory.
type Store struct {
	dir         string
	collections map[string]Collection
}

// Open returns a Store over dir, creating the directory if needed. Only the
// declared collections can be used.
func Open(dir string, collections []Collection) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	s := &Store{dir: dir, collections: make(map[string]Collection, len(collections))}
	for _, c := range collections {
		if err := validName(c.Name); err != nil {
			return nil, err
		}
		if _, ok := s.collections[c.Name]; ok {
			return nil, fmt.Errorf("collection %q declared twice", c.Name)
		}
		if len(bytes.TrimSpace(c.Default)) == 0 {
			c.Default = json.RawMessage("[]")
		}
		if _, err := decode(c.Default); err != nil {
			return nil, fmt.Errorf("invalid default for collection %q: %w", c.Name, err)
		}
		s.collections[c.Name] = c
	}
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Has reports whether name is a declared collection.
func (s *Store) Has(name string) bool {
	_, ok := s.collections[name]
	return ok
}

// Names returns the declared collection names, sorted.
func (s *Store) Names() []string {
	return slices.Sorted(maps.Keys(s.collections))
}

// Path returns the file backing the collection.
func (s *Store) Path(name string) (string, error) {
	if !s.Has(name) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return filepath.Join(s.dir, name+".json"), nil
}

// EnsureExists creates the collection file with its default content if it is
// absent. An existing file is never overwritten, even by a concurrent caller.
func (s *Store) EnsureExists(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	tmp, err := s.writeTemp(name, s.collections[name].Default)
	if err != nil {
		return err
	}
	// Link fails when the target exists, unlike Rename.
	err = os.Link(tmp, path)
	if rmErr := os.Remove(tmp); rmErr != nil && err == nil {
		slog.Warn("jsondb: failed to remove temp file", "path", tmp, "err", rmErr)
	}
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	if err == nil {
		slog.Debug("jsondb: created collection", "collection", name)
	}
	return nil
}

// Load reads every document of the collection, creating the file first if
// needed.
func (s *Store) Load(name string) ([]Document, error) {
	if err := s.EnsureExists(name); err != nil {
		return nil, err
	}
	path, _ := s.Path(name)
	raw, err := os.ReadFile(path) //nolint:gosec // path is built from a declared collection name.
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %q: %w", name, err)
	}
	docs, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode collection %q: %w", name, err)
	}
	return docs, nil
}

// Persist atomically replaces the collection's content with docs.
func (s *Store) Persist(name string, docs []Document) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []Document{}
	}
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode collection %q: %w", name, err)
	}
	tmp, err := s.writeTemp(name, append(data, '\n'))
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(fmt.Errorf("failed to replace collection %q: %w", name, err), os.Remove(tmp))
	}
	slog.Debug("jsondb: persisted collection", "collection", name, "documents", len(docs))
	return nil
}

// writeTemp writes data to a synced temporary file next to the collection
// file and returns its path.
func (s *Store) writeTemp(name string, data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		return "", errors.Join(fmt.Errorf("failed to write temp file: %w", err), f.Close(), os.Remove(tmp))
	}
	if err := f.Sync(); err != nil {
		return "", errors.Join(fmt.Errorf("failed to sync temp file: %w", err), f.Close(), os.Remove(tmp))
	}
	if err := f.Close(); err != nil {
		return "", errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmp))
	}
	if err := os.Chmod(tmp, 0o644); err != nil { //nolint:gosec // collection files are meant to be readable.
		return "", errors.Join(fmt.Errorf("failed to chmod temp file: %w", err), os.Remove(tmp))
	}
	return tmp, nil
}

func decode(raw []byte) ([]Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var docs []Document
	if err := dec.Decode(&docs); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after array")
	}
	if docs == nil {
		return nil, errors.New("expected a JSON array")
	}
	for i, d := range docs {
		if d == nil {
			return nil, fmt.Errorf("element %d is not an object", i)
		}
	}
	return docs, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || name[0] == '.' {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}
