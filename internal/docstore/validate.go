// Validates documents against JSON schemas.

package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jsv "github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks a document before it is persisted. It may return a
// modified document, which is what gets stored.
type Validator interface {
	Validate(ctx context.Context, collection string, doc Document) (Document, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, collection string, doc Document) (Document, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, collection string, doc Document) (Document, error) {
	return f(ctx, collection, doc)
}

// systemFields are stamped by the service. They are checked only when a
// schema declares them as top-level properties.
var systemFields = []string{"_id", "createdAt", "updatedAt"}

// SchemaValidator checks documents against per-collection JSON schemas.
// Collections without a schema accept any document.
//
// Schemas are compiled with the full JSON Schema vocabulary (draft 2020-12
// unless $schema says otherwise), and format is asserted.
type SchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*compiledSchema
}

type compiledSchema struct {
	schema *jsv.Schema
	// declared holds the top-level property names of the schema.
	declared map[string]bool
}

// NewSchemaValidator returns a validator with no schemas.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: map[string]*compiledSchema{}}
}

// Register compiles s and sets it as the schema for collection.
func (v *SchemaValidator) Register(collection string, s *jsonschema.Schema) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode schema for %q: %w", collection, err)
	}
	return v.add(collection, "https://docstore.invalid/schemas/"+collection+".schema.json", raw)
}

// RegisterType reflects the schema of a struct type, honoring json and
// jsonschema tags.
func (v *SchemaValidator) RegisterType(collection string, t reflect.Type) error {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("type must be a struct or pointer to struct, got %s", t.Kind())
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	return v.Register(collection, r.ReflectFromType(t))
}

// LoadDir loads every <collection>.schema.json file in dir. A missing
// directory is not an error.
func (v *SchemaValidator) LoadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.schema.json"))
	if err != nil {
		return fmt.Errorf("failed to list schemas: %w", err)
	}
	for _, path := range matches {
		raw, err := os.ReadFile(path) //nolint:gosec // path comes from the configured schema directory.
		if err != nil {
			return fmt.Errorf("failed to read schema %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		collection := strings.TrimSuffix(filepath.Base(path), ".schema.json")
		if err := v.add(collection, "file://"+filepath.ToSlash(abs), raw); err != nil {
			return fmt.Errorf("schema %s: %w", path, err)
		}
	}
	return nil
}

// Validate implements Validator. The error is a *jsv.ValidationError listing
// every violation.
func (v *SchemaValidator) Validate(_ context.Context, collection string, doc Document) (Document, error) {
	v.mu.RLock()
	cs := v.schemas[collection]
	v.mu.RUnlock()
	if cs == nil {
		return doc, nil
	}
	inst, err := instance(doc)
	if err != nil {
		return nil, err
	}
	if m, ok := inst.(map[string]any); ok {
		for _, f := range systemFields {
			if !cs.declared[f] {
				delete(m, f)
			}
		}
	}
	if err := cs.schema.Validate(inst); err != nil {
		return nil, err
	}
	return doc, nil
}

func (v *SchemaValidator) add(collection, url string, raw []byte) error {
	doc, err := jsv.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to decode schema for %q: %w", collection, err)
	}
	c := jsv.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("failed to add schema for %q: %w", collection, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %q: %w", collection, err)
	}
	cs := &compiledSchema{schema: s, declared: map[string]bool{}}
	if m, ok := doc.(map[string]any); ok {
		if props, ok := m["properties"].(map[string]any); ok {
			for name := range props {
				cs.declared[name] = true
			}
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[collection] = cs
	return nil
}

// instance returns a private copy of doc in the shape the validator expects:
// maps, slices and json.Number only.
func instance(doc Document) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return jsv.UnmarshalJSON(bytes.NewReader(raw))
}
