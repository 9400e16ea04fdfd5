// Package config loads the docstore YAML configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maruel/docstore/internal/jsondb"
	"github.com/maruel/docstore/internal/lock"
)

// FileName is the configuration file looked up in the data directory.
const FileName = "docstore.yaml"

// Backends.
const (
	BackendJSON    = "json"
	BackendMongoDB = "mongodb"
)

// Lock providers.
const (
	ProviderLocal    = "local"
	ProviderFlock    = "flock"
	ProviderDynamoDB = "dynamodb"
	ProviderNATS     = "nats"
)

// DefaultCollections is the collection allow-list used when the file lists
// none.
var DefaultCollections = []string{
	"users", "teams", "projects", "prompts", "promptVersions", "files",
	"sessions", "runs", "runSets", "collections", "queues", "featureFlags",
	"audits",
}

// reservedCollection backs the id counter and cannot be declared.
const reservedCollection = "counters"

// Config is the top-level configuration.
type Config struct {
	DataDir     string                       `yaml:"data_dir"`
	Store       string                       `yaml:"store"`
	Backend     string                       `yaml:"backend"`
	Collections []Collection                 `yaml:"collections"`
	References  map[string]map[string]string `yaml:"references,omitempty"`
	SchemasDir  string                       `yaml:"schemas_dir,omitempty"`
	Lock        Lock                         `yaml:"lock"`
	History     History                      `yaml:"history"`
	MongoDB     MongoDB                      `yaml:"mongodb"`
}

// Collection declares one collection.
type Collection struct {
	Name string `yaml:"name"`
	// Initial is the content a missing collection file is created with.
	Initial []map[string]any `yaml:"initial,omitempty"`
	// Defaults are applied under the payload of every created document.
	Defaults map[string]any `yaml:"defaults,omitempty"`
}

// Lock configures the lock provider and retry policy.
type Lock struct {
	Provider          string        `yaml:"provider"`
	Dir               string        `yaml:"dir,omitempty"`
	TTL               time.Duration `yaml:"ttl"`
	RetryCount        int           `yaml:"retry_count"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RetryJitter       time.Duration `yaml:"retry_jitter"`
	AttemptsPerSecond float64       `yaml:"attempts_per_second,omitempty"`
	DynamoDB          DynamoDB      `yaml:"dynamodb,omitempty"`
	NATS              NATS          `yaml:"nats,omitempty"`
}

// DynamoDB configures the DynamoDB lock table.
type DynamoDB struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// NATS configures the JetStream key-value lock bucket.
type NATS struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

// History configures the git change history.
type History struct {
	Enabled     bool   `yaml:"enabled"`
	AuthorName  string `yaml:"author_name,omitempty"`
	AuthorEmail string `yaml:"author_email,omitempty"`
}

// MongoDB configures the mongodb backend.
type MongoDB struct {
	URI      string `yaml:"uri,omitempty"`
	Database string `yaml:"database"`
}

// Default returns the built-in configuration.
func Default() *Config {
	lo := lock.DefaultOptions()
	c := &Config{
		DataDir: "./data",
		Store:   "docstore",
		Backend: BackendJSON,
		Lock: Lock{
			Provider:    ProviderFlock,
			TTL:         lo.TTL,
			RetryCount:  lo.RetryCount,
			RetryDelay:  lo.RetryDelay,
			RetryJitter: lo.RetryJitter,
			NATS:        NATS{Bucket: "docstore_locks"},
		},
		MongoDB: MongoDB{Database: "docstore"},
	}
	for _, n := range DefaultCollections {
		c.Collections = append(c.Collections, Collection{Name: n})
	}
	return c
}

// Load reads the file at path over Default and validates the result. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path) //nolint:gosec // User-specified config path
	if errors.Is(err, os.ErrNotExist) {
		return c, c.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes data over c and validates the result.
func Parse(data []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Store == "" || strings.ContainsAny(c.Store, ": \t\n") {
		return fmt.Errorf("invalid store name %q", c.Store)
	}
	switch c.Backend {
	case BackendJSON:
	case BackendMongoDB:
		if c.MongoDB.URI == "" || c.MongoDB.Database == "" {
			return errors.New("mongodb backend requires mongodb.uri and mongodb.database")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if len(c.Collections) == 0 {
		return errors.New("at least one collection is required")
	}
	names := c.CollectionNames()
	for i, n := range names {
		if n == "" {
			return fmt.Errorf("collection %d: name is required", i)
		}
		if n == reservedCollection {
			return fmt.Errorf("collection %q is reserved", n)
		}
		if slices.Contains(names[:i], n) {
			return fmt.Errorf("collection %q declared twice", n)
		}
	}
	for src, fields := range c.References {
		if !slices.Contains(names, src) {
			return fmt.Errorf("references: unknown collection %q", src)
		}
		for field, target := range fields {
			if field == "" || !slices.Contains(names, target) {
				return fmt.Errorf("references: %s.%s points to unknown collection %q", src, field, target)
			}
		}
	}
	return c.Lock.validate()
}

func (l *Lock) validate() error {
	switch l.Provider {
	case ProviderLocal, ProviderFlock:
	case ProviderDynamoDB:
		if l.DynamoDB.Table == "" {
			return errors.New("lock.dynamodb.table is required")
		}
	case ProviderNATS:
		if l.NATS.URL == "" || l.NATS.Bucket == "" {
			return errors.New("lock.nats.url and lock.nats.bucket are required")
		}
	default:
		return fmt.Errorf("unknown lock provider %q", l.Provider)
	}
	if l.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive, got %s", l.TTL)
	}
	if l.RetryCount < 0 || l.RetryDelay < 0 || l.RetryJitter < 0 || l.AttemptsPerSecond < 0 {
		return errors.New("lock retry settings must not be negative")
	}
	return nil
}

// CollectionNames returns the declared collection names in order.
func (c *Config) CollectionNames() []string {
	out := make([]string, len(c.Collections))
	for i := range c.Collections {
		out[i] = c.Collections[i].Name
	}
	return out
}

// StoreCollections returns the collections for jsondb.Open.
func (c *Config) StoreCollections() ([]jsondb.Collection, error) {
	out := make([]jsondb.Collection, 0, len(c.Collections))
	for _, col := range c.Collections {
		jc := jsondb.Collection{Name: col.Name}
		if col.Initial != nil {
			raw, err := json.Marshal(col.Initial)
			if err != nil {
				return nil, fmt.Errorf("collection %q: failed to encode initial content: %w", col.Name, err)
			}
			jc.Default = raw
		}
		out = append(out, jc)
	}
	return out, nil
}

// Defaults returns the per-collection create defaults.
func (c *Config) Defaults() map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, col := range c.Collections {
		if len(col.Defaults) != 0 {
			out[col.Name] = col.Defaults
		}
	}
	return out
}

// LockDir returns the flock directory, <data_dir>/.locks unless set.
func (c *Config) LockDir() string {
	if c.Lock.Dir != "" {
		return c.Lock.Dir
	}
	return filepath.Join(c.DataDir, ".locks")
}

// LockOptions returns the lock manager options.
func (c *Config) LockOptions() lock.Options {
	return lock.Options{
		TTL:               c.Lock.TTL,
		RetryCount:        c.Lock.RetryCount,
		RetryDelay:        c.Lock.RetryDelay,
		RetryJitter:       c.Lock.RetryJitter,
		AttemptsPerSecond: c.Lock.AttemptsPerSecond,
	}
}
