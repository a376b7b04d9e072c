package access

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk catalog layout. Omitted sections fall back to
// the built-in tables.
type catalogFile struct {
	Features []FeatureDefinition `yaml:"features"`
	Presets  []AccessPreset      `yaml:"presets"`
	Limits   LimitTable          `yaml:"limits"`
}

// ParseCatalog parses and validates a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if f.Features == nil {
		f.Features = BuiltInFeatures()
	}
	if f.Presets == nil {
		f.Presets = BuiltInPresets()
	}
	if f.Limits == nil {
		f.Limits = DefaultLimits()
	}
	return NewCatalog(f.Features, f.Presets, f.Limits)
}

// LoadCatalogFile reads and validates a YAML catalog from disk
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// CatalogSource supplies the current catalog
type CatalogSource interface {
	Catalog() *Catalog
}

// StaticCatalog is a CatalogSource that never changes
type StaticCatalog struct {
	c *Catalog
}

// NewStaticCatalog wraps a catalog; nil means the built-in catalog
func NewStaticCatalog(c *Catalog) *StaticCatalog {
	if c == nil {
		c = DefaultCatalog()
	}
	return &StaticCatalog{c: c}
}

// Catalog returns the wrapped catalog
func (s *StaticCatalog) Catalog() *Catalog {
	return s.c
}

// CatalogLoader holds a file-backed catalog and swaps it on change
type CatalogLoader struct {
	path     string
	current  atomic.Pointer[Catalog]
	log      *logrus.Logger
	onReload func(*Catalog)
}

// NewCatalogLoader loads the catalog at path. An empty path serves the
// built-in catalog.
func NewCatalogLoader(path string, log *logrus.Logger) (*CatalogLoader, error) {
	if log == nil {
		log = logrus.New()
	}
	l := &CatalogLoader{path: path, log: log}

	c := DefaultCatalog()
	if path != "" {
		var err error
		if c, err = LoadCatalogFile(path); err != nil {
			return nil, err
		}
	}
	l.current.Store(c)
	return l, nil
}

// Catalog returns the current catalog
func (l *CatalogLoader) Catalog() *Catalog {
	return l.current.Load()
}

// OnReload registers a callback run after each successful reload
func (l *CatalogLoader) OnReload(fn func(*Catalog)) {
	l.onReload = fn
}

// Reload re-reads the catalog file. An invalid file leaves the current
// catalog in place.
func (l *CatalogLoader) Reload() error {
	if l.path == "" {
		return nil
	}
	c, err := LoadCatalogFile(l.path)
	if err != nil {
		return err
	}
	l.current.Store(c)
	if l.onReload != nil {
		l.onReload(c)
	}
	return nil
}

// Watch reloads the catalog whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (l *CatalogLoader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.path, err)
	}

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.Reload(); err != nil {
				l.log.WithError(err).WithField("path", l.path).Warn("Catalog reload failed, keeping previous catalog")
				continue
			}
			l.log.WithField("path", l.path).Info("Catalog reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.WithError(err).Warn("Catalog watcher error")
		}
	}
}
