package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"diamond-pricer/internal/schema"

	"github.com/rs/zerolog/log"
)

// VersionsFile is the catalog file kept in the bundle root.
const VersionsFile = "versions.json"

// BundleVersion is one catalogued bundle
type BundleVersion struct {
	Version    string            `json:"version"`
	Path       string            `json:"path"`
	CreatedAt  time.Time         `json:"created_at"`
	Evaluation *EvaluationReport `json:"evaluation,omitempty"`
	IsActive   bool              `json:"is_active"`
}

// Catalog tracks bundle versions under a root directory and which one is
// active. It supports rolling back to the next older version.
type Catalog struct {
	mu           sync.RWMutex
	root         string
	versionsFile string
	versions     []BundleVersion
}

// NewCatalog opens the catalog in root, starting empty when none exists.
func NewCatalog(root string) (*Catalog, error) {
	c := &Catalog{
		root:         root,
		versionsFile: filepath.Join(root, VersionsFile),
		versions:     make([]BundleVersion, 0),
	}

	if err := c.loadVersions(); err != nil {
		return nil, fmt.Errorf("load bundle catalog: %w", err)
	}

	return c, nil
}

// AddVersion records a bundle stored at root/version.
func (c *Catalog) AddVersion(version string, createdAt time.Time, eval *EvaluationReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range c.versions {
		if v.Version == version {
			return fmt.Errorf("version %s already catalogued", version)
		}
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	c.versions = append(c.versions, BundleVersion{
		Version:    version,
		Path:       version,
		CreatedAt:  createdAt,
		Evaluation: eval,
	})

	// newest first
	sort.SliceStable(c.versions, func(i, j int) bool {
		return c.versions[i].CreatedAt.After(c.versions[j].CreatedAt)
	})

	return c.saveVersions()
}

// Activate marks version as the one to serve.
func (c *Catalog) Activate(version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activateLocked(version)
}

func (c *Catalog) activateLocked(version string) error {
	found := false
	for i := range c.versions {
		if c.versions[i].Version == version {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("version %s not found", version)
	}

	for i := range c.versions {
		c.versions[i].IsActive = c.versions[i].Version == version
	}

	log.Info().Str("version", version).Msg("Bundle version activated")
	return c.saveVersions()
}

// Rollback activates the version just older than the active one.
func (c *Catalog) Rollback() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.versions) < 2 {
		return "", fmt.Errorf("no previous version available for rollback")
	}

	currentIdx := -1
	for i, v := range c.versions {
		if v.IsActive {
			currentIdx = i
			break
		}
	}
	if currentIdx == -1 {
		return "", fmt.Errorf("no active version found")
	}
	if currentIdx+1 >= len(c.versions) {
		return "", fmt.Errorf("no previous version available")
	}

	previous := c.versions[currentIdx+1].Version
	if err := c.activateLocked(previous); err != nil {
		return "", err
	}
	return previous, nil
}

// Active returns the active version, or nil when none is active.
func (c *Catalog) Active() *BundleVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, v := range c.versions {
		if v.IsActive {
			active := v
			return &active
		}
	}
	return nil
}

// List returns all versions, newest first.
func (c *Catalog) List() []BundleVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]BundleVersion(nil), c.versions...)
}

// Dir returns the directory holding a catalogued version.
func (c *Catalog) Dir(v BundleVersion) string {
	return filepath.Join(c.root, v.Path)
}

func (c *Catalog) loadVersions() error {
	data, err := os.ReadFile(c.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return json.Unmarshal(data, &c.versions)
}

// saveVersions replaces the catalog file with a rename.
func (c *Catalog) saveVersions() error {
	data, err := json.MarshalIndent(c.versions, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return err
	}
	tmp := c.versionsFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.versionsFile)
}

// CatalogLoader loads the pinned version from root, or the catalog's
// active version when pinned is empty.
func CatalogLoader(root, pinned string, s *schema.Schema, opts ...LoadOption) BundleLoader {
	return func(ctx context.Context) (*Bundle, error) {
		if pinned != "" {
			return LoadBundle(ctx, DirSource{Dir: filepath.Join(root, pinned)}, s, opts...)
		}
		c, err := NewCatalog(root)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBundleAbsent, err)
		}
		active := c.Active()
		if active == nil {
			return nil, fmt.Errorf("%w: no active bundle version in %s", ErrBundleAbsent, root)
		}
		return LoadBundle(ctx, DirSource{Dir: c.Dir(*active)}, s, opts...)
	}
}
