package ml

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"diamond-pricer/internal/features"
	"diamond-pricer/internal/schema"

	"github.com/rs/zerolog/log"
)

// Artifact names fixed by the bundle layout.
const (
	ManifestArtifact           = "manifest.json"
	DefaultTransformerArtifact = "transformer.json"
)

// Manifest describes a bundle: the transformer artifact and the ordered
// ensemble members.
type Manifest struct {
	Name              string            `json:"name"`
	Version           string            `json:"version"`
	SchemaVersion     string            `json:"schema_version"`
	SchemaFingerprint string            `json:"schema_fingerprint"`
	CreatedAt         time.Time         `json:"created_at"`
	Transformer       string            `json:"transformer"`
	Models            []ModelSpec       `json:"models"`
	Evaluation        *EvaluationReport `json:"evaluation,omitempty"`
}

func (m Manifest) validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest has no version")
	}
	if m.Transformer == "" {
		return fmt.Errorf("manifest names no transformer artifact")
	}
	seen := make(map[string]bool, len(m.Models))
	for i, spec := range m.Models {
		if spec.Name == "" || spec.Kind == "" || spec.Artifact == "" {
			return fmt.Errorf("manifest model %d needs name, kind and artifact", i)
		}
		if seen[spec.Name] {
			return fmt.Errorf("manifest declares model %q twice", spec.Name)
		}
		if spec.Artifact == ManifestArtifact || spec.Artifact == m.Transformer {
			return fmt.Errorf("model %q artifact %q collides with a reserved bundle artifact", spec.Name, spec.Artifact)
		}
		seen[spec.Name] = true
	}
	return nil
}

// Bundle is a loaded, immutable transformer plus ensemble. Readers share
// it freely; a new load produces a new Bundle.
type Bundle struct {
	manifest    Manifest
	transformer *features.Transformer
	models      []Model
	loadedAt    time.Time
	source      string
	digest      string
}

// NewBundle assembles a bundle from already-built parts. Model order is
// the declared order.
func NewBundle(manifest Manifest, t *features.Transformer, models []Model) (*Bundle, error) {
	if t == nil {
		return nil, fmt.Errorf("bundle has no transformer")
	}
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if seen[m.Name()] {
			return nil, fmt.Errorf("duplicate model name %q", m.Name())
		}
		seen[m.Name()] = true
		if sm, ok := m.(sizedModel); ok && sm.InputWidth() > 0 && sm.InputWidth() != t.Width() {
			return nil, fmt.Errorf("model %q expects %d features, transformer produces %d", m.Name(), sm.InputWidth(), t.Width())
		}
	}
	return &Bundle{
		manifest:    manifest,
		transformer: t,
		models:      append([]Model(nil), models...),
		loadedAt:    time.Now(),
		digest:      randomDigest(),
	}, nil
}

// randomDigest identifies a bundle assembled in memory, which has no
// artifact bytes to hash.
func randomDigest() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return "mem-" + hex.EncodeToString(buf)
}

func (b *Bundle) Manifest() Manifest                 { return b.manifest }
func (b *Bundle) Version() string                    { return b.manifest.Version }
func (b *Bundle) Transformer() *features.Transformer { return b.transformer }
func (b *Bundle) LoadedAt() time.Time                { return b.loadedAt }
func (b *Bundle) Source() string                     { return b.source }

// Digest identifies the bundle content. For a loaded bundle it is the
// SHA-256 of every artifact it was built from, so two bundles sharing a
// version label but not their bytes never share a digest.
func (b *Bundle) Digest() string { return b.digest }

// Models returns the ensemble members in declared order.
func (b *Bundle) Models() []Model { return append([]Model(nil), b.models...) }

// ModelNames returns the member names in declared order.
func (b *Bundle) ModelNames() []string {
	names := make([]string, len(b.models))
	for i, m := range b.models {
		names[i] = m.Name()
	}
	return names
}

// ArtifactSource supplies the raw bytes of bundle artifacts.
type ArtifactSource interface {
	ReadArtifact(name string) ([]byte, error)
	Location() string
}

// DirSource reads artifacts from one bundle directory.
type DirSource struct {
	Dir string
}

func (d DirSource) ReadArtifact(name string) ([]byte, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid artifact name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(d.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
		}
		return nil, err
	}
	return data, nil
}

func (d DirSource) Location() string { return d.Dir }

// MemorySource serves artifacts held in memory, such as a freshly packed
// bundle that has not been stored yet.
type MemorySource map[string][]byte

func (m MemorySource) ReadArtifact(name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	return data, nil
}

func (m MemorySource) Location() string { return "memory" }

// LoadBundle reads and validates a complete bundle. It either returns a
// fully usable bundle or an error wrapping ErrBundleAbsent.
func LoadBundle(ctx context.Context, src ArtifactSource, s *schema.Schema, opts ...LoadOption) (*Bundle, error) {
	b, err := loadBundle(ctx, src, s, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBundleAbsent, src.Location(), err)
	}
	log.Info().
		Str("version", b.Version()).
		Str("source", b.source).
		Strs("models", b.ModelNames()).
		Int("width", b.transformer.Width()).
		Msg("Model bundle loaded")
	return b, nil
}

func loadBundle(ctx context.Context, src ArtifactSource, s *schema.Schema, opts []LoadOption) (*Bundle, error) {
	if s == nil {
		return nil, fmt.Errorf("serving schema is nil")
	}

	h := sha256.New()
	hashArtifact := func(name string, data []byte) {
		fmt.Fprintf(h, "%s:%d\n", name, len(data))
		h.Write(data)
	}

	raw, err := src.ReadArtifact(ManifestArtifact)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	hashArtifact(ManifestArtifact, raw)
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := manifest.validate(); err != nil {
		return nil, err
	}

	raw, err = src.ReadArtifact(manifest.Transformer)
	if err != nil {
		return nil, fmt.Errorf("read transformer: %w", err)
	}
	hashArtifact(manifest.Transformer, raw)
	t, err := features.Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := t.Compatible(s); err != nil {
		return nil, err
	}
	if manifest.SchemaFingerprint != "" && manifest.SchemaFingerprint != t.SchemaFingerprint() {
		return nil, fmt.Errorf("manifest schema fingerprint does not match transformer")
	}

	models := make([]Model, 0, len(manifest.Models))
	for _, spec := range manifest.Models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := src.ReadArtifact(spec.Artifact)
		if err != nil {
			return nil, fmt.Errorf("read model %q: %w", spec.Name, err)
		}
		hashArtifact(spec.Artifact, raw)
		m, err := DecodeModel(spec, raw, opts...)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}

	b, err := NewBundle(manifest, t, models)
	if err != nil {
		return nil, err
	}
	b.source = src.Location()
	b.digest = hex.EncodeToString(h.Sum(nil))
	return b, nil
}

// PackBundle serializes a transformer and model artifacts into the
// complete artifact set of a bundle, filling in the manifest's schema
// identity and transformer name. modelArtifacts is keyed by artifact name.
func PackBundle(manifest Manifest, t *features.Transformer, modelArtifacts map[string][]byte) (map[string][]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("pack bundle: transformer is nil")
	}
	if manifest.Transformer == "" {
		manifest.Transformer = DefaultTransformerArtifact
	}
	manifest.SchemaVersion = t.SchemaVersion()
	manifest.SchemaFingerprint = t.SchemaFingerprint()
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}
	if err := manifest.validate(); err != nil {
		return nil, fmt.Errorf("pack bundle: %w", err)
	}

	artifacts := make(map[string][]byte, len(modelArtifacts)+2)
	for _, spec := range manifest.Models {
		data, ok := modelArtifacts[spec.Artifact]
		if !ok {
			return nil, fmt.Errorf("pack bundle: no artifact %q for model %q", spec.Artifact, spec.Name)
		}
		if _, err := DecodeModel(spec, data); err != nil {
			return nil, fmt.Errorf("pack bundle: %w", err)
		}
		artifacts[spec.Artifact] = data
	}

	tdata, err := t.Encode()
	if err != nil {
		return nil, fmt.Errorf("pack bundle: %w", err)
	}
	artifacts[manifest.Transformer] = tdata

	mdata, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("pack bundle: %w", err)
	}
	artifacts[ManifestArtifact] = mdata
	return artifacts, nil
}

// WriteBundleDir writes artifacts into root/version. Files are staged in a
// hidden sibling directory and renamed into place, so readers never see a
// partially written bundle.
func WriteBundleDir(root, version string, artifacts map[string][]byte) (string, error) {
	if version == "" || version != filepath.Base(version) || strings.HasPrefix(version, ".") {
		return "", fmt.Errorf("invalid bundle version %q", version)
	}
	if _, ok := artifacts[ManifestArtifact]; !ok {
		return "", fmt.Errorf("bundle %s has no manifest", version)
	}
	final := filepath.Join(root, version)
	if _, err := os.Stat(final); err == nil {
		return "", fmt.Errorf("bundle %s already exists", version)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create bundle root: %w", err)
	}
	staging, err := os.MkdirTemp(root, "."+version+"-")
	if err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	for name, data := range artifacts {
		if name != filepath.Base(name) {
			return "", fmt.Errorf("invalid artifact name %q", name)
		}
		if err := os.WriteFile(filepath.Join(staging, name), data, 0o600); err != nil {
			return "", fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("publish bundle %s: %w", version, err)
	}
	return final, nil
}
