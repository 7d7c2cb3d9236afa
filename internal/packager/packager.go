// Package packager writes the final artifacts of a run to disk.
package packager

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/stages"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ManifestFile is written next to the artifacts of every run.
const ManifestFile = "manifest.yaml"

// Manifest describes a delivered run.
type Manifest struct {
	RunID          string               `yaml:"run_id"`
	Request        string               `yaml:"request"`
	CreatedAt      time.Time            `yaml:"created_at"`
	Classification model.Classification `yaml:"classification"`
	ProjectName    string               `yaml:"project_name,omitempty"`
	TechStack      string               `yaml:"tech_stack,omitempty"`
	Features       []model.Feature      `yaml:"features,omitempty"`
	Files          []string             `yaml:"files"`
	Dependencies   []model.Dependency   `yaml:"dependencies,omitempty"`
	Findings       []model.Issue        `yaml:"findings,omitempty"`
	Caveats        []string             `yaml:"caveats,omitempty"`
}

// Packager delivers artifacts into <root>/<run id>/.
type Packager struct {
	fs   afero.Fs
	root string
	now  func() time.Time
}

// New creates a packager on the given filesystem.
func New(fs afero.Fs, root string) *Packager {
	return &Packager{fs: fs, root: root, now: time.Now}
}

// Deliver implements stages.Deliverer.
func (p *Packager) Deliver(_ context.Context, d stages.Delivery) (string, error) {
	dir := filepath.Join(p.root, d.RunID)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	names := make([]string, 0, len(d.Artifacts))
	for name := range d.Artifacts {
		names = append(names, name)
	}
	slices.Sort(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		clean, ok := stages.CleanFileName(name)
		if !ok || clean == ManifestFile {
			log.Warn().Str("run_id", d.RunID).Str("file", name).Msg("skipping artifact with unsafe name")
			continue
		}
		if err := WriteFileAtomic(p.fs, filepath.Join(dir, filepath.FromSlash(clean)), []byte(d.Artifacts[name])); err != nil {
			return "", err
		}
		written = append(written, clean)
	}

	m := Manifest{
		RunID:          d.RunID,
		Request:        d.Request,
		CreatedAt:      p.now().UTC(),
		Classification: d.Classification,
		ProjectName:    d.Blueprint.ProjectName,
		TechStack:      d.Blueprint.TechStack,
		Features:       d.Blueprint.Features,
		Files:          written,
		Dependencies:   d.Dependencies,
		Findings:       d.Findings,
		Caveats:        d.Caveats,
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := WriteFileAtomic(p.fs, filepath.Join(dir, ManifestFile), data); err != nil {
		return "", err
	}

	log.Info().Str("run_id", d.RunID).Str("dir", dir).Int("files", len(written)).Msg("artifacts delivered")
	return dir, nil
}

// ReadManifest loads the manifest of a delivered run.
func ReadManifest(fs afero.Fs, dir string) (Manifest, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// WriteFileAtomic writes data through a temp file and a rename.
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = fs.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
