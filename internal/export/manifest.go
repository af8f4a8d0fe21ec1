package export

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/flood-exposure/internal/flood"
)

// Manifest lists everything a run produced.
type Manifest struct {
	RunID     string        `yaml:"run_id"`
	CreatedAt time.Time     `yaml:"created_at"`
	Settings  any           `yaml:"settings,omitempty"`
	Result    *flood.Result `yaml:"result"`
	Files     []string      `yaml:"files,omitempty"`
	Exports   []Submission  `yaml:"exports,omitempty"`
}

// WriteManifest writes m as YAML to dir/manifest.yaml and returns the path.
func WriteManifest(dir string, m Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "manifest: create directory")
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", eris.Wrap(err, "manifest: marshal")
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrap(err, "manifest: write")
	}
	return path, nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "manifest: read")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "manifest: unmarshal")
	}
	return &m, nil
}
