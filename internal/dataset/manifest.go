package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Identity lists the signature files of one signer.
type Identity struct {
	Name    string   `yaml:"name"`
	Genuine []string `yaml:"genuine"`
	Forged  []string `yaml:"forged"`
}

// Manifest is the explicit list of identities to assemble a dataset from.
type Manifest struct {
	Identities []Identity `yaml:"identities"`
}

// LoadManifest reads a YAML manifest. Relative paths inside it are resolved
// against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	base := filepath.Dir(path)
	for i := range m.Identities {
		resolve(base, m.Identities[i].Genuine)
		resolve(base, m.Identities[i].Forged)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func resolve(base string, paths []string) {
	for i, p := range paths {
		if !filepath.IsAbs(p) {
			paths[i] = filepath.Join(base, p)
		}
	}
}

// Validate rejects unnamed or duplicate identities and files listed more
// than once. An empty manifest is valid; assembling it reports an empty
// dataset.
func (m *Manifest) Validate() error {
	if m == nil {
		return nil
	}
	names := make(map[string]struct{}, len(m.Identities))
	files := make(map[string]string)
	for _, id := range m.Identities {
		if id.Name == "" {
			return errors.New("manifest identity without name")
		}
		if _, dup := names[id.Name]; dup {
			return fmt.Errorf("manifest identity %q listed twice", id.Name)
		}
		names[id.Name] = struct{}{}
		for _, group := range [][]string{id.Genuine, id.Forged} {
			for _, p := range group {
				if owner, dup := files[p]; dup {
					return fmt.Errorf("manifest file %s listed twice (%s, %s)", p, owner, id.Name)
				}
				files[p] = id.Name
			}
		}
	}
	return nil
}

// Save writes the manifest as YAML.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
