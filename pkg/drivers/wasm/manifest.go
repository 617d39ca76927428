package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/engine"
)

// ManifestFile is the file name Discover looks for in plugin directories.
const ManifestFile = "manifest.yaml"

// Manifest describes a driver plugin.
type Manifest struct {
	Name        string `yaml:"name" validate:"required,max=63"`
	Version     string `yaml:"version" validate:"required"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`

	// Module is the path of the WebAssembly module, relative to the manifest.
	Module string `yaml:"module" validate:"required"`

	// Checksum is the hex SHA-256 of the module. Unchecked when empty.
	Checksum string `yaml:"checksum" validate:"omitempty,len=64,hexadecimal"`

	// Capabilities are the host functions the plugin needs beyond logging.
	Capabilities []Capability `yaml:"capabilities" validate:"dive,oneof=net:outbound dns:lookup"`

	DatabaseEngines []engine.DatabaseEngine `yaml:"database_engines" validate:"dive,oneof=postgres mysql redis"`
	Certificates    bool                    `yaml:"certificates"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads a manifest file and the module it names, verifying the
// module checksum when the manifest carries one.
func LoadManifest(path string) (*Manifest, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path

	module, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read module of plugin %s: %w", m.Name, err)
	}
	if err := m.VerifyChecksum(module); err != nil {
		return nil, nil, err
	}
	return m, module, nil
}

// ModulePath resolves Module against the manifest directory.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Module) || m.Path == "" {
		return m.Module
	}
	return filepath.Join(filepath.Dir(m.Path), m.Module)
}

// VerifyChecksum compares module with the manifest checksum.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	sum := sha256.Sum256(module)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, m.Checksum) {
		return fmt.Errorf("module checksum mismatch for plugin %s: expected %s, got %s", m.Name, m.Checksum, got)
	}
	return nil
}

// Requires reports whether the plugin asks for capability.
func (m *Manifest) Requires(capability Capability) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Discover scans the subdirectories of dir for plugin manifests and returns a
// registry configuration for each, named after the plugin. Unreadable
// manifests are reported together; valid ones are still returned.
func Discover(dir string, grant []Capability) ([]drivers.Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var (
		configs []drivers.Config
		errs    []error
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m, err := ParseManifest(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}

		granted := make([]interface{}, 0, len(grant))
		for _, c := range grant {
			granted = append(granted, string(c))
		}
		configs = append(configs, drivers.Config{
			Name: m.Name,
			Kind: Kind,
			Options: map[string]interface{}{
				"manifest": path,
				"grant":    granted,
			},
		})
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, errors.Join(errs...)
}
