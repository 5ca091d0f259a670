package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"conveyor/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version and
// resolves relative paths against the directory of the file.
func LoadPipelineSpec(path string) (spec.File, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if cfg.App == "" {
		return cfg, fmt.Errorf("%s: app is required", path)
	}
	if len(cfg.Lanes) == 0 {
		return cfg, fmt.Errorf("%s: at least one lane is required", path)
	}

	dir := filepath.Dir(path)
	cfg.Source.Path = resolve(dir, cfg.Source.Path)
	cfg.Source.Config = resolve(dir, cfg.Source.Config)
	for i := range cfg.Lanes {
		l := &cfg.Lanes[i]
		l.Path = resolve(dir, l.Path)
		l.Config = resolve(dir, l.Config)
		if l.Kind == "" {
			l.Kind = "file"
		}
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "file"
	}
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
