package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadKoanf merges an adapter YAML file (if present) with environment
// variables and unmarshals the result into out using `koanf` tags.
//
// Variables are matched by prefix and use "__" as the nesting delimiter, so
// with prefix CONVEYOR_KAFKA__ the variable CONVEYOR_KAFKA__IDLE_TIMEOUT
// sets idle_timeout.
func LoadKoanf(path, envPrefix string, out any) error {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config %s: %w", path, err)
		}
	}
	// schema version check (only when YAML is present)
	if sv := k.String("schema_version"); sv != "" && sv != SupportedSchema {
		return fmt.Errorf("config %s: schema_version %q not supported (want %q)", path, sv, SupportedSchema)
	}

	if envPrefix != "" {
		cb := func(s string) string {
			return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, envPrefix), "__", "."))
		}
		if err := k.Load(env.Provider(envPrefix, ".", cb), nil); err != nil {
			return err
		}
	}
	return k.Unmarshal("", out)
}
