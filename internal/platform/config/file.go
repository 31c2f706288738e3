package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadFile overlays the TOML file at path onto target. Keys absent from the
// file keep the value target already holds, so the file sits between the
// environment defaults and the command-line flags. An empty path is a no-op.
func LoadFile(path string, target any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if target == nil {
		return errors.New("config target is required")
	}
	meta, err := toml.DecodeFile(path, target)
	if err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("load config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}
