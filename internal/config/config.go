package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadYAML reads path into out. what names the file in errors.
func loadYAML(what, path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s %q: %w", what, path, err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse %s yaml %q: %w", what, path, err)
	}
	return nil
}
