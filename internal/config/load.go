package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and parses one cluster config YAML file. It does not
// validate; callers run Validate explicitly so the caller controls whether
// warnings are fatal.
func LoadFile(path string) (*ClusterConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c ClusterConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}

// LoadTemplatesDir loads every *.yaml/*.yml file in dir as a named template,
// keyed by filename without extension.
func LoadTemplatesDir(dir string) (map[string]*ClusterConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read templates dir %s: %w", dir, err)
	}
	out := make(map[string]*ClusterConfig)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(ext)]
		c, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}
