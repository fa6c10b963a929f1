package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type adapterConfigFile struct {
	AdapterKwargs map[string]any `yaml:"adapter_kwargs"`
}

// LoadAdapterConfig reads adapter_kwargs from a strategy yaml file. A missing file yields
// an empty map.
func LoadAdapterConfig(path string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	var cfg adapterConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range cfg.AdapterKwargs {
		out[k] = v
	}
	return out, nil
}

// AdapterConfigPath resolves the yaml file for spec: its configured reference, else <id>.yaml.
func AdapterConfigPath(configsDir string, spec Spec) string {
	name := strings.TrimSpace(spec.Config)
	if name == "" {
		name = spec.ID + ".yaml"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(configsDir, name)
}

// DecodeKwargs re-encodes kwargs through yaml into out so adapters can use typed configs.
func DecodeKwargs(kwargs map[string]any, out any) error {
	if len(kwargs) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(kwargs)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}
