package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FleetConfig declares the roles operators expect to see register, purely
// for validation and dashboards; an unlisted role is still allowed to
// register, just logged as unexpected.
type FleetConfig struct {
	Families []FamilySpec `yaml:"families"`
}

// FamilySpec describes one expected server family/role.
type FamilySpec struct {
	Role         string `yaml:"role"`
	MinInstances int    `yaml:"min_instances"`
	MaxInstances int    `yaml:"max_instances"`
}

// KnownRoles indexes FleetConfig by role for quick membership checks.
func (f FleetConfig) KnownRoles() map[string]FamilySpec {
	roles := make(map[string]FamilySpec, len(f.Families))
	for _, family := range f.Families {
		roles[family.Role] = family
	}
	return roles
}

// LoadFleetConfig reads and parses a YAML fleet configuration file. A blank
// path is not an error: it simply means no static fleet is declared.
func LoadFleetConfig(path string) (FleetConfig, error) {
	if path == "" {
		return FleetConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FleetConfig{}, fmt.Errorf("read fleet config %q: %w", path, err)
	}
	var cfg FleetConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FleetConfig{}, fmt.Errorf("parse fleet config %q: %w", path, err)
	}
	return cfg, nil
}
