package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFleetConfigBlankPathIsNoop(t *testing.T) {
	cfg, err := LoadFleetConfig("")
	if err != nil {
		t.Fatalf("expected no error for blank path, got %v", err)
	}
	if len(cfg.Families) != 0 {
		t.Fatalf("expected zero-value config, got %+v", cfg)
	}
}

func TestLoadFleetConfigParsesFamilies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	contents := `
families:
  - role: lobby
    min_instances: 1
    max_instances: 4
  - role: arena
    min_instances: 2
    max_instances: 8
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fleet config: %v", err)
	}

	cfg, err := LoadFleetConfig(path)
	if err != nil {
		t.Fatalf("load fleet config: %v", err)
	}
	if len(cfg.Families) != 2 {
		t.Fatalf("expected 2 families, got %d", len(cfg.Families))
	}

	roles := cfg.KnownRoles()
	lobby, ok := roles["lobby"]
	if !ok {
		t.Fatalf("expected lobby role present")
	}
	if lobby.MinInstances != 1 || lobby.MaxInstances != 4 {
		t.Fatalf("unexpected lobby spec: %+v", lobby)
	}

	arena, ok := roles["arena"]
	if !ok {
		t.Fatalf("expected arena role present")
	}
	if arena.MinInstances != 2 || arena.MaxInstances != 8 {
		t.Fatalf("unexpected arena spec: %+v", arena)
	}
}

func TestLoadFleetConfigMissingFileErrors(t *testing.T) {
	_, err := LoadFleetConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
