package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("acme")))
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Organization.ID != "acme" {
		t.Fatalf("org id = %s, want acme", cfg.Organization.ID)
	}
	if !cfg.HasCategory("electrical") || cfg.HasCategory("no-such") {
		t.Fatalf("catalog lookup broken: %+v", cfg.Categories.Catalog)
	}
	if cfg.Review.DefaultActionDueDays != 7 {
		t.Fatalf("default due days = %d, want 7", cfg.Review.DefaultActionDueDays)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing org id", "categories:\n  catalog:\n    ppe:\n      description: x\n"},
		{"empty catalog", "organization:\n  id: acme\n"},
		{"negative due days", "organization:\n  id: acme\ncategories:\n  catalog:\n    ppe: {}\nreview:\n  default_action_due_days: -1\n"},
	}
	for _, tc := range cases {
		if _, err := FromYAML([]byte(tc.yaml)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file should yield nil,nil; got %v, %v", cfg, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "hsetrack.yml"), []byte(GenerateDefault("site-a")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg == nil || cfg.Organization.ID != "site-a" {
		t.Fatalf("cfg = %+v, want site-a", cfg)
	}
}
