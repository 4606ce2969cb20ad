package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tracking.Timeout.Duration != 30*time.Second {
		t.Fatalf("tracking timeout: %s", cfg.Tracking.Timeout)
	}
	g, ok := cfg.Form("grievance")
	if !ok {
		t.Fatalf("grievance form missing")
	}
	if g.Attachments.MaxBytes() != 10*1024*1024 || g.Attachments.MaxFiles != 3 {
		t.Fatalf("grievance attachment limits: %+v", g.Attachments)
	}
	if cfg.RTSDays("grievance_resolution") != 7 {
		t.Fatalf("rts grievance: %d", cfg.RTSDays("grievance_resolution"))
	}
	if len(cfg.Billing.Slabs) != 4 || cfg.Billing.Slabs[3].UpTo != 0 {
		t.Fatalf("billing slabs: %+v", cfg.Billing.Slabs)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("portal:\n  name: Ward 5\n  base_path: /api\ntracking:\n  timeout: 2s\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Portal.Name != "Ward 5" || cfg.Portal.BasePath != "/api" {
		t.Fatalf("portal not overridden: %+v", cfg.Portal)
	}
	if cfg.Tracking.Timeout.Duration != 2*time.Second {
		t.Fatalf("timeout not overridden: %s", cfg.Tracking.Timeout)
	}
	if _, ok := cfg.Form("first-connection"); !ok {
		t.Fatalf("defaults lost")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"bad family":   "forms:\n  x:\n    family: ZZZ\n    stages: [a]\n",
		"no stages":    "forms:\n  x:\n    family: GRV\n",
		"bad duration": "tracking:\n  timeout: soon\n",
		"bad driver":   "storage:\n  driver: mysql\n",
		"pg no dsn":    "storage:\n  driver: postgres\n",
		"slab order":   "billing:\n  slabs:\n    - {up_to: 300, rate: 1}\n    - {up_to: 100, rate: 2}\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional without file: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "civicwater.yml"), []byte(GenerateDefault("Test Portal")), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Portal.Name != "Test Portal" {
		t.Fatalf("portal name: %s", loaded.Portal.Name)
	}
}
