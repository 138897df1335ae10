package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	// Run from a directory without a loom.yaml.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Run.Workers != 4 {
		t.Fatalf("workers = %d, want default 4", cfg.Run.Workers)
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("run:\n  workers: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Run.Workers != 9 {
		t.Fatalf("workers = %d, want 9", cfg.Run.Workers)
	}
}

func TestRunSuiteList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	manifest := "name: demo\ntests:\n  - id: a\n    cmd: 'true'\n"
	if err := os.WriteFile(filepath.Join(dir, "demo.suite.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := runSuite([]string{"list", "-suites", dir}); code != 0 {
		t.Fatalf("suite list exited %d", code)
	}
	if code := runSuite([]string{"bogus"}); code == 0 {
		t.Fatal("expected non-zero exit for unknown action")
	}
}
