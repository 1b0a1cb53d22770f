package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\n\n B = two \nnot-a-pair\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	m, err := loadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if len(m) != 2 || m["A"] != "1" || m["B"] != "two" {
		t.Fatalf("unexpected pairs: %+v", m)
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	if _, err := loadEnvFile(filepath.Join(t.TempDir(), "none.env")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
