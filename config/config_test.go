package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"node_id":"node1","algorithm":"lft"}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "node1" {
		t.Fatalf("expected node_id node1, got %q", cfg.NodeID)
	}
	if cfg.Algorithm != "lft" {
		t.Fatalf("expected algorithm lft, got %q", cfg.Algorithm)
	}
	if cfg.DataDir != DefaultConfig().DataDir {
		t.Fatalf("expected default data_dir to survive, got %q", cfg.DataDir)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsUnknownAlgorithm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown algorithm")
	}
}

func TestValidateRejectsMismatchedTLSPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLS = &TLSConfig{CACert: "ca.pem"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for partially set tls paths")
	}
}

func TestValidateRejectsSeedSourceWithoutSeed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Key.Source = "seed"
	cfg.Key.Seed = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for seed source without seed")
	}
}
