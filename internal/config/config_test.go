package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Agent.Binary != "claude" {
		t.Errorf("expected claude binary default, got %q", cfg.Agent.Binary)
	}
	if cfg.Run.MaxParallel != 3 {
		t.Errorf("expected max_parallel 3, got %d", cfg.Run.MaxParallel)
	}
	if cfg.Timeouts.Prompt != 5*time.Minute {
		t.Errorf("expected 5m prompt timeout, got %s", cfg.Timeouts.Prompt)
	}
	if cfg.Timeouts.Request != 30*time.Second {
		t.Errorf("expected 30s request timeout, got %s", cfg.Timeouts.Request)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
agent:
  binary: /usr/local/bin/claude
  model: opus
  autonomy: full
run:
  max_parallel: 6
timeouts:
  prompt: 10m
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Agent.Binary != "/usr/local/bin/claude" {
		t.Errorf("binary not loaded: %q", cfg.Agent.Binary)
	}
	if cfg.Agent.Model != "opus" {
		t.Errorf("model not loaded: %q", cfg.Agent.Model)
	}
	if cfg.Run.MaxParallel != 6 {
		t.Errorf("max_parallel not loaded: %d", cfg.Run.MaxParallel)
	}
	if cfg.Timeouts.Prompt != 10*time.Minute {
		t.Errorf("prompt timeout not loaded: %s", cfg.Timeouts.Prompt)
	}
	// Unset keys keep their defaults.
	if cfg.Timeouts.Request != 30*time.Second {
		t.Errorf("expected default request timeout, got %s", cfg.Timeouts.Request)
	}
}

func TestLoadFromPathRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad autonomy", "agent:\n  autonomy: yolo\n"},
		{"zero parallel", "run:\n  max_parallel: 0\n"},
		{"negative prompt timeout", "timeouts:\n  prompt: -1m\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFromPath(writeConfig(t, tc.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestResolveAgentBinaryExplicitPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	cfg := Default()
	cfg.Agent.Binary = bin
	got, err := ResolveAgentBinary(cfg)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != bin {
		t.Errorf("expected %q, got %q", bin, got)
	}
}

func TestResolveAgentBinaryMissing(t *testing.T) {
	cfg := Default()
	cfg.Agent.Binary = filepath.Join(t.TempDir(), "missing-agent")
	if _, err := ResolveAgentBinary(cfg); err == nil {
		t.Error("expected error for missing binary")
	}
}
