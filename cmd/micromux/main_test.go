package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		"info":   slog.LevelInfo,
		"warn":   slog.LevelWarn,
		"error":  slog.LevelError,
		"bogus":  slog.LevelInfo,
		"":       slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestResolveConfigPath_ExplicitFlagWins(t *testing.T) {
	got, err := resolveConfigPath("/explicit/path.yaml")
	if err != nil {
		t.Fatalf("resolveConfigPath: %v", err)
	}
	if got != "/explicit/path.yaml" {
		t.Fatalf("expected explicit path to be returned verbatim, got %q", got)
	}
}

func TestResolveConfigPath_DiscoversInCWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "micromux.yaml"), []byte("version: \"1\"\nservices: {}\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	prevCwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(prevCwd) }()

	got, err := resolveConfigPath("")
	if err != nil {
		t.Fatalf("resolveConfigPath: %v", err)
	}
	if filepath.Base(got) != "micromux.yaml" {
		t.Fatalf("expected micromux.yaml, got %q", got)
	}
}

func TestResolveConfigPath_NoneFoundIsError(t *testing.T) {
	dir := t.TempDir()
	prevCwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(prevCwd) }()

	if _, err := resolveConfigPath(""); err == nil {
		t.Fatal("expected an error when no config file is discoverable")
	}
}

func TestRunValidate_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "micromux.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
version: "1"
services:
  api:
    command: ["/bin/true"]
`), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if err := runValidate(ValidateFlags{ConfigPath: cfgPath}); err != nil {
		t.Fatalf("runValidate: %v", err)
	}
}

func TestRunValidate_CycleIsConfigError(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "micromux.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
version: "1"
services:
  a:
    command: ["/bin/true"]
    depends_on: ["b"]
  b:
    command: ["/bin/true"]
    depends_on: ["a"]
`), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	err := runValidate(ValidateFlags{ConfigPath: cfgPath})
	if err == nil {
		t.Fatal("expected a cycle to be reported as a config error")
	}
	code, ok := err.(exitCodeError)
	if !ok || int(code) != exitConfig {
		t.Fatalf("expected exitCodeError(exitConfig), got %v (%T)", err, err)
	}
}

func TestNewRootCommand_VersionSubcommand(t *testing.T) {
	root := newRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected version output")
	}
}
