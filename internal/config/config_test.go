package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load() failed on missing file: %v", err)
	}

	if s.Server != "localhost" {
		t.Errorf("Got server %q, want localhost", s.Server)
	}
	if s.Protocol != "http" {
		t.Errorf("Got protocol %q, want http", s.Protocol)
	}
	if !s.AutoUpdatePackages || !s.ManageDevices {
		t.Error("Auto update and device management should default to on")
	}
	if s.ComputerName == "" {
		t.Error("Computer name was not derived from the hostname")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yml")
	content := "server: migasfree.example.com\nproject: acme\nprotocol: https\ndebug: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MIGASFREE_CLIENT_PROJECT", "from-env")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if s.Server != "migasfree.example.com" {
		t.Errorf("Got server %q", s.Server)
	}
	if s.Project != "from-env" {
		t.Errorf("Got project %q, want the environment override", s.Project)
	}
	if s.Protocol != "https" || !s.Debug {
		t.Errorf("File values were not applied: %+v", s)
	}
}

func TestLoadRejectsUnknownProtocol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yml")
	if err := os.WriteFile(path, []byte("protocol: gopher\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() accepted an unknown protocol")
	}
}

func TestCastToBool(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"True", false, true},
		{"on", false, true},
		{"1", false, true},
		{"Off", true, false},
		{"no", true, false},
		{"0", true, false},
		{"maybe", true, true},
		{"", false, false},
	}

	for _, tt := range tests {
		if got := CastToBool(tt.value, tt.def); got != tt.expected {
			t.Errorf("CastToBool(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
		}
	}
}

func TestPathsLayout(t *testing.T) {
	p := DefaultPaths()

	if got := p.ServerKeys("migasfree.example.com:8443"); got != filepath.Join(p.Keys, "migasfree.example.com_8443") {
		t.Errorf("ServerKeys() = %q, colon was not sanitized", got)
	}
	if got := p.LockFile("migasfree"); got != filepath.Join(p.Tmp, "migasfree.pid") {
		t.Errorf("LockFile() = %q", got)
	}
	if got := p.ErrorFile("migasfree"); got != filepath.Join(p.Tmp, "migasfree.err") {
		t.Errorf("ErrorFile() = %q", got)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"Ubuntu 22.04", "ubuntu-22-04"},
		{"openSUSE Leap", "opensuse-leap"},
		{"Debian", "debian"},
	}

	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.expected {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.expected)
		}
	}
}
