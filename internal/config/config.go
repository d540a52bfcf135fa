// Package config loads the migasfree client settings and defines the
// per-host filesystem layout used by the synchronization engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default locations. Every piece of persistent state lives under these
// roots, keyed by server host where the data is server-specific.
const (
	DefaultConfFile = "/etc/migasfree-client/client.yml"

	appDataPath  = "/usr/share/migasfree-client"
	keysPath     = "/var/migasfree-client/keys"
	devicesPath  = "/var/migasfree-client/devices"
	certPath     = "/var/migasfree-client/certs"
	tmpPath      = "/tmp/migasfree-client"
	softwareFile = "/var/tmp/installed_software.txt"
)

// Settings is the immutable run configuration. It is resolved once in main
// and passed into every component constructor.
type Settings struct {
	Server            string `yaml:"server"`
	Project           string `yaml:"project"`
	ComputerName      string `yaml:"computer_name"`
	Protocol          string `yaml:"protocol"`
	Proxy             string `yaml:"proxy"`
	PackageProxyCache string `yaml:"package_proxy_cache"`
	AutoUpdatePackages bool  `yaml:"auto_update_packages"`
	ManageDevices     bool   `yaml:"manage_devices"`
	Debug             bool   `yaml:"debug"`
}

// Load reads the YAML settings file (if present), applies
// MIGASFREE_CLIENT_* environment overrides and fills defaults. A missing
// file is not an error; a malformed one is.
func Load(path string) (*Settings, error) {
	s := &Settings{
		Server:             "localhost",
		Protocol:           "http",
		AutoUpdatePackages: true,
		ManageDevices:      true,
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	applyEnv(s)

	if s.ComputerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		s.ComputerName = strings.Split(hostname, ".")[0]
	}
	if s.Project == "" {
		s.Project = distroProject()
	}
	if s.Protocol != "http" && s.Protocol != "https" {
		return nil, fmt.Errorf("invalid protocol %q (want http or https)", s.Protocol)
	}

	return s, nil
}

func applyEnv(s *Settings) {
	if v := os.Getenv("MIGASFREE_CLIENT_SERVER"); v != "" {
		s.Server = v
	}
	if v := os.Getenv("MIGASFREE_CLIENT_PROJECT"); v != "" {
		s.Project = v
	}
	if v := os.Getenv("MIGASFREE_CLIENT_COMPUTER_NAME"); v != "" {
		s.ComputerName = v
	}
	if v := os.Getenv("MIGASFREE_CLIENT_PROTOCOL"); v != "" {
		s.Protocol = v
	}
	if v := os.Getenv("MIGASFREE_CLIENT_PROXY"); v != "" {
		s.Proxy = v
	}
	if v := os.Getenv("MIGASFREE_CLIENT_PACKAGE_PROXY_CACHE"); v != "" {
		s.PackageProxyCache = v
	}
	if v := os.Getenv("MIGASFREE_CLIENT_AUTO_UPDATE_PACKAGES"); v != "" {
		s.AutoUpdatePackages = CastToBool(v, s.AutoUpdatePackages)
	}
	if v := os.Getenv("MIGASFREE_CLIENT_MANAGE_DEVICES"); v != "" {
		s.ManageDevices = CastToBool(v, s.ManageDevices)
	}
	if v := os.Getenv("MIGASFREE_CLIENT_DEBUG"); v != "" {
		s.Debug = CastToBool(v, s.Debug)
	}
}

// URLBase returns the scheme://host prefix for every API call.
func (s *Settings) URLBase() string {
	return fmt.Sprintf("%s://%s", s.Protocol, s.Server)
}

// CastToBool maps the usual on/off spellings to a bool, falling back to
// def for anything unrecognized.
func CastToBool(value string, def bool) bool {
	switch strings.ToLower(value) {
	case "false", "off", "no", "n", "0":
		return false
	case "true", "on", "yes", "y", "1":
		return true
	}
	return def
}

// Paths is the per-host filesystem layout.
type Paths struct {
	AppData      string
	Keys         string
	Devices      string
	Certs        string
	Tmp          string
	SoftwareFile string
	PreSyncDir   string
	PostSyncDir  string
}

// DefaultPaths returns the standard layout.
func DefaultPaths() Paths {
	return Paths{
		AppData:      appDataPath,
		Keys:         keysPath,
		Devices:      devicesPath,
		Certs:        certPath,
		Tmp:          tmpPath,
		SoftwareFile: softwareFile,
		PreSyncDir:   filepath.Join(appDataPath, "pre-sync.d"),
		PostSyncDir:  filepath.Join(appDataPath, "post-sync.d"),
	}
}

// ServerKeys returns the directory holding the signing keys exchanged with
// a given server.
func (p Paths) ServerKeys(server string) string {
	return filepath.Join(p.Keys, sanitizeHost(server))
}

// ServerCerts returns the directory holding the mTLS material for a given
// server.
func (p Paths) ServerCerts(server string) string {
	return filepath.Join(p.Certs, sanitizeHost(server))
}

// ServerDevices returns the directory holding per-device checksum markers
// for a given server.
func (p Paths) ServerDevices(server string) string {
	return filepath.Join(p.Devices, sanitizeHost(server))
}

// LockFile returns the PID lock path for a command identity.
func (p Paths) LockFile(cmd string) string {
	return filepath.Join(p.Tmp, cmd+".pid")
}

// ErrorFile returns the error accumulator path for a command identity.
func (p Paths) ErrorFile(cmd string) string {
	return filepath.Join(p.Tmp, cmd+".err")
}

func sanitizeHost(server string) string {
	return strings.ReplaceAll(server, ":", "_")
}

var nonWord = regexp.MustCompile(`[^a-z0-9 _-]`)
var spaces = regexp.MustCompile(`\s+`)

// Slugify simplifies a string into an identifier-safe form, mirroring the
// server's project naming.
func Slugify(s string) string {
	s = strings.ToLower(s)
	for _, c := range []string{" ", "-", ".", "/"} {
		s = strings.ReplaceAll(s, c, "_")
	}
	s = nonWord.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "_", " ")
	s = spaces.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(s, " ", "-")
}

// distroProject derives a project name from /etc/os-release when none is
// configured.
func distroProject() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "unknown"
	}

	var name, version string
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "NAME="); ok {
			name = strings.Trim(v, `"`)
		}
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			version = strings.Trim(v, `"`)
		}
	}
	if name == "" {
		return "unknown"
	}
	if version == "" {
		return Slugify(name)
	}
	return Slugify(name + "-" + version)
}
