// Package pms defines the package-management-system contract the
// orchestrator depends on, a static registry of backends, and the
// concrete backends for the supported package systems.
package pms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Repository is a server-supplied repository descriptor. The source
// template is rendered with the active protocol and server before being
// written to the backend's repository file.
type Repository struct {
	SourceTemplate string `json:"source_template"`
}

// Render fills the {protocol} and {server} placeholders.
func (r Repository) Render(protocol, server string) string {
	s := strings.ReplaceAll(r.SourceTemplate, "{protocol}", protocol)
	return strings.ReplaceAll(s, "{server}", server)
}

// Manager is the contract every package system backend implements. The
// orchestrator depends only on this interface.
type Manager interface {
	Name() string
	Install(ctx context.Context, pkg string) bool
	Remove(ctx context.Context, pkg string) bool
	InstallSilent(ctx context.Context, pkgs []string) (bool, string)
	RemoveSilent(ctx context.Context, pkgs []string) (bool, string)
	UpdateSilent(ctx context.Context) (bool, string)
	IsInstalled(ctx context.Context, pkg string) bool
	CleanAll(ctx context.Context) bool
	QueryAll(ctx context.Context) []string
	CreateRepos(ctx context.Context, protocol, server string, repos []Repository) bool
	ImportServerKey(ctx context.Context, file string) bool
	SystemArchitecture(ctx context.Context) string
	AvailablePackages(ctx context.Context) []string
}

// Runner executes a shell command line and returns its exit status,
// stdout and stderr. Backends take a Runner so tests can substitute one.
type Runner func(ctx context.Context, command string) (exit int, stdout, stderr string)

// ShellRunner returns the production Runner: bash -c with captured pipes.
func ShellRunner(debug bool) Runner {
	return func(ctx context.Context, command string) (int, string, string) {
		if debug {
			log.Printf("[DEBUG] Executing: %s", command)
		}

		cmd := exec.CommandContext(ctx, "bash", "-c", command) //nolint:gosec // command lines are built from backend constants

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		exit := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exit = exitErr.ExitCode()
			} else {
				exit = -1
			}
		}

		return exit, stdout.String(), stderr.String()
	}
}

// ErrNoPMS is returned when no supported package system exists on the
// host. The orchestrator treats it as fatal.
var ErrNoPMS = errors.New("no supported package management system found")

// entry binds a probe executable to a backend constructor. The registry
// is populated once at initialization; selection walks it in order.
type entry struct {
	probe string
	build func(Runner) Manager
}

var registry = []entry{
	{probe: "apt-get", build: func(r Runner) Manager { return NewApt(r) }},
	{probe: "dnf", build: func(r Runner) Manager { return NewDnf(r) }},
	{probe: "yum", build: func(r Runner) Manager { return NewDnf(r) }},
	{probe: "zypper", build: func(r Runner) Manager { return NewZypper(r) }},
}

// Detect probes the host for an available package system and returns the
// matching backend.
func Detect(runner Runner) (Manager, error) {
	for _, e := range registry {
		if _, err := exec.LookPath(e.probe); err == nil {
			m := e.build(runner)
			log.Printf("[INFO] Package management system: %s", m.Name())
			return m, nil
		}
	}
	return nil, ErrNoPMS
}

// writeRepoFile renders every repository and writes the backend's
// repository file, creating the parent directory when needed.
func writeRepoFile(path, protocol, server string, repos []Repository) bool {
	var content strings.Builder
	for _, repo := range repos {
		content.WriteString(repo.Render(protocol, server))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("[ERROR] Failed to create repository directory: %v", err)
		return false
	}
	if err := os.WriteFile(path, []byte(content.String()), 0o644); err != nil {
		log.Printf("[ERROR] Failed to write repository file %s: %v", path, err)
		return false
	}

	return true
}

// filterInstalled splits pkgs by installation state so silent operations
// only touch what actually needs changing.
func filterInstalled(ctx context.Context, m Manager, pkgs []string, wantInstalled bool) []string {
	var out []string
	for _, pkg := range pkgs {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		if m.IsInstalled(ctx, pkg) == wantInstalled {
			out = append(out, pkg)
		}
	}
	return out
}

func joinPackages(pkgs []string) string {
	return strings.Join(pkgs, " ")
}

func errorText(stderr string, exit int) string {
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		return stderr
	}
	return fmt.Sprintf("exit status %d", exit)
}
