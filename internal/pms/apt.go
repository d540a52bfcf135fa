package pms

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

const aptRepoFile = "/etc/apt/sources.list.d/migasfree.list"

// aptOptions keeps unattended runs from stalling on conffile prompts.
const aptOptions = "DEBIAN_FRONTEND=noninteractive apt-get " +
	"-o APT::Get::Purge=true " +
	"-o Dpkg::Options::=--force-confdef " +
	"-o Dpkg::Options::=--force-confold"

// Apt is the backend for Debian-family systems: dpkg for queries,
// apt-get for transactions.
type Apt struct {
	run Runner
}

func NewApt(run Runner) *Apt {
	return &Apt{run: run}
}

func (*Apt) Name() string { return "apt" }

func (a *Apt) Install(ctx context.Context, pkg string) bool {
	exit, _, _ := a.run(ctx, fmt.Sprintf("%s install --assume-yes %s", aptOptions, pkg))
	return exit == 0
}

func (a *Apt) Remove(ctx context.Context, pkg string) bool {
	exit, _, _ := a.run(ctx, fmt.Sprintf("%s purge --assume-yes %s", aptOptions, pkg))
	return exit == 0
}

func (a *Apt) InstallSilent(ctx context.Context, pkgs []string) (bool, string) {
	pkgs = filterInstalled(ctx, a, pkgs, false)
	if len(pkgs) == 0 {
		return true, ""
	}

	exit, _, stderr := a.run(ctx, fmt.Sprintf("%s install --assume-yes %s", aptOptions, joinPackages(pkgs)))
	if exit != 0 {
		return false, errorText(stderr, exit)
	}
	return true, ""
}

func (a *Apt) RemoveSilent(ctx context.Context, pkgs []string) (bool, string) {
	pkgs = filterInstalled(ctx, a, pkgs, true)
	if len(pkgs) == 0 {
		return true, ""
	}

	exit, _, stderr := a.run(ctx, fmt.Sprintf("%s purge --assume-yes %s", aptOptions, joinPackages(pkgs)))
	if exit != 0 {
		return false, errorText(stderr, exit)
	}
	return true, ""
}

func (a *Apt) UpdateSilent(ctx context.Context) (bool, string) {
	exit, _, stderr := a.run(ctx, aptOptions+" dist-upgrade --assume-yes")
	if exit != 0 {
		return false, errorText(stderr, exit)
	}
	return true, ""
}

func (a *Apt) IsInstalled(ctx context.Context, pkg string) bool {
	exit, stdout, _ := a.run(ctx, fmt.Sprintf("dpkg --status %s", pkg))
	return exit == 0 && strings.Contains(stdout, "Status: install ok installed")
}

func (a *Apt) CleanAll(ctx context.Context) bool {
	if exit, _, _ := a.run(ctx, "apt-get clean"); exit != 0 {
		return false
	}
	exit, _, _ := a.run(ctx, "apt-get update")
	return exit == 0
}

// QueryAll lists the installed inventory as name_version_arch.deb lines.
func (a *Apt) QueryAll(ctx context.Context) []string {
	exit, stdout, _ := a.run(ctx, "dpkg --list")
	if exit != 0 {
		return nil
	}

	var packages []string
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] != "ii" {
			continue
		}
		name := fields[1]
		// strip the multiarch qualifier dpkg appends to the name
		if idx := strings.Index(name, ":"); idx > 0 {
			name = name[:idx]
		}
		packages = append(packages, fmt.Sprintf("%s_%s_%s.deb", name, fields[2], fields[3]))
	}

	sort.Strings(packages)
	return packages
}

func (a *Apt) CreateRepos(ctx context.Context, protocol, server string, repos []Repository) bool {
	if !writeRepoFile(aptRepoFile, protocol, server, repos) {
		return false
	}
	return a.CleanAll(ctx)
}

func (a *Apt) ImportServerKey(ctx context.Context, file string) bool {
	exit, _, stderr := a.run(ctx, fmt.Sprintf("apt-key add %s", file))
	if exit != 0 {
		log.Printf("[ERROR] Failed to import repository key: %s", errorText(stderr, exit))
	}
	return exit == 0
}

func (a *Apt) SystemArchitecture(ctx context.Context) string {
	_, stdout, _ := a.run(ctx, "dpkg --print-architecture")
	return strings.TrimSpace(stdout)
}

func (a *Apt) AvailablePackages(ctx context.Context) []string {
	exit, stdout, _ := a.run(ctx, "apt-cache pkgnames")
	if exit != 0 {
		return nil
	}

	var packages []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			packages = append(packages, line)
		}
	}
	sort.Strings(packages)
	return packages
}
