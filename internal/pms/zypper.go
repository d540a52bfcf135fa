package pms

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

const zypperRepoFile = "/etc/zypp/repos.d/migasfree.repo"

// Zypper is the backend for SUSE-family systems; rpm answers queries.
type Zypper struct {
	run Runner
}

func NewZypper(run Runner) *Zypper {
	return &Zypper{run: run}
}

func (*Zypper) Name() string { return "zypper" }

func (z *Zypper) Install(ctx context.Context, pkg string) bool {
	exit, _, _ := z.run(ctx, fmt.Sprintf("zypper --non-interactive install %s", pkg))
	return exit == 0
}

func (z *Zypper) Remove(ctx context.Context, pkg string) bool {
	exit, _, _ := z.run(ctx, fmt.Sprintf("zypper --non-interactive remove %s", pkg))
	return exit == 0
}

func (z *Zypper) InstallSilent(ctx context.Context, pkgs []string) (bool, string) {
	pkgs = filterInstalled(ctx, z, pkgs, false)
	if len(pkgs) == 0 {
		return true, ""
	}

	exit, _, stderr := z.run(ctx, fmt.Sprintf("zypper --non-interactive install %s", joinPackages(pkgs)))
	if exit != 0 {
		return false, errorText(stderr, exit)
	}
	return true, ""
}

func (z *Zypper) RemoveSilent(ctx context.Context, pkgs []string) (bool, string) {
	pkgs = filterInstalled(ctx, z, pkgs, true)
	if len(pkgs) == 0 {
		return true, ""
	}

	exit, _, stderr := z.run(ctx, fmt.Sprintf("zypper --non-interactive remove %s", joinPackages(pkgs)))
	if exit != 0 {
		return false, errorText(stderr, exit)
	}
	return true, ""
}

func (z *Zypper) UpdateSilent(ctx context.Context) (bool, string) {
	exit, _, stderr := z.run(ctx, "zypper --non-interactive update")
	if exit != 0 {
		return false, errorText(stderr, exit)
	}
	return true, ""
}

func (z *Zypper) IsInstalled(ctx context.Context, pkg string) bool {
	exit, _, _ := z.run(ctx, fmt.Sprintf("rpm -q %s", pkg))
	return exit == 0
}

func (z *Zypper) CleanAll(ctx context.Context) bool {
	if exit, _, _ := z.run(ctx, "zypper clean --all"); exit != 0 {
		return false
	}
	exit, _, _ := z.run(ctx, "zypper --non-interactive refresh")
	return exit == 0
}

func (z *Zypper) QueryAll(ctx context.Context) []string {
	exit, stdout, _ := z.run(ctx, `rpm --queryformat "%{NAME}_%{VERSION}-%{RELEASE}_%{ARCH}.rpm\n" -qa`)
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

func (z *Zypper) CreateRepos(ctx context.Context, protocol, server string, repos []Repository) bool {
	if !writeRepoFile(zypperRepoFile, protocol, server, repos) {
		return false
	}
	return z.CleanAll(ctx)
}

func (z *Zypper) ImportServerKey(ctx context.Context, file string) bool {
	exit, _, stderr := z.run(ctx, fmt.Sprintf("rpm --import %s", file))
	if exit != 0 {
		log.Printf("[ERROR] Failed to import repository key: %s", errorText(stderr, exit))
	}
	return exit == 0
}

func (z *Zypper) SystemArchitecture(ctx context.Context) string {
	_, stdout, _ := z.run(ctx, "rpm --eval '%{_arch}'")
	return strings.TrimSpace(stdout)
}

func (z *Zypper) AvailablePackages(ctx context.Context) []string {
	exit, stdout, _ := z.run(ctx, "zypper --quiet packages --uninstalled-only")
	if exit != 0 {
		return nil
	}

	var packages []string
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		if name := strings.TrimSpace(fields[2]); name != "" && name != "Name" {
			packages = append(packages, name)
		}
	}
	sort.Strings(packages)
	return packages
}
