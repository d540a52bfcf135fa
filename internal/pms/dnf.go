package pms

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"sort"
	"strings"
)

const dnfRepoFile = "/etc/yum.repos.d/migasfree.repo"

// Dnf is the backend for RPM-family systems. It drives dnf when present
// and falls back to yum on older hosts; rpm answers all queries.
type Dnf struct {
	run Runner
	pms string
}

func NewDnf(run Runner) *Dnf {
	pms := "dnf"
	if _, err := exec.LookPath("dnf"); err != nil {
		pms = "yum"
	}
	return &Dnf{run: run, pms: pms}
}

func (d *Dnf) Name() string { return d.pms }

func (d *Dnf) Install(ctx context.Context, pkg string) bool {
	exit, _, _ := d.run(ctx, fmt.Sprintf("%s --assumeyes install %s", d.pms, pkg))
	return exit == 0
}

func (d *Dnf) Remove(ctx context.Context, pkg string) bool {
	exit, _, _ := d.run(ctx, fmt.Sprintf("%s --assumeyes remove %s", d.pms, pkg))
	return exit == 0
}

func (d *Dnf) InstallSilent(ctx context.Context, pkgs []string) (bool, string) {
	pkgs = filterInstalled(ctx, d, pkgs, false)
	if len(pkgs) == 0 {
		return true, ""
	}

	exit, _, stderr := d.run(ctx, fmt.Sprintf("%s --assumeyes install %s", d.pms, joinPackages(pkgs)))
	if exit != 0 {
		return false, errorText(stderr, exit)
	}
	return true, ""
}

func (d *Dnf) RemoveSilent(ctx context.Context, pkgs []string) (bool, string) {
	pkgs = filterInstalled(ctx, d, pkgs, true)
	if len(pkgs) == 0 {
		return true, ""
	}

	exit, _, stderr := d.run(ctx, fmt.Sprintf("%s --assumeyes remove %s", d.pms, joinPackages(pkgs)))
	if exit != 0 {
		return false, errorText(stderr, exit)
	}
	return true, ""
}

func (d *Dnf) UpdateSilent(ctx context.Context) (bool, string) {
	exit, _, stderr := d.run(ctx, fmt.Sprintf("%s --assumeyes update", d.pms))
	if exit != 0 {
		return false, errorText(stderr, exit)
	}
	return true, ""
}

func (d *Dnf) IsInstalled(ctx context.Context, pkg string) bool {
	exit, _, _ := d.run(ctx, fmt.Sprintf("rpm -q %s", pkg))
	return exit == 0
}

func (d *Dnf) CleanAll(ctx context.Context) bool {
	if exit, _, _ := d.run(ctx, d.pms+" clean all"); exit != 0 {
		return false
	}
	// check-update exits 100 when updates are pending, which is fine
	exit, _, _ := d.run(ctx, d.pms+" check-update")
	return exit == 0 || exit == 100
}

// QueryAll lists the installed inventory as name_version-release_arch.rpm
// lines.
func (d *Dnf) QueryAll(ctx context.Context) []string {
	exit, stdout, _ := d.run(ctx, `rpm --queryformat "%{NAME}_%{VERSION}-%{RELEASE}_%{ARCH}.rpm\n" -qa`)
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

func (d *Dnf) CreateRepos(ctx context.Context, protocol, server string, repos []Repository) bool {
	if !writeRepoFile(dnfRepoFile, protocol, server, repos) {
		return false
	}
	return d.CleanAll(ctx)
}

func (d *Dnf) ImportServerKey(ctx context.Context, file string) bool {
	exit, _, stderr := d.run(ctx, fmt.Sprintf("rpm --import %s", file))
	if exit != 0 {
		log.Printf("[ERROR] Failed to import repository key: %s", errorText(stderr, exit))
	}
	return exit == 0
}

func (d *Dnf) SystemArchitecture(ctx context.Context) string {
	_, stdout, _ := d.run(ctx, "rpm --eval '%{_arch}'")
	return strings.TrimSpace(stdout)
}

func (d *Dnf) AvailablePackages(ctx context.Context) []string {
	exit, stdout, _ := d.run(ctx, d.pms+" --quiet list available")
	if exit != 0 {
		return nil
	}

	var packages []string
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		name := fields[0]
		// strip the arch suffix yum appends to the name column
		if idx := strings.LastIndex(name, "."); idx > 0 {
			name = name[:idx]
		}
		packages = append(packages, name)
	}
	sort.Strings(packages)
	return packages
}
