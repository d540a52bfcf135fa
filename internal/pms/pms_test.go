package pms

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

// fakeRunner answers each command line from a prefix table and records
// what was executed.
type fakeRunner struct {
	responses map[string]response
	executed  []string
}

type response struct {
	exit   int
	stdout string
	stderr string
}

func (f *fakeRunner) run(_ context.Context, command string) (int, string, string) {
	f.executed = append(f.executed, command)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(command, prefix) {
			return resp.exit, resp.stdout, resp.stderr
		}
	}
	return 0, "", ""
}

func (f *fakeRunner) ran(prefix string) bool {
	for _, cmd := range f.executed {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func TestRepositoryRender(t *testing.T) {
	repo := Repository{SourceTemplate: "deb {protocol}://{server}/public/debian stable main\n"}

	got := repo.Render("https", "migasfree.example.com")
	want := "deb https://migasfree.example.com/public/debian stable main\n"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestAptQueryAll(t *testing.T) {
	f := &fakeRunner{responses: map[string]response{
		"dpkg --list": {stdout: `Desired=Unknown/Install/Remove/Purge/Hold
||/ Name           Version      Architecture Description
+++-==============-============-============-=================================
ii  zlib1g:amd64   1.2.13-1     amd64        compression library
ii  bash           5.2-1        amd64        GNU Bourne Again SHell
rc  old-tool       1.0-1        amd64        removed, config remains
`},
	}}
	a := NewApt(f.run)

	got := a.QueryAll(context.Background())
	want := []string{"bash_5.2-1_amd64.deb", "zlib1g_1.2.13-1_amd64.deb"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("QueryAll() = %v, want %v", got, want)
	}
}

func TestAptInstallSilentSkipsInstalled(t *testing.T) {
	f := &fakeRunner{responses: map[string]response{
		"dpkg --status bash": {stdout: "Status: install ok installed"},
		"dpkg --status vim":  {exit: 1},
	}}
	a := NewApt(f.run)

	ok, errText := a.InstallSilent(context.Background(), []string{"bash", "vim"})
	if !ok || errText != "" {
		t.Fatalf("InstallSilent() = (%v, %q), want success", ok, errText)
	}

	var installCmd string
	for _, cmd := range f.executed {
		if strings.Contains(cmd, " install ") {
			installCmd = cmd
		}
	}
	if installCmd == "" {
		t.Fatal("No install command was executed")
	}
	if strings.Contains(installCmd, "bash") {
		t.Errorf("Already installed package was reinstalled: %s", installCmd)
	}
	if !strings.Contains(installCmd, "vim") {
		t.Errorf("Missing package was not installed: %s", installCmd)
	}
}

func TestAptInstallSilentNothingToDo(t *testing.T) {
	f := &fakeRunner{responses: map[string]response{
		"dpkg --status": {stdout: "Status: install ok installed"},
	}}
	a := NewApt(f.run)

	ok, errText := a.InstallSilent(context.Background(), []string{"bash"})
	if !ok || errText != "" {
		t.Fatalf("InstallSilent() = (%v, %q), want success", ok, errText)
	}
	if f.ran("DEBIAN_FRONTEND") {
		t.Error("apt-get was invoked although every package was installed")
	}
}

func TestAptRemoveSilentReportsFailure(t *testing.T) {
	f := &fakeRunner{responses: map[string]response{
		"dpkg --status": {stdout: "Status: install ok installed"},
		"DEBIAN_FRONTEND=noninteractive apt-get -o APT::Get::Purge=true": {
			exit:   100,
			stderr: "E: Unable to locate package ghost",
		},
	}}
	a := NewApt(f.run)

	ok, errText := a.RemoveSilent(context.Background(), []string{"ghost"})
	if ok {
		t.Fatal("RemoveSilent() succeeded, want failure")
	}
	if !strings.Contains(errText, "Unable to locate package") {
		t.Errorf("Got error text %q, want the apt diagnostic", errText)
	}
}

func TestDnfCleanAllAcceptsPendingUpdates(t *testing.T) {
	f := &fakeRunner{responses: map[string]response{
		"dnf check-update": {exit: 100},
	}}
	d := &Dnf{run: f.run, pms: "dnf"}

	if !d.CleanAll(context.Background()) {
		t.Error("CleanAll() failed on check-update exit 100")
	}
}

func TestDnfQueryAllSorts(t *testing.T) {
	f := &fakeRunner{responses: map[string]response{
		"rpm --queryformat": {stdout: "zsh_5.9-1_x86_64.rpm\nbash_5.2-1_x86_64.rpm\n"},
	}}
	d := &Dnf{run: f.run, pms: "dnf"}

	got := d.QueryAll(context.Background())
	want := []string{"bash_5.2-1_x86_64.rpm", "zsh_5.9-1_x86_64.rpm"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("QueryAll() = %v, want %v", got, want)
	}
}

func TestZypperAvailablePackages(t *testing.T) {
	f := &fakeRunner{responses: map[string]response{
		"zypper --quiet packages": {stdout: `S | Repository | Name  | Version | Arch
--+------------+-------+---------+-------
  | Main       | vim   | 9.0-1   | x86_64
  | Main       | emacs | 29.1-1  | x86_64
`},
	}}
	z := NewZypper(f.run)

	got := z.AvailablePackages(context.Background())
	want := []string{"emacs", "vim"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AvailablePackages() = %v, want %v", got, want)
	}
}

func TestErrorTextFallsBackToExitStatus(t *testing.T) {
	if got := errorText("  ", 7); got != "exit status 7" {
		t.Errorf("errorText() = %q, want exit status fallback", got)
	}
	if got := errorText("boom\n", 1); got != "boom" {
		t.Errorf("errorText() = %q, want trimmed stderr", got)
	}
}
