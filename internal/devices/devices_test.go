package devices

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLogicalTCP(t *testing.T) {
	l := NewLogical(Descriptor{
		ID:           12,
		Manufacturer: "HP",
		Model:        "LaserJet",
		Capability:   "PRINTER",
		Name:         "hall",
		Driver:       "/usr/share/ppd/laserjet.ppd",
		TCP: map[string]any{
			"IP":       "10.0.0.5",
			"PORT":     "",
			"LOCATION": "first floor",
		},
	})

	if l.URI != "socket://10.0.0.5:9100" {
		t.Errorf("Got URI %q, want socket with default port", l.URI)
	}
	if l.Location != "first floor" {
		t.Errorf("Got location %q", l.Location)
	}
	if l.Info != "HP__LaserJet__PRINTER__hall__12" {
		t.Errorf("Got info %q", l.Info)
	}
	if l.Name != "HP__LaserJet__PRINTER__hall" {
		t.Errorf("Got name %q", l.Name)
	}
}

func TestNewLogicalNameOverrideAndWrapper(t *testing.T) {
	l := NewLogical(Descriptor{
		ID:           3,
		Manufacturer: "Epson",
		Model:        "TM20",
		Capability:   "TICKET",
		Name:         "bar",
		USB: map[string]any{
			"NAME":        "tickets",
			"PORT":        "1",
			"CUPSWRAPPER": "cupswrapper",
		},
	})

	if l.URI != "cupswrapper:parallel:/dev/usb/lp1" {
		t.Errorf("Got URI %q, want wrapper prefix", l.URI)
	}
	if l.Name != "tickets__TICKET__bar" {
		t.Errorf("Got name %q, want connection NAME override", l.Name)
	}
}

func TestIDFromInfo(t *testing.T) {
	tests := []struct {
		info string
		id   int
		ok   bool
	}{
		{"HP__LaserJet__PRINTER__hall__12", 12, true},
		{"HP__LaserJet__PRINTER__hall", 0, false},
		{"HP__LaserJet__PRINTER__hall__twelve", 0, false},
		{"plain printer added by hand", 0, false},
	}

	for _, tt := range tests {
		id, ok := IDFromInfo(tt.info)
		if id != tt.id || ok != tt.ok {
			t.Errorf("IDFromInfo(%q) = (%d, %v), want (%d, %v)", tt.info, id, ok, tt.id, tt.ok)
		}
	}
}

type fakeBackend struct {
	status    ConnStatus
	printers  map[string]PrinterState
	defName   string
	installed []string
	deleted   []string
	defaulted []string
}

func (f *fakeBackend) Connect(context.Context) ConnStatus { return f.status }

func (f *fakeBackend) Printers(context.Context) (map[string]PrinterState, error) {
	return f.printers, nil
}

func (f *fakeBackend) Install(_ context.Context, device *Logical) error {
	f.installed = append(f.installed, device.Name)
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeBackend) Default(context.Context) (string, error) { return f.defName, nil }

func (f *fakeBackend) SetDefault(_ context.Context, name string) error {
	f.defaulted = append(f.defaulted, name)
	f.defName = name
	return nil
}

func writeDriver(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driver.ppd")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func hallDescriptor(driver string) Descriptor {
	return Descriptor{
		ID:           7,
		Manufacturer: "HP",
		Model:        "LJ",
		Capability:   "PRINTER",
		Name:         "hall",
		Driver:       driver,
		TCP:          map[string]any{"IP": "10.0.0.5", "PORT": "9100", "LOCATION": ""},
	}
}

func TestReconcileLeavesUnchangedDeviceAlone(t *testing.T) {
	markers := t.TempDir()
	driver := writeDriver(t, "ppd contents")
	desc := hallDescriptor(driver)

	l := NewLogical(desc)
	if err := l.WriteMarker(markers); err != nil {
		t.Fatal(err)
	}

	backend := &fakeBackend{
		status: ConnOK,
		printers: map[string]PrinterState{
			l.Name: {Info: l.Info, Location: l.Location, URI: l.URI},
		},
	}
	r := NewReconciler(backend, markers, nil)

	if !r.Reconcile(context.Background(), Assignment{Logical: []Descriptor{desc}}) {
		t.Fatal("Reconcile failed")
	}
	if len(backend.installed) != 0 {
		t.Errorf("Unchanged device was reinstalled: %v", backend.installed)
	}
	if len(backend.deleted) != 0 {
		t.Errorf("Unchanged device was removed: %v", backend.deleted)
	}
}

func TestReconcileRemovesStaleManagedPrinter(t *testing.T) {
	backend := &fakeBackend{
		status: ConnOK,
		printers: map[string]PrinterState{
			"old__printer__gone": {Info: "Acme__X__PRINTER__old__99"},
			"handmade":           {Info: "added by the admin"},
		},
	}
	r := NewReconciler(backend, t.TempDir(), nil)

	if !r.Reconcile(context.Background(), Assignment{}) {
		t.Fatal("Reconcile failed")
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != "old__printer__gone" {
		t.Errorf("Got deleted %v, want only the managed stale printer", backend.deleted)
	}
}

func TestReconcileReinstallsDriftedDevice(t *testing.T) {
	markers := t.TempDir()
	driver := writeDriver(t, "ppd contents")
	desc := hallDescriptor(driver)
	l := NewLogical(desc)
	if err := l.WriteMarker(markers); err != nil {
		t.Fatal(err)
	}

	backend := &fakeBackend{
		status: ConnOK,
		printers: map[string]PrinterState{
			l.Name: {Info: l.Info, Location: l.Location, URI: "socket://10.0.0.9:9100"},
		},
	}
	r := NewReconciler(backend, markers, nil)

	if !r.Reconcile(context.Background(), Assignment{Logical: []Descriptor{desc}}) {
		t.Fatal("Reconcile failed")
	}
	if len(backend.installed) != 1 || backend.installed[0] != l.Name {
		t.Errorf("Got installed %v, want the drifted device", backend.installed)
	}
}

func TestReconcileInstallsMissingDeviceAndSetsDefault(t *testing.T) {
	markers := t.TempDir()
	driver := writeDriver(t, "ppd contents")
	desc := hallDescriptor(driver)
	l := NewLogical(desc)

	backend := &fakeBackend{status: ConnOK, printers: map[string]PrinterState{}}
	r := NewReconciler(backend, markers, nil)

	if !r.Reconcile(context.Background(), Assignment{Logical: []Descriptor{desc}, Default: 7}) {
		t.Fatal("Reconcile failed")
	}
	if len(backend.installed) != 1 {
		t.Fatalf("Got installed %v, want one install", backend.installed)
	}
	if len(backend.defaulted) != 1 || backend.defaulted[0] != l.Name {
		t.Errorf("Got defaulted %v, want %q", backend.defaulted, l.Name)
	}

	if _, err := os.Stat(filepath.Join(markers, "7.md5")); err != nil {
		t.Errorf("Driver checksum marker was not written: %v", err)
	}
}

func TestReconcileMissingDriverReportsError(t *testing.T) {
	var reported []string
	backend := &fakeBackend{status: ConnOK, printers: map[string]PrinterState{}}
	r := NewReconciler(backend, t.TempDir(), func(msg string) { reported = append(reported, msg) })

	desc := hallDescriptor("")
	if !r.Reconcile(context.Background(), Assignment{Logical: []Descriptor{desc}}) {
		t.Fatal("Reconcile failed")
	}
	if len(backend.installed) != 0 {
		t.Errorf("Device without driver was installed: %v", backend.installed)
	}
	if len(reported) == 0 {
		t.Error("Missing driver was not reported")
	}
}

func TestReconcileServiceNotRunning(t *testing.T) {
	var reported []string
	backend := &fakeBackend{status: ConnNotRunning}
	r := NewReconciler(backend, t.TempDir(), func(msg string) { reported = append(reported, msg) })

	if r.Reconcile(context.Background(), Assignment{}) {
		t.Error("Reconcile succeeded with the print service down")
	}
	if len(reported) != 1 {
		t.Errorf("Got %d reported errors, want 1", len(reported))
	}
}
