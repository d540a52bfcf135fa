package devices

import (
	"context"
	"fmt"
	"log"
)

// ConnStatus is the result of probing the print service.
type ConnStatus int

const (
	ConnOK ConnStatus = iota
	ConnNotRunning
	ConnNotInstalled
	ConnFailed
)

// PrinterState is what the print system reports for an installed
// printer.
type PrinterState struct {
	Info     string
	Location string
	URI      string
}

// Backend abstracts the host print system. The production backend talks
// to CUPS; tests supply a fake.
type Backend interface {
	Connect(ctx context.Context) ConnStatus
	Printers(ctx context.Context) (map[string]PrinterState, error)
	Install(ctx context.Context, device *Logical) error
	Delete(ctx context.Context, name string) error
	Default(ctx context.Context) (string, error)
	SetDefault(ctx context.Context, name string) error
}

// Assignment is the device set the server assigns to this computer.
type Assignment struct {
	Logical []Descriptor `json:"logical"`
	Default int          `json:"default"`
}

// Reconciler drives the installed printers toward the assigned set.
type Reconciler struct {
	backend    Backend
	markersDir string
	reportErr  func(msg string)
}

// NewReconciler builds a reconciler. markersDir holds the per-device
// driver checksums; reportErr receives every non-fatal problem so the
// caller can accumulate it for upload.
func NewReconciler(backend Backend, markersDir string, reportErr func(string)) *Reconciler {
	if reportErr == nil {
		reportErr = func(string) {}
	}
	return &Reconciler{backend: backend, markersDir: markersDir, reportErr: reportErr}
}

// Reconcile applies the assignment: removes managed printers no longer
// desired, reinstalls the ones that drifted, and sets the default. It
// returns false when the print service is unusable or the default could
// not be set.
func (r *Reconciler) Reconcile(ctx context.Context, assignment Assignment) bool {
	desired := make(map[int]*Logical, len(assignment.Logical))
	for _, d := range assignment.Logical {
		l := NewLogical(d)
		desired[l.ID] = l
	}

	switch r.backend.Connect(ctx) {
	case ConnOK:
	case ConnNotRunning:
		msg := "printer service is not running"
		log.Printf("[ERROR] %s", msg)
		r.reportErr(msg)
		return false
	case ConnNotInstalled:
		msg := "printer service is required; otherwise set manage_devices to false"
		log.Printf("[ERROR] %s", msg)
		r.reportErr(msg)
		return false
	default:
		msg := "failed to connect to printer service"
		log.Printf("[ERROR] %s", msg)
		r.reportErr(msg)
		return false
	}

	printers, err := r.backend.Printers(ctx)
	if err != nil {
		msg := fmt.Sprintf("failed to get printers information: %v", err)
		log.Printf("[ERROR] %s", msg)
		r.reportErr(msg)
		return false
	}

	for name, state := range printers {
		id, managed := IDFromInfo(state.Info)
		if !managed {
			continue
		}
		if l, ok := desired[id]; ok {
			l.PrinterName = name
			l.PrinterInfo = state.Info
			l.PrinterLocation = state.Location
			l.PrinterURI = state.URI
			l.matched = true
			continue
		}

		log.Printf("[INFO] Removing device: %s", name)
		if err := r.backend.Delete(ctx, name); err != nil {
			msg := fmt.Sprintf("error removing device %s: %v", name, err)
			log.Printf("[ERROR] %s", msg)
			r.reportErr(msg)
		}
	}

	for _, l := range desired {
		if l.Driver == "" {
			msg := fmt.Sprintf("no driver defined for device %s", l.Name)
			log.Printf("[ERROR] %s", msg)
			r.reportErr(msg)
			continue
		}

		if !l.Changed(r.markersDir) {
			continue
		}

		log.Printf("[INFO] Installing device: %s", l.Name)
		if l.matched {
			if err := r.backend.Delete(ctx, l.PrinterName); err != nil {
				log.Printf("[WARN] Failed to remove stale printer %s: %v", l.PrinterName, err)
			}
			l.RemoveMarker(r.markersDir)
		}
		if err := r.backend.Install(ctx, l); err != nil {
			msg := fmt.Sprintf("error installing device %s: %v", l.Name, err)
			log.Printf("[ERROR] %s", msg)
			r.reportErr(msg)
			continue
		}
		if err := l.WriteMarker(r.markersDir); err != nil {
			log.Printf("[WARN] Failed to record driver checksum for %s: %v", l.Name, err)
		}
	}

	return r.applyDefault(ctx, assignment.Default, desired)
}

func (r *Reconciler) applyDefault(ctx context.Context, id int, desired map[int]*Logical) bool {
	if id == 0 {
		return true
	}
	l, ok := desired[id]
	if !ok {
		return true
	}

	current, err := r.backend.Default(ctx)
	if err == nil {
		if currentID, managed := r.defaultID(ctx, current); managed && currentID == id {
			return true
		}
	}

	name := l.Name
	if name == "" {
		name = l.PrinterName
	}
	log.Printf("[INFO] Setting default device: %s", name)
	if err := r.backend.SetDefault(ctx, name); err != nil {
		msg := fmt.Sprintf("error setting default device %s: %v", name, err)
		log.Printf("[ERROR] %s", msg)
		r.reportErr(msg)
		return false
	}
	return true
}

// defaultID resolves the logical id of an installed printer by name.
func (r *Reconciler) defaultID(ctx context.Context, name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	printers, err := r.backend.Printers(ctx)
	if err != nil {
		return 0, false
	}
	state, ok := printers[name]
	if !ok {
		return 0, false
	}
	return IDFromInfo(state.Info)
}
