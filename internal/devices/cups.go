package devices

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CUPS drives the local CUPS scheduler through lpadmin and lpstat.
type CUPS struct {
	run cupsRunner
}

type cupsRunner func(ctx context.Context, name string, args ...string) (int, string, string)

func NewCUPS() *CUPS {
	return &CUPS{run: execCUPS}
}

func execCUPS(ctx context.Context, name string, args ...string) (int, string, string) {
	cmd := exec.CommandContext(ctx, name, args...)

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

func (c *CUPS) Connect(ctx context.Context) ConnStatus {
	if _, err := exec.LookPath("lpstat"); err != nil {
		return ConnNotInstalled
	}

	exit, stdout, _ := c.run(ctx, "lpstat", "-r")
	if exit != 0 {
		return ConnFailed
	}
	if !strings.Contains(stdout, "is running") {
		return ConnNotRunning
	}
	return ConnOK
}

// Printers returns the installed printers with their description,
// location and device URI, combining lpstat -l -p and lpstat -v output.
func (c *CUPS) Printers(ctx context.Context) (map[string]PrinterState, error) {
	printers := make(map[string]PrinterState)

	exit, stdout, stderr := c.run(ctx, "lpstat", "-l", "-p")
	if exit != 0 {
		// lpstat fails when no destinations exist
		if strings.Contains(stderr, "No destinations") || strings.Contains(stdout, "No destinations") {
			return printers, nil
		}
		return nil, fmt.Errorf("lpstat -l -p failed: %s", strings.TrimSpace(stderr))
	}

	var current string
	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "printer "):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				current = fields[1]
				printers[current] = PrinterState{}
			}
		case current != "":
			trimmed := strings.TrimSpace(line)
			state := printers[current]
			if v, ok := strings.CutPrefix(trimmed, "Description: "); ok {
				state.Info = v
			} else if v, ok := strings.CutPrefix(trimmed, "Location: "); ok {
				state.Location = v
			}
			printers[current] = state
		}
	}

	exit, stdout, _ = c.run(ctx, "lpstat", "-v")
	if exit == 0 {
		for _, line := range strings.Split(stdout, "\n") {
			rest, ok := strings.CutPrefix(line, "device for ")
			if !ok {
				continue
			}
			name, uri, found := strings.Cut(rest, ": ")
			if !found {
				continue
			}
			if state, ok := printers[name]; ok {
				state.URI = strings.TrimSpace(uri)
				printers[name] = state
			}
		}
	}

	return printers, nil
}

func (c *CUPS) Install(ctx context.Context, device *Logical) error {
	args := []string{
		"-p", device.Name,
		"-v", device.URI,
		"-D", device.Info,
		"-L", device.Location,
		"-P", device.Driver,
		"-E",
	}
	if exit, _, stderr := c.run(ctx, "lpadmin", args...); exit != 0 {
		return fmt.Errorf("lpadmin failed: %s", strings.TrimSpace(stderr))
	}

	// accept jobs and enable, matching lpadmin -E semantics on older cups
	c.run(ctx, "cupsaccept", device.Name)
	c.run(ctx, "cupsenable", device.Name)

	return nil
}

func (c *CUPS) Delete(ctx context.Context, name string) error {
	if exit, _, stderr := c.run(ctx, "lpadmin", "-x", name); exit != 0 {
		return fmt.Errorf("lpadmin -x failed: %s", strings.TrimSpace(stderr))
	}
	return nil
}

func (c *CUPS) Default(ctx context.Context) (string, error) {
	exit, stdout, stderr := c.run(ctx, "lpstat", "-d")
	if exit != 0 {
		return "", fmt.Errorf("lpstat -d failed: %s", strings.TrimSpace(stderr))
	}

	_, name, found := strings.Cut(stdout, "system default destination: ")
	if !found {
		return "", nil
	}
	return strings.TrimSpace(strings.Split(name, "\n")[0]), nil
}

func (c *CUPS) SetDefault(ctx context.Context, name string) error {
	if exit, _, stderr := c.run(ctx, "lpadmin", "-d", name); exit != 0 {
		return fmt.Errorf("lpadmin -d failed: %s", strings.TrimSpace(stderr))
	}
	return nil
}
