// Package script executes server-supplied code snippets under an
// interpreter allow-list and a wall-clock timeout.
package script

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds each snippet's wall-clock run time.
	DefaultTimeout = 60 * time.Second

	scriptFilePerm = 0o600
)

// Evaluator runs property and fault snippets. Callers interpret the result
// with opposite polarity: attribute evaluation treats empty output as
// failure, fault evaluation treats non-empty output as a detected fault.
type Evaluator struct {
	timeout time.Duration
	debug   bool
}

// New returns an evaluator with the given timeout; zero selects the
// default.
func New(timeout time.Duration, debug bool) *Evaluator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout, debug: debug}
}

// interpreter maps a server-declared language to the local command line.
// Languages outside the platform allow-list return ok=false and the
// snippet degrades to a no-op rather than an error.
func interpreter(language string) (name string, args []string, ok bool) {
	switch language {
	case "python":
		if runtime.GOOS == "windows" {
			return "python", nil, true
		}
		return "python3", nil, true
	case "perl", "php", "ruby":
		return language, nil, true
	case "bash", "sh":
		if runtime.GOOS != "windows" {
			return language, nil, true
		}
	case "cmd":
		if runtime.GOOS == "windows" {
			return "cmd", []string{"/c"}, true
		}
	case "powershell":
		if runtime.GOOS == "windows" {
			return "powershell", []string{"-File"}, true
		}
	}
	return "", nil, false
}

// Evaluate writes code to a private temporary file and executes it with
// the interpreter declared by language. It returns the exit status, the
// captured stdout and any error text. An unsupported language is a no-op:
// success, empty output. A snippet exceeding the timeout is killed and
// reported as failed.
func (e *Evaluator) Evaluate(ctx context.Context, name, language, code string) (exitStatus int, output, errorText string) {
	code = strings.TrimSpace(strings.ReplaceAll(code, "\r", ""))

	if e.debug {
		log.Printf("[DEBUG] Evaluating %s (language: %s, %d bytes)", name, language, len(code))
	}

	bin, args, ok := interpreter(language)
	if !ok {
		// graceful degradation, not an error
		log.Printf("[WARN] Language %q is not allowed on %s, skipping %s", language, runtime.GOOS, name)
		return 0, "", ""
	}

	file, err := os.CreateTemp("", "migasfree-script-")
	if err != nil {
		return -1, "", "failed to create script file: " + err.Error()
	}
	defer func() {
		if err := os.Remove(file.Name()); err != nil {
			log.Printf("[WARN] Error removing script file: %v", err)
		}
	}()

	if err := file.Chmod(scriptFilePerm); err != nil {
		log.Printf("[WARN] Error restricting script file mode: %v", err)
	}
	if _, err := file.WriteString(code); err != nil {
		_ = file.Close()
		return -1, "", "failed to write script file: " + err.Error()
	}
	if err := file.Close(); err != nil {
		return -1, "", "failed to close script file: " + err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, append(args, file.Name())...) //nolint:gosec // interpreter comes from the allow-list

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	duration := time.Since(start)

	output = stdout.String()
	errorText = stderr.String()

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		log.Printf("[WARN] Script %s expired its %v timeout", name, e.timeout)
		return 1, "", name + " command expired timeout"
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitStatus = exitErr.ExitCode()
		} else {
			exitStatus = -1
			errorText = err.Error()
		}
		log.Printf("[ERROR] Script %s failed (exit %d) in %v: %s", name, exitStatus, duration, strings.TrimSpace(errorText))
	}

	if e.debug {
		log.Printf("[DEBUG] Script %s completed in %v (exit %d, %d bytes output)", name, duration, exitStatus, len(output))
	}

	return exitStatus, output, errorText
}
