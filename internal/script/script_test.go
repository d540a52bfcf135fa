package script

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestEvaluateUnsupportedLanguageIsNoop(t *testing.T) {
	e := New(0, false)

	exit, output, errText := e.Evaluate(context.Background(), "PRF", "cobol", "DISPLAY 'HI'.")
	if exit != 0 {
		t.Errorf("Got exit %d, want 0", exit)
	}
	if output != "" || errText != "" {
		t.Errorf("Got output=%q error=%q, want empty", output, errText)
	}
}

func TestEvaluateShellOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("bash not available on windows")
	}

	e := New(0, false)
	exit, output, _ := e.Evaluate(context.Background(), "HST", "bash", "echo hello")
	if exit != 0 {
		t.Fatalf("Got exit %d, want 0", exit)
	}
	if strings.TrimSpace(output) != "hello" {
		t.Errorf("Got output %q, want hello", output)
	}
}

func TestEvaluateNonZeroExitKeepsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("bash not available on windows")
	}

	e := New(0, false)
	exit, output, _ := e.Evaluate(context.Background(), "CHK", "bash", "echo partial; exit 3")
	if exit != 3 {
		t.Errorf("Got exit %d, want 3", exit)
	}
	if strings.TrimSpace(output) != "partial" {
		t.Errorf("Got output %q, want partial", output)
	}
}

func TestEvaluateTimeoutKillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("bash not available on windows")
	}

	e := New(200*time.Millisecond, false)
	start := time.Now()
	exit, output, errText := e.Evaluate(context.Background(), "SLOW", "bash", "sleep 30")
	elapsed := time.Since(start)

	if exit == 0 {
		t.Error("Expected non-zero exit status after timeout")
	}
	if output != "" {
		t.Errorf("Got output %q, want empty", output)
	}
	if !strings.Contains(errText, "expired timeout") {
		t.Errorf("Got error text %q, want timeout notice", errText)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Evaluate took %v, the process was not killed", elapsed)
	}
}

func TestEvaluateStripsCarriageReturns(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("bash not available on windows")
	}

	e := New(0, false)
	exit, output, _ := e.Evaluate(context.Background(), "CRLF", "bash", "echo one\r\necho two\r\n")
	if exit != 0 {
		t.Fatalf("Got exit %d, want 0", exit)
	}
	if !strings.Contains(output, "one") || !strings.Contains(output, "two") {
		t.Errorf("Got output %q, want both lines", output)
	}
}
