package sync

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrorLog accumulates the non-fatal problems hit during a run. Entries
// survive process death in a file and are uploaded to the server by the
// next successful synchronization.
type ErrorLog struct {
	mu   sync.Mutex
	path string
}

func NewErrorLog(path string) *ErrorLog {
	return &ErrorLog{path: path}
}

// Append records one entry. Failures to persist are logged and dropped;
// error reporting must never abort the run it reports on.
func (e *ErrorLog) Append(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := fmt.Sprintf("%s\n%s\n%s\n\n",
		strings.Repeat("-", 20),
		time.Now().Format("2006-01-02 15:04:05"),
		msg)

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		log.Printf("[WARN] Failed to create error log directory: %v", err)
		return
	}

	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[WARN] Failed to open error log: %v", err)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("[WARN] Error closing error log: %v", err)
		}
	}()

	if _, err := f.WriteString(entry); err != nil {
		log.Printf("[WARN] Failed to append to error log: %v", err)
	}
}

// Pending returns the accumulated content, empty when nothing is queued.
func (e *ErrorLog) Pending() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := os.ReadFile(e.path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Clear truncates the log once its content has been delivered.
func (e *ErrorLog) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	_ = os.Remove(e.path)
}
