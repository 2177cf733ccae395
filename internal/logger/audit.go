package logger

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"

	"github.com/gzhole/skillshield/internal/redact"
)

// defaultMaxLogBytes is the size at which the audit log is rotated to <path>.1.
const defaultMaxLogBytes = 10 << 20

// AuditEvent is one line of the audit trail, written per completed scan.
type AuditEvent struct {
	Timestamp  string            `json:"timestamp"`
	ScanID     string            `json:"scan_id"`
	Package    string            `json:"package"`
	Path       string            `json:"path"`
	Mode       string            `json:"mode"`
	Tier       string            `json:"tier"`
	Score      int               `json:"score"`
	Incomplete bool              `json:"incomplete,omitempty"`
	Stages     map[string]string `json:"stages,omitempty"`
	Headline   []string          `json:"headline_rules,omitempty"`
	Gaps       []string          `json:"gaps,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// AuditLogger appends AuditEvents as JSON lines. Appends take an advisory
// file lock so concurrent scans sharing one log do not interleave lines.
type AuditLogger struct {
	path     string
	maxBytes int64
	mu       sync.Mutex
}

// New prepares an audit logger at path, creating the file with 0600.
func New(path string) (*AuditLogger, error) {
	f, err := lockedfile.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open audit log %s", path)
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close audit log")
	}
	return &AuditLogger{path: path, maxBytes: defaultMaxLogBytes}, nil
}

// Log redacts and appends one event.
func (l *AuditLogger) Log(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Path = redact.Redact(event.Path)
	if event.Error != "" {
		event.Error = redact.Redact(event.Error)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit event")
	}
	data = append(data, '\n')

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}

	f, err := lockedfile.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to open audit log")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to append audit event")
	}
	return f.Close()
}

func (l *AuditLogger) rotateIfNeeded() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to stat audit log")
	}
	if info.Size() < l.maxBytes {
		return nil
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return errors.Wrap(err, "failed to rotate audit log")
	}
	return nil
}

// Close is a no-op kept so callers can defer it; each Log call opens and
// closes the file itself.
func (l *AuditLogger) Close() error {
	return nil
}
