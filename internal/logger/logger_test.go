package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerFallsBackToGlobal(t *testing.T) {
	entry := G(context.Background())
	assert.Equal(t, L.Logger, entry.Logger)
	assert.Equal(t, L, G(nil)) //nolint:staticcheck
}

func TestWithLogger(t *testing.T) {
	custom := logrus.New()
	ctx := WithLogger(context.Background(), logrus.NewEntry(custom).WithField("scan", "abc"))

	entry := G(ctx)
	assert.Equal(t, custom, entry.Logger)
	assert.Equal(t, "abc", entry.Data["scan"])
}

func TestSetLogFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	orig := L.Logger.Out
	origFormatter := L.Logger.Formatter
	origLevel := L.Logger.Level
	defer func() {
		L.Logger.SetOutput(orig)
		L.Logger.Formatter = origFormatter
		L.Logger.SetLevel(origLevel)
	}()

	SetLogOutput(&buf)
	SetLogFormat("json")
	require.NoError(t, SetLogLevel("info"))

	L.WithField("stage", "pattern").Info("stage finished")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "stage finished", line["message"])
	assert.Equal(t, "info", line["logLevel"])
	assert.Equal(t, "pattern", line["stage"])
}

func TestSetLogLevelRejectsUnknown(t *testing.T) {
	assert.Error(t, SetLogLevel("chatty"))
}

func TestAuditLoggerLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	lg, err := New(logPath)
	require.NoError(t, err)
	defer func() { _ = lg.Close() }()

	require.NoError(t, lg.Log(AuditEvent{
		Timestamp: "2026-02-02T12:00:00Z",
		ScanID:    "scan-1",
		Package:   "weather",
		Path:      "/tmp/weather",
		Mode:      "static",
		Tier:      "SAFE",
	}))
	require.NoError(t, lg.Log(AuditEvent{
		ScanID: "scan-2",
		Tier:   "HIGH",
		Score:  74,
		Error:  "provider failed: api_key=abcdefghijklmnopqrstuvwxyz",
	}))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first, second AuditEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "weather", first.Package)
	assert.Equal(t, "SAFE", first.Tier)
	assert.Equal(t, 74, second.Score)
	assert.NotContains(t, second.Error, "abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, second.Error, "[REDACTED]")
}

func TestAuditLoggerRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(logPath, make([]byte, defaultMaxLogBytes), 0600))

	lg, err := New(logPath)
	require.NoError(t, err)
	require.NoError(t, lg.Log(AuditEvent{ScanID: "after-rotate", Tier: "LOW"}))

	_, err = os.Stat(logPath + ".1")
	assert.NoError(t, err)

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(defaultMaxLogBytes))
}

func TestAuditLoggerFilePermissions(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "secure.jsonl")
	_, err := New(logPath)
	require.NoError(t, err)

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
