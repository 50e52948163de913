//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDBPath creates a temporary recording store path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "recordings.db")
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.toml")
}

// WriteEventLog writes a JSON-lines event log for feeding watch and export
func WriteEventLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	var data []byte
	for _, line := range lines {
		data = append(data, line...)
		data = append(data, '\n')
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write event log: %v", err)
	}
	return path
}

// SampleRun returns an event log for a small run that spawns one worker
// under a nursery and winds down cleanly
func SampleRun(t *testing.T) string {
	t.Helper()
	return WriteEventLog(t,
		`{"kind":"task_spawned","id":"t0","name":"main","ts":1000}`,
		`{"kind":"task_scheduled","id":"t0","ts":1500}`,
		`{"kind":"nursery_opened","id":"n1","parent":"t0","name":"workers","ts":2000}`,
		`{"kind":"task_spawned","id":"t1","parent":"n1","name":"worker","ts":2500}`,
		`{"kind":"task_scheduled","id":"t1","ts":3000}`,
		`{"kind":"task_exited","id":"t1","ts":4000}`,
		`{"kind":"nursery_closing","id":"n1","ts":4500}`,
		`{"kind":"nursery_closed","id":"n1","ts":5000}`,
		`{"kind":"task_exited","id":"t0","ts":5500}`,
		`{"kind":"stream_end"}`,
	)
}
