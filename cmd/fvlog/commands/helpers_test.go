package commands

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/fvgateway/internal/buslog"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// createTestCapture writes events to a capture file and returns its path.
func createTestCapture(t *testing.T, events []buslog.Event) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.fvcap")
	w, err := buslog.Open(path)
	if err != nil {
		t.Fatalf("failed to create capture: %v", err)
	}
	for _, ev := range events {
		if err := w.Log(ev); err != nil {
			t.Fatalf("failed to write event: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close capture: %v", err)
	}
	return path
}

func sampleEvents() []buslog.Event {
	return []buslog.Event{
		{
			Timestamp: testStart, Kind: buslog.KindTransaction, Origin: "gateway",
			Controller: "F1", Command: "SELECT F1", Reply: "F1 SELECTED",
			Status: buslog.StatusOK, Duration: 12 * time.Millisecond,
		},
		{
			Timestamp: testStart.Add(time.Second), Kind: buslog.KindTransaction, Origin: "gateway",
			Controller: "F1", Register: "t0", Command: "READ t0", Reply: "t0 = 215",
			Status: buslog.StatusOK, Duration: 20 * time.Millisecond,
		},
		{
			Timestamp: testStart.Add(time.Second), Kind: buslog.KindState,
			Origin: "gateway", Controller: "F1", Register: "t0", Value: "21.5",
		},
		{
			Timestamp: testStart.Add(2 * time.Second), Kind: buslog.KindTransaction, Origin: "relay",
			Session: "3f2a9c1e", Controller: "G2", Command: "SELECT G2",
			Status: buslog.StatusTimeout, Duration: time.Second,
		},
		{
			Timestamp: testStart.Add(3 * time.Second), Kind: buslog.KindTransaction, Origin: "relay",
			Session: "3f2a9c1e", Controller: "G2", Command: "READ t1", Reply: "t1 = \x01",
			Status: buslog.StatusCorrupt, Duration: 30 * time.Millisecond,
		},
	}
}
