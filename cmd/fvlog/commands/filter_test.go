package commands

import (
	"testing"

	"github.com/nerrad567/fvgateway/internal/buslog"
)

func TestFilterOptionsBuild(t *testing.T) {
	filter, err := FilterOptions{
		Origin:           "Relay",
		Status:           "timeout",
		Controller:       "G2",
		TimeStart:        "2026-03-02T09:00:00Z",
		TransactionsOnly: true,
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if filter.Origin != "relay" {
		t.Errorf("Origin = %q, want relay", filter.Origin)
	}
	if filter.Status == nil || *filter.Status != buslog.StatusTimeout {
		t.Errorf("Status = %v, want TIMEOUT", filter.Status)
	}
	if filter.Controller != "G2" {
		t.Errorf("Controller = %q, want G2", filter.Controller)
	}
	if filter.TimeStart == nil || !filter.TimeStart.Equal(testStart) {
		t.Errorf("TimeStart = %v, want %v", filter.TimeStart, testStart)
	}
	if filter.TimeEnd != nil {
		t.Errorf("TimeEnd = %v, want nil", filter.TimeEnd)
	}
	if filter.Kind == nil || *filter.Kind != buslog.KindTransaction {
		t.Errorf("Kind = %v, want TX", filter.Kind)
	}
}

func TestFilterOptionsBuildEmpty(t *testing.T) {
	filter, err := FilterOptions{}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if filter.Status != nil || filter.Kind != nil || filter.Origin != "" {
		t.Errorf("empty options built a restrictive filter: %+v", filter)
	}
}

func TestFilterOptionsBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		opts FilterOptions
	}{
		{"bad origin", FilterOptions{Origin: "mqtt"}},
		{"bad status", FilterOptions{Status: "maybe"}},
		{"bad time-start", FilterOptions{TimeStart: "yesterday"}},
		{"bad time-end", FilterOptions{TimeEnd: "2026-13-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Build(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseOrigin(t *testing.T) {
	for _, in := range []string{"gateway", "GATEWAY", "relay"} {
		if _, err := ParseOrigin(in); err != nil {
			t.Errorf("ParseOrigin(%q) failed: %v", in, err)
		}
	}
	if _, err := ParseOrigin(""); err == nil {
		t.Error("ParseOrigin(\"\") should fail")
	}
}
