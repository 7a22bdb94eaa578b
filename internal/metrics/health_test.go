package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLivenessIsAlwaysOK(t *testing.T) {
	checker := NewHealthChecker(nil)
	if !checker.Liveness().OK {
		t.Fatal("liveness should always return OK=true")
	}
}

func TestReadinessAggregatesProbes(t *testing.T) {
	checker := NewHealthChecker([]Probe{
		{Name: "fast", Check: func(context.Context) (bool, []string) { return true, nil }},
		{Name: "archive", Check: func(context.Context) (bool, []string) {
			return false, []string{"bucket unreachable"}
		}},
	})

	status := checker.Readiness()
	if status.OK {
		t.Fatal("one failing probe must fail readiness")
	}
	if len(status.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %v", status.Checks)
	}
	for _, c := range status.Checks {
		switch c.Name {
		case "fast":
			if c.Status != "ok" {
				t.Errorf("fast = %+v", c)
			}
		case "archive":
			if c.Status != "error" || c.Error != "bucket unreachable" {
				t.Errorf("archive = %+v", c)
			}
		default:
			t.Errorf("unexpected check %q", c.Name)
		}
	}
}

func TestReadinessStatusCode(t *testing.T) {
	checker := NewHealthChecker([]Probe{
		{Name: "down", Check: func(context.Context) (bool, []string) { return false, nil }},
	})

	rec := httptest.NewRecorder()
	writeStatus(rec, checker.Readiness())
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if status.OK {
		t.Error("body says OK for a failing probe")
	}
}
