package devhost

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker()

	if h.IsAlive() {
		t.Error("expected not alive by default")
	}
	h.SetAlive(true)
	if !h.IsAlive() {
		t.Error("expected alive after SetAlive(true)")
	}
	h.SetAlive(false)
	if h.IsAlive() {
		t.Error("expected not alive after SetAlive(false)")
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	tests := []struct {
		name   string
		ready  bool
		checks []ReadinessCheck
		want   bool
	}{
		{"not ready by default", false, nil, false},
		{"ready without checks", true, nil, true},
		{"ready when checks pass", true, []ReadinessCheck{
			func() error { return nil },
			func() error { return nil },
		}, true},
		{"root CA missing", true, []ReadinessCheck{
			func() error { return nil },
			func() error { return errors.New("root CA not initialized") },
		}, false},
		{"checks pass but not serving", false, []ReadinessCheck{
			func() error { return nil },
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			h.SetReady(tt.ready)
			h.ReadinessChecks = tt.checks
			if got := h.IsReady(); got != tt.want {
				t.Errorf("IsReady() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthChecker_HandleHealthz(t *testing.T) {
	tests := []struct {
		name       string
		alive      bool
		wantStatus int
		wantBody   string
	}{
		{"alive", true, http.StatusOK, "ok"},
		{"not alive", false, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			h.SetAlive(tt.alive)

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			h.HandleHealthz(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantBody)
			}
			if resp.Uptime == "" {
				t.Error("expected uptime in response")
			}
		})
	}
}

func TestHealthChecker_HandleReadyz(t *testing.T) {
	serve := func(h *HealthChecker) (int, HealthResponse) {
		t.Helper()
		w := httptest.NewRecorder()
		h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return w.Code, resp
	}

	t.Run("ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady(true)

		code, resp := serve(h)
		if code != http.StatusOK {
			t.Errorf("status = %d, want %d", code, http.StatusOK)
		}
		if resp.Status != "ok" {
			t.Errorf("status = %q, want ok", resp.Status)
		}
	})

	t.Run("not serving", func(t *testing.T) {
		code, resp := serve(NewHealthChecker())
		if code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
		}
		if resp.Reason != "not yet serving" {
			t.Errorf("reason = %q, want 'not yet serving'", resp.Reason)
		}
	})

	t.Run("failing checks", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady(true)
		h.ReadinessChecks = []ReadinessCheck{
			func() error { return errors.New("root CA not initialized") },
			func() error { return errors.New("hosts file unreadable") },
		}

		code, resp := serve(h)
		if code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
		}
		if len(resp.Details) != 2 {
			t.Fatalf("details = %d items, want 2", len(resp.Details))
		}
		if resp.Details[0] != "root CA not initialized" {
			t.Errorf("details[0] = %q", resp.Details[0])
		}
	})
}
