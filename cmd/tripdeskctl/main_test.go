package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]interface{}
}

func newFakeServer(t *testing.T, status int, reply string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &rec.body)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandsHitExpectedEndpoints(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		path   string
		query  string
	}{
		{"sweep", []string{"sweep"}, "POST", "/api/v1/sweeps", ""},
		{"trip requests", []string{"requests", "trip", "kyoto"}, "GET", "/api/v1/trips/kyoto/requests", ""},
		{"sensei requests", []string{"requests", "sensei", "alpha"}, "GET", "/api/v1/senseis/alpha/requests", ""},
		{"respond", []string{"respond", "r1", "accept"}, "POST", "/api/v1/requests/r1/respond", ""},
		{"override", []string{"override", "kyoto", "alpha", "--admin"}, "POST", "/api/v1/trips/kyoto/override", ""},
		{"alerts list", []string{"alerts", "list", "--all"}, "GET", "/api/v1/alerts", "include_resolved=true"},
		{"alerts resolve", []string{"alerts", "resolve", "kyoto"}, "POST", "/api/v1/trips/kyoto/escalation/resolve", ""},
		{"settings get", []string{"settings", "get"}, "GET", "/api/v1/settings", ""},
		{"settings set", []string{"settings", "set", "min_match_score=70"}, "PUT", "/api/v1/settings", ""},
		{"events", []string{"events", "--trip", "kyoto", "--limit", "5"}, "GET", "/api/v1/events", "limit=5&trip_id=kyoto"},
		{"health", []string{"health"}, "GET", "/api/v1/health", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newFakeServer(t, http.StatusOK, `{"ok":true}`)
			out, err := run(t, srv, tt.args...)
			if err != nil {
				t.Fatalf("command failed: %v (%s)", err, out)
			}
			if rec.method != tt.method || rec.path != tt.path {
				t.Errorf("expected %s %s, got %s %s", tt.method, tt.path, rec.method, rec.path)
			}
			if rec.query != tt.query {
				t.Errorf("expected query %q, got %q", tt.query, rec.query)
			}
			if !strings.Contains(out, `"ok": true`) {
				t.Errorf("expected pretty JSON output, got %q", out)
			}
		})
	}
}

func TestRespondSendsDecisionAndReason(t *testing.T) {
	srv, rec := newFakeServer(t, http.StatusOK, `{}`)
	if _, err := run(t, srv, "respond", "r1", "decline", "--reason", "family event"); err != nil {
		t.Fatal(err)
	}
	if rec.body["decision"] != "decline" || rec.body["reason"] != "family event" {
		t.Errorf("unexpected body %v", rec.body)
	}
}

func TestRespondRejectsBadDecision(t *testing.T) {
	srv, rec := newFakeServer(t, http.StatusOK, `{}`)
	if _, err := run(t, srv, "respond", "r1", "maybe"); err == nil {
		t.Fatal("expected error for unknown decision")
	}
	if rec.method != "" {
		t.Error("no request should be sent for an invalid decision")
	}
}

func TestServerErrorIsReturned(t *testing.T) {
	srv, _ := newFakeServer(t, http.StatusConflict, `{"error":"request no longer available"}`)
	_, err := run(t, srv, "respond", "r1", "accept")
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected 409 error, got %v", err)
	}
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"min_match_score=70", "enabled=false", "escalate_after_retries=1"})
	if err != nil {
		t.Fatal(err)
	}
	if got["min_match_score"] != 70 || got["enabled"] != false || got["escalate_after_retries"] != 1 {
		t.Errorf("unexpected patch %v", got)
	}

	for _, bad := range []string{"novalue", "=3", "min_match_score=high"} {
		if _, err := parseAssignments([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
