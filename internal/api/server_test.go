package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/scheduler"
	"github.com/growlancer/sdr/internal/sources"
	"github.com/growlancer/sdr/internal/storage"
	"github.com/growlancer/sdr/internal/testutil"
)

func testServer(t *testing.T) (*Server, *storage.RuleStore, *storage.AuditStore, *httptest.Server) {
	t.Helper()

	db := testutil.TestDB(t)
	rules := storage.NewRuleStore(db)
	audits := storage.NewAuditStore(db)

	s := New(Config{
		Host:   "localhost",
		Port:   0,
		Rules:  rules,
		Audits: audits,
	})
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	return s, rules, audits, srv
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

// =============================================================================
// Endpoint Tests
// =============================================================================

func TestHealthz(t *testing.T) {
	_, _, _, srv := testServer(t)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatus(t *testing.T) {
	db := testutil.TestDB(t)

	sched := scheduler.New("")
	if err := sched.AddInterval("inbound_poll", time.Minute, 0, false, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddInterval() error = %v", err)
	}

	breaker := sources.NewCircuitBreaker(2, time.Minute)
	breaker.RecordFailure("gmail")
	breaker.RecordFailure("gmail")

	s := New(Config{
		Scheduler: sched,
		Breaker:   breaker,
		Rules:     storage.NewRuleStore(db),
		Audits:    storage.NewAuditStore(db),
	})
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	var body struct {
		UptimeSeconds int64                            `json:"uptime_seconds"`
		Scheduler     *scheduler.Stats                 `json:"scheduler"`
		Tasks         []scheduler.TaskStatus           `json:"tasks"`
		Sources       map[string]sources.BreakerStatus `json:"sources"`
	}
	resp := getJSON(t, srv.URL+"/api/status", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if body.Scheduler == nil || body.Scheduler.Tasks != 1 {
		t.Errorf("scheduler = %+v, want 1 task", body.Scheduler)
	}
	if len(body.Tasks) != 1 || body.Tasks[0].Name != "inbound_poll" {
		t.Errorf("tasks = %+v", body.Tasks)
	}
	gmail, ok := body.Sources["gmail"]
	if !ok || !gmail.Open || gmail.Failures != 2 {
		t.Errorf("sources = %+v, want gmail open with 2 failures", body.Sources)
	}
}

func TestRules(t *testing.T) {
	_, rules, _, srv := testServer(t)

	var empty []*core.LearnedRule
	resp := getJSON(t, srv.URL+"/api/rules", &empty)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(empty) != 0 {
		t.Errorf("rules = %+v, want empty", empty)
	}

	if _, err := rules.Insert("Keep replies under four sentences", 0.85); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	var got []*core.LearnedRule
	getJSON(t, srv.URL+"/api/rules", &got)
	if len(got) != 1 || got[0].RuleText != "Keep replies under four sentences" {
		t.Errorf("rules = %+v", got)
	}
}

func TestAuditRecent(t *testing.T) {
	_, _, audits, srv := testServer(t)

	for _, action := range []string{"message_received", "classified", "draft_created"} {
		if err := audits.Log(&storage.LocalAuditEntry{Action: action}); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	var entries []*storage.LocalAuditEntry
	resp := getJSON(t, srv.URL+"/api/audit/recent?limit=2", &entries)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Action != "draft_created" {
		t.Errorf("entries[0].Action = %q, want draft_created", entries[0].Action)
	}
}

func TestAuditRecent_BadLimit(t *testing.T) {
	_, _, _, srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/audit/recent?limit=banana")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestReadOnly_NoMutatingMethods(t *testing.T) {
	_, _, _, srv := testServer(t)

	resp, err := http.Post(srv.URL+"/api/rules", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

// =============================================================================
// Websocket Tests
// =============================================================================

func TestEvents_StreamsAuditEntries(t *testing.T) {
	_, _, audits, srv := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription races the dial; give the handler a moment to attach.
	time.Sleep(50 * time.Millisecond)

	if err := audits.Log(&storage.LocalAuditEntry{
		Action:  "sent",
		TraceID: "out_recM0001",
		Details: map[string]interface{}{"channel": "Gmail"},
	}); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var entry storage.LocalAuditEntry
	if err := conn.ReadJSON(&entry); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if entry.Action != "sent" || entry.TraceID != "out_recM0001" {
		t.Errorf("entry = %+v", entry)
	}
}
