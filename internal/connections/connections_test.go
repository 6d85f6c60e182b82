package connections

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/testutil"
)

type fakeEvaluator struct {
	evals map[string]*core.ConnectionEvaluation
	err   error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req *core.ConnectionRequest) (*core.ConnectionEvaluation, error) {
	if f.err != nil {
		return nil, f.err
	}
	if eval, ok := f.evals[req.ID]; ok {
		return eval, nil
	}
	return &core.ConnectionEvaluation{Accept: false, Confidence: 0.9, LeadCategory: core.LeadNotALead}, nil
}

type unipileFixture struct {
	srv      *httptest.Server
	accepted []string
	rejected []string
}

func newUnipileFixture(t *testing.T, pendingJSON string) *unipileFixture {
	t.Helper()
	f := &unipileFixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/connection_requests", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "unikey" {
			t.Errorf("X-API-KEY = %q", r.Header.Get("X-API-KEY"))
		}
		if r.URL.Query().Get("status") != "pending" {
			t.Errorf("status = %q, want pending", r.URL.Query().Get("status"))
		}
		w.Write([]byte(pendingJSON))
	})
	mux.HandleFunc("/api/v1/connection_requests/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/connection_requests/")
		switch {
		case strings.HasSuffix(rest, "/accept"):
			f.accepted = append(f.accepted, strings.TrimSuffix(rest, "/accept"))
		case strings.HasSuffix(rest, "/reject"):
			f.rejected = append(f.rejected, strings.TrimSuffix(rest, "/reject"))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{}`))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newHandler(fixture *unipileFixture, evaluator Evaluator, fake *testutil.FakeCRM) *Handler {
	return New(Config{
		UnipileAPIKey: "unikey",
		BaseURL:       fixture.srv.URL,
		Evaluator:     evaluator,
		CRM:           fake,
		AutoAccept:    true,
		MinConfidence: 0.7,
	})
}

// =============================================================================
// ProcessRequests Tests
// =============================================================================

func TestProcessRequests_AcceptsICPMatch(t *testing.T) {
	fixture := newUnipileFixture(t, `{"items": [{
		"id": "req-1",
		"name": "Ada Lovelace",
		"headline": "CTO at Analytical Engines",
		"company": "Analytical Engines",
		"linkedin_url": "https://linkedin.com/in/ada",
		"mutual_connections": 12
	}]}`)
	evaluator := &fakeEvaluator{evals: map[string]*core.ConnectionEvaluation{
		"req-1": {Accept: true, Confidence: 0.9, LeadCategory: core.LeadHot, Reasoning: "ICP fit"},
	}}
	fake := testutil.NewFakeCRM()

	stats := newHandler(fixture, evaluator, fake).ProcessRequests(testutil.TestContext(t))
	if stats.Total != 1 || stats.Accepted != 1 {
		t.Fatalf("stats = %+v, want total 1 accepted 1", stats)
	}

	if len(fixture.accepted) != 1 || fixture.accepted[0] != "req-1" {
		t.Errorf("accepted = %v", fixture.accepted)
	}

	var contact *core.Contact
	for _, c := range fake.Contacts {
		contact = c
	}
	if contact == nil {
		t.Fatal("no contact created")
	}
	if contact.LinkedInURL != "https://linkedin.com/in/ada" {
		t.Errorf("LinkedInURL = %q", contact.LinkedInURL)
	}
	if contact.Title != "CTO at Analytical Engines" {
		t.Errorf("Title = %q, want the headline", contact.Title)
	}
	if contact.LeadCategory != core.LeadHot || contact.Stage != core.StageNew {
		t.Errorf("classification = (%q, %q)", contact.LeadCategory, contact.Stage)
	}

	actions := fake.AuditActions()
	if len(actions) != 1 || actions[0] != core.AuditAutoAccepted {
		t.Errorf("audit actions = %v, want [auto_accepted]", actions)
	}
}

func TestProcessRequests_RejectsNonMatch(t *testing.T) {
	fixture := newUnipileFixture(t, `{"items": [{
		"id": "req-2",
		"sender_name": "Randy Recruiter",
		"headline": "Technical Recruiter",
		"profile_url": "https://linkedin.com/in/randy"
	}]}`)
	evaluator := &fakeEvaluator{evals: map[string]*core.ConnectionEvaluation{
		"req-2": {Accept: false, Confidence: 0.95, LeadCategory: core.LeadNotALead, Reasoning: "recruiter"},
	}}
	fake := testutil.NewFakeCRM()

	stats := newHandler(fixture, evaluator, fake).ProcessRequests(testutil.TestContext(t))
	if stats.Rejected != 1 || stats.Accepted != 0 {
		t.Fatalf("stats = %+v, want rejected 1", stats)
	}
	if len(fixture.rejected) != 1 || fixture.rejected[0] != "req-2" {
		t.Errorf("rejected = %v", fixture.rejected)
	}
	if len(fake.Contacts) != 0 {
		t.Error("contact created for a rejected request")
	}

	actions := fake.AuditActions()
	if len(actions) != 1 || actions[0] != core.AuditAutoRejected {
		t.Errorf("audit actions = %v, want [auto_rejected]", actions)
	}
}

func TestProcessRequests_LowConfidenceAcceptSkipsCRM(t *testing.T) {
	fixture := newUnipileFixture(t, `{"items": [{
		"id": "req-3",
		"name": "Maybe Match",
		"headline": "Consultant"
	}]}`)
	evaluator := &fakeEvaluator{evals: map[string]*core.ConnectionEvaluation{
		"req-3": {Accept: true, Confidence: 0.5, LeadCategory: core.LeadCold},
	}}
	fake := testutil.NewFakeCRM()

	stats := newHandler(fixture, evaluator, fake).ProcessRequests(testutil.TestContext(t))

	// Accepted on the wire but not counted as a confident accept.
	if len(fixture.accepted) != 1 {
		t.Errorf("accepted = %v, want the connection accepted", fixture.accepted)
	}
	if stats.Accepted != 0 || stats.Rejected != 1 {
		t.Errorf("stats = %+v, want accepted 0 rejected 1", stats)
	}
	if len(fake.Contacts) != 0 {
		t.Error("contact created below the confidence threshold")
	}
	if len(fake.AuditActions()) != 0 {
		t.Errorf("audits = %v, want none", fake.AuditActions())
	}
}

func TestProcessRequests_EvaluatorErrorIsolated(t *testing.T) {
	fixture := newUnipileFixture(t, `{"data": [
		{"id": "req-4", "name": "First"},
		{"id": "req-5", "name": "Second"}
	]}`)
	evaluator := &fakeEvaluator{err: errors.New("model down")}
	fake := testutil.NewFakeCRM()

	stats := newHandler(fixture, evaluator, fake).ProcessRequests(testutil.TestContext(t))
	if stats.Total != 2 || stats.Errors != 2 {
		t.Errorf("stats = %+v, want total 2 errors 2", stats)
	}
}

func TestProcessRequests_NoPending(t *testing.T) {
	fixture := newUnipileFixture(t, `{"items": []}`)
	fake := testutil.NewFakeCRM()

	stats := newHandler(fixture, &fakeEvaluator{}, fake).ProcessRequests(testutil.TestContext(t))
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
}
