package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/dedup"
	"github.com/growlancer/sdr/internal/enrichment"
	"github.com/growlancer/sdr/internal/storage"
	"github.com/growlancer/sdr/internal/testutil"
)

type fakeClassifier struct {
	cls           *core.Classification
	err           error
	calls         int
	gotEnrichment string
	gotStage      string
}

func (f *fakeClassifier) Classify(ctx context.Context, msg *core.InboundMessage, enrichmentData, currentStage string) (*core.Classification, error) {
	f.calls++
	f.gotEnrichment = enrichmentData
	f.gotStage = currentStage
	return f.cls, f.err
}

type fakeDrafter struct {
	draft    *core.DraftReply
	err      error
	calls    int
	gotRules []core.LearnedRule
}

func (f *fakeDrafter) DraftReply(ctx context.Context, msg *core.InboundMessage, cls *core.Classification, enrichmentData string, rules []core.LearnedRule) (*core.DraftReply, error) {
	f.calls++
	f.gotRules = rules
	return f.draft, f.err
}

type fakeEnricher struct {
	data *enrichment.Data
	err  error
}

func (f *fakeEnricher) Enrich(ctx context.Context, req enrichment.Request) (*enrichment.Data, error) {
	return f.data, f.err
}

func (f *fakeEnricher) IsAvailable() bool { return true }

type testPipeline struct {
	pipeline   *Pipeline
	crm        *testutil.FakeCRM
	classifier *fakeClassifier
	drafter    *fakeDrafter
	ledger     *storage.LedgerStore
	rules      *storage.RuleStore
}

func newTestPipeline(t *testing.T, enricher enrichment.Enricher) *testPipeline {
	t.Helper()
	db := testutil.TestDB(t)

	fake := testutil.NewFakeCRM()
	classifier := &fakeClassifier{cls: &core.Classification{
		Category:          core.LeadHot,
		Confidence:        0.9,
		Reasoning:         "buying intent",
		DetectedIntent:    "wants pricing",
		DetectedSignals:   []string{"budget"},
		ShouldReply:       true,
		ConversationStage: core.StageNew,
		ICPMatchScore:     0.8,
	}}
	drafter := &fakeDrafter{draft: &core.DraftReply{ReplyText: "Happy to help. Thursday?"}}
	ledger := storage.NewLedgerStore(db)
	rules := storage.NewRuleStore(db)

	return &testPipeline{
		pipeline: New(Config{
			CRM:        fake,
			Dedup:      dedup.NewMatcher(fake),
			Classifier: classifier,
			Drafter:    drafter,
			Enricher:   enricher,
			Ledger:     ledger,
			Rules:      rules,
			Audits:     storage.NewAuditStore(db),
		}),
		crm:        fake,
		classifier: classifier,
		drafter:    drafter,
		ledger:     ledger,
		rules:      rules,
	}
}

func hasAction(actions []core.AuditAction, want core.AuditAction) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

// =============================================================================
// ProcessMessage Tests
// =============================================================================

func TestProcessMessage_NewContact(t *testing.T) {
	tp := newTestPipeline(t, nil)
	msg := testutil.InboundGmailFixture()

	result := tp.pipeline.ProcessMessage(testutil.TestContext(t), msg)
	if result.Outcome != OutcomeCreated {
		t.Fatalf("Outcome = %q, err = %v, want created", result.Outcome, result.Err)
	}
	if result.MessageID == "" || result.ContactID == "" {
		t.Fatalf("result ids = (%q, %q), want both set", result.MessageID, result.ContactID)
	}
	if !strings.HasPrefix(result.TraceID, "msg_") {
		t.Errorf("TraceID = %q", result.TraceID)
	}

	record := tp.crm.Messages[result.MessageID]
	if record == nil {
		t.Fatal("message record not created")
	}
	if record.Status != core.StatusDraftReady {
		t.Errorf("Status = %q, want Draft Ready", record.Status)
	}
	if record.DraftReply != "Happy to help. Thursday?" {
		t.Errorf("DraftReply = %q", record.DraftReply)
	}
	if record.AIDraftVersion != record.DraftReply {
		t.Error("AIDraftVersion must freeze the draft text")
	}
	if record.Classification != "Hot" {
		t.Errorf("Classification = %q", record.Classification)
	}

	update := tp.crm.LastContactUpdate(result.ContactID)
	if update == nil {
		t.Fatal("no contact update recorded")
	}
	if update["Lead Category"] != "Hot" {
		t.Errorf("Lead Category = %v", update["Lead Category"])
	}
	if update["Signal Stack"] != `["budget"]` {
		t.Errorf("Signal Stack = %v", update["Signal Stack"])
	}
	if update["Last Contact"] != "2026-02-01" {
		t.Errorf("Last Contact = %v", update["Last Contact"])
	}

	entry, err := tp.ledger.Get(msg.Source, msg.SourceMessageID)
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if entry.Status != storage.LedgerProcessed {
		t.Errorf("ledger status = %q", entry.Status)
	}
	if entry.CRMMessageID != result.MessageID || entry.CRMContactID != result.ContactID {
		t.Errorf("ledger ids = (%q, %q)", entry.CRMMessageID, entry.CRMContactID)
	}

	actions := tp.crm.AuditActions()
	for _, want := range []core.AuditAction{
		core.AuditContactCreated, core.AuditMessageReceived,
		core.AuditClassified, core.AuditDraftCreated,
	} {
		if !hasAction(actions, want) {
			t.Errorf("audit trail missing %q, got %v", want, actions)
		}
	}
}

func TestProcessMessage_SkipsLedgered(t *testing.T) {
	tp := newTestPipeline(t, nil)
	msg := testutil.InboundGmailFixture()

	if err := tp.ledger.MarkProcessed(msg.Source, msg.SourceMessageID, storage.LedgerProcessed, "", ""); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	result := tp.pipeline.ProcessMessage(testutil.TestContext(t), msg)
	if result.Outcome != OutcomeSkipped {
		t.Errorf("Outcome = %q, want skipped", result.Outcome)
	}
	if tp.classifier.calls != 0 {
		t.Errorf("classifier called %d times for a ledgered message", tp.classifier.calls)
	}
}

func TestProcessMessage_NoReplyNeeded(t *testing.T) {
	tp := newTestPipeline(t, nil)
	tp.classifier.cls.ShouldReply = false
	tp.classifier.cls.Category = core.LeadNotALead

	result := tp.pipeline.ProcessMessage(testutil.TestContext(t), testutil.InboundGmailFixture())
	if result.Outcome != OutcomeCreated {
		t.Fatalf("Outcome = %q, err = %v", result.Outcome, result.Err)
	}

	if tp.drafter.calls != 0 {
		t.Error("drafter called when should_reply is false")
	}
	record := tp.crm.Messages[result.MessageID]
	if record.Status != core.StatusNew {
		t.Errorf("Status = %q, want New", record.Status)
	}
	if hasAction(tp.crm.AuditActions(), core.AuditDraftCreated) {
		t.Error("draft_created audit logged without a draft")
	}
}

func TestProcessMessage_ExistingContactMerged(t *testing.T) {
	tp := newTestPipeline(t, nil)

	existing := testutil.ContactFixture()
	existing.Company = "" // inbound message should fill this
	tp.crm.Contacts[existing.ID] = existing

	msg := testutil.InboundGmailFixture() // same email as the fixture contact
	result := tp.pipeline.ProcessMessage(testutil.TestContext(t), msg)
	if result.Outcome != OutcomeCreated {
		t.Fatalf("Outcome = %q, err = %v", result.Outcome, result.Err)
	}
	if result.ContactID != existing.ID {
		t.Errorf("ContactID = %q, want the existing contact %q", result.ContactID, existing.ID)
	}
	if hasAction(tp.crm.AuditActions(), core.AuditContactCreated) {
		t.Error("contact_created audit for an existing contact")
	}
	if !hasAction(tp.crm.AuditActions(), core.AuditContactUpdated) {
		t.Error("missing contact_updated audit for the merge")
	}
	// Classifier sees the contact's current stage
	if tp.classifier.gotStage != string(core.StageEngaging) {
		t.Errorf("classifier stage = %q, want Engaging", tp.classifier.gotStage)
	}
}

func TestProcessMessage_ClassifierFailure(t *testing.T) {
	tp := newTestPipeline(t, nil)
	tp.classifier.err = errors.New("model unavailable")

	msg := testutil.InboundGmailFixture()
	result := tp.pipeline.ProcessMessage(testutil.TestContext(t), msg)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %q, want failed", result.Outcome)
	}
	if result.Err == nil {
		t.Error("Err = nil for a failed message")
	}

	entry, err := tp.ledger.Get(msg.Source, msg.SourceMessageID)
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if entry.Status != storage.LedgerFailed {
		t.Errorf("ledger status = %q, want failed", entry.Status)
	}
}

func TestProcessMessage_EnrichmentFlowsIntoClassification(t *testing.T) {
	enricher := &fakeEnricher{data: &enrichment.Data{
		Title:   "CTO",
		Company: "Analytical Engines Ltd",
		Sources: []string{"apollo"},
	}}
	tp := newTestPipeline(t, enricher)

	result := tp.pipeline.ProcessMessage(testutil.TestContext(t), testutil.InboundLinkedInFixture())
	if result.Outcome != OutcomeCreated {
		t.Fatalf("Outcome = %q, err = %v", result.Outcome, result.Err)
	}

	if !strings.Contains(tp.classifier.gotEnrichment, "CTO") {
		t.Errorf("classifier enrichment = %q, want the cascade JSON", tp.classifier.gotEnrichment)
	}
	if !hasAction(tp.crm.AuditActions(), core.AuditEnriched) {
		t.Error("missing enriched audit")
	}

	// Enriched Data is written back; Title is not, the message already
	// carried one.
	var sawEnrichedData bool
	for _, update := range tp.crm.ContactUpdates[result.ContactID] {
		if _, ok := update["Enriched Data"]; ok {
			sawEnrichedData = true
			if _, ok := update["Title"]; ok {
				t.Error("Title overwritten despite being set on the contact")
			}
		}
	}
	if !sawEnrichedData {
		t.Error("Enriched Data never written to the contact")
	}
}

func TestProcessMessage_LearnedRulesReachDrafter(t *testing.T) {
	tp := newTestPipeline(t, nil)
	if _, err := tp.rules.Insert("Keep replies under 60 words", 0.9); err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	result := tp.pipeline.ProcessMessage(testutil.TestContext(t), testutil.InboundGmailFixture())
	if result.Outcome != OutcomeCreated {
		t.Fatalf("Outcome = %q, err = %v", result.Outcome, result.Err)
	}

	if len(tp.drafter.gotRules) != 1 || tp.drafter.gotRules[0].RuleText != "Keep replies under 60 words" {
		t.Errorf("drafter rules = %+v", tp.drafter.gotRules)
	}
}

// =============================================================================
// ProcessBatch Tests
// =============================================================================

func TestProcessBatch_Stats(t *testing.T) {
	tp := newTestPipeline(t, nil)

	msg := testutil.InboundGmailFixture()
	duplicate := *msg

	stats := tp.pipeline.ProcessBatch(testutil.TestContext(t), []*core.InboundMessage{msg, &duplicate})
	if stats.Total != 2 || stats.Created != 1 || stats.Skipped != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want total 2, created 1, skipped 1", stats)
	}
}

func TestProcessBatch_FailureCountsAsFailed(t *testing.T) {
	tp := newTestPipeline(t, nil)
	tp.classifier.err = errors.New("boom")

	stats := tp.pipeline.ProcessBatch(testutil.TestContext(t), []*core.InboundMessage{
		testutil.InboundGmailFixture(),
	})
	if stats.Failed != 1 || stats.Skipped != 0 {
		t.Errorf("stats = %+v, a failed message must not count as skipped", stats)
	}
}
