package followup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/growlancer/sdr/internal/config"
	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/testutil"
)

type fakeDrafter struct {
	text         string
	err          error
	calls        int
	gotChannel   core.Channel
	gotHistory   string
	gotFollowUpN int
}

func (f *fakeDrafter) DraftFollowUp(ctx context.Context, contact *core.Contact, channel core.Channel, history string, followUpNumber int, rules []core.LearnedRule) (string, error) {
	f.calls++
	f.gotChannel = channel
	f.gotHistory = history
	f.gotFollowUpN = followUpNumber
	return f.text, f.err
}

func testConfig() config.FollowUpConfig {
	return config.FollowUpConfig{
		Enabled:              true,
		TotalFollowUps:       8,
		LinkedInFollowUps:    4,
		DaysBetween:          3,
		DaysBeforeActivation: 3,
		AutoApproveThreshold: 2,
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
// Cadence Activation Tests
// =============================================================================

func TestActivateStaleLeads(t *testing.T) {
	fake := testutil.NewFakeCRM()
	drafter := &fakeDrafter{text: "Just checking in."}
	engine := New(fake, drafter, nil, testConfig())

	outbound := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)

	quiet := testutil.ContactFixture()
	quiet.LinkedInURL = "https://linkedin.com/in/ada"
	quiet.LastOutboundAt = &outbound
	fake.Contacts[quiet.ID] = quiet

	replied := testutil.ContactFixture()
	replied.ID = "rec" + testutil.RandomID()
	replied.Email = "grace@example.com"
	replied.LastOutboundAt = &outbound
	fake.Contacts[replied.ID] = replied

	// The second contact answered after our last outbound.
	reply := time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC)
	fake.Messages["recM-reply"] = &core.Message{
		ID:         "recM-reply",
		ContactID:  replied.ID,
		Source:     core.ChannelGmail,
		Direction:  core.DirectionInbound,
		Body:       "Sounds good!",
		ReceivedAt: &reply,
	}

	fake.StaleContactsFunc = func(ctx context.Context, staleDays int) ([]*core.Contact, error) {
		if staleDays != 3 {
			t.Errorf("staleDays = %d, want 3", staleDays)
		}
		return []*core.Contact{quiet, replied}, nil
	}

	stats := engine.RunCycle(testutil.TestContext(t))
	if stats.Initialized != 1 {
		t.Fatalf("Initialized = %d, want 1", stats.Initialized)
	}

	update := fake.LastContactUpdate(quiet.ID)
	if update["Follow-Up Status"] != "Active" {
		t.Errorf("Follow-Up Status = %v, want Active", update["Follow-Up Status"])
	}
	if update["Follow-Up Channel"] != "LinkedIn" {
		t.Errorf("Follow-Up Channel = %v, want LinkedIn for a contact with a profile", update["Follow-Up Channel"])
	}
	if update["Follow-Up Count"] != 0 {
		t.Errorf("Follow-Up Count = %v, want 0", update["Follow-Up Count"])
	}
	if _, ok := update["Next Follow-Up Date"]; !ok {
		t.Error("Next Follow-Up Date not set")
	}

	if fake.LastContactUpdate(replied.ID) != nil {
		t.Error("activated a cadence for a contact who replied")
	}
}

// =============================================================================
// Due Processing Tests
// =============================================================================

func TestRunCycle_PausesOnReply(t *testing.T) {
	fake := testutil.NewFakeCRM()
	drafter := &fakeDrafter{text: "ping"}
	engine := New(fake, drafter, nil, testConfig())

	outbound := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	contact := testutil.ContactFixture()
	contact.LastOutboundAt = &outbound
	fake.Contacts[contact.ID] = contact

	reply := outbound.AddDate(0, 0, 2)
	fake.Messages["recM-reply"] = &core.Message{
		ID:         "recM-reply",
		ContactID:  contact.ID,
		Source:     core.ChannelGmail,
		Direction:  core.DirectionInbound,
		Body:       "Let's talk next week.",
		ReceivedAt: &reply,
	}

	fake.ContactsDueFollowUpFunc = func(ctx context.Context) ([]*core.Contact, error) {
		return []*core.Contact{contact}, nil
	}

	stats := engine.RunCycle(testutil.TestContext(t))
	if stats.Paused != 1 {
		t.Fatalf("Paused = %d, want 1", stats.Paused)
	}
	if fake.LastContactUpdate(contact.ID)["Follow-Up Status"] != "Paused" {
		t.Error("Follow-Up Status not set to Paused")
	}
	if !hasAction(fake.AuditActions(), core.AuditFollowUpPaused) {
		t.Error("missing follow_up_paused audit")
	}
	if drafter.calls != 0 {
		t.Error("drafted a follow-up for a contact who replied")
	}
}

func TestRunCycle_SkipsPendingOutbound(t *testing.T) {
	fake := testutil.NewFakeCRM()
	drafter := &fakeDrafter{text: "ping"}
	engine := New(fake, drafter, nil, testConfig())

	contact := testutil.ContactFixture()
	fake.Contacts[contact.ID] = contact
	pending := testutil.ApprovedMessageFixture(contact.ID)
	pending.Status = core.StatusDraftReady
	fake.Messages[pending.ID] = pending

	fake.ContactsDueFollowUpFunc = func(ctx context.Context) ([]*core.Contact, error) {
		return []*core.Contact{contact}, nil
	}

	stats := engine.RunCycle(testutil.TestContext(t))
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
	if drafter.calls != 0 {
		t.Error("drafted on top of a pending outbound")
	}
}

func TestRunCycle_DraftsFollowUp(t *testing.T) {
	fake := testutil.NewFakeCRM()
	drafter := &fakeDrafter{text: "Bumping this to the top of your inbox."}
	engine := New(fake, drafter, nil, testConfig())

	received := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	outbound := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	contact := testutil.ContactFixture()
	contact.LinkedInURL = "https://linkedin.com/in/ada"
	contact.FollowUpCount = 0
	contact.LastOutboundAt = &outbound
	fake.Contacts[contact.ID] = contact

	// Prior LinkedIn conversation carrying routing ids.
	fake.Messages["recM-in"] = &core.Message{
		ID:              "recM-in",
		ContactID:       contact.ID,
		Source:          core.ChannelLinkedIn,
		Direction:       core.DirectionInbound,
		Body:            "What does onboarding look like?",
		ReceivedAt:      &received,
		AccountID:       "acct-1",
		SourceMessageID: "chat-9",
	}

	fake.ContactsDueFollowUpFunc = func(ctx context.Context) ([]*core.Contact, error) {
		return []*core.Contact{contact}, nil
	}

	stats := engine.RunCycle(testutil.TestContext(t))
	if stats.Drafted != 1 {
		t.Fatalf("Drafted = %d, want 1 (stats = %+v)", stats.Drafted, stats)
	}

	if drafter.gotChannel != core.ChannelLinkedIn {
		t.Errorf("channel = %q, want LinkedIn", drafter.gotChannel)
	}
	if drafter.gotFollowUpN != 1 {
		t.Errorf("follow-up number = %d, want 1", drafter.gotFollowUpN)
	}
	if !strings.Contains(drafter.gotHistory, "What does onboarding look like?") {
		t.Errorf("history = %q, want the prior inbound included", drafter.gotHistory)
	}

	var created *core.Message
	for _, msg := range fake.Messages {
		if msg.Direction == core.DirectionOutbound && msg.FollowUpNumber != nil {
			created = msg
		}
	}
	if created == nil {
		t.Fatal("no follow-up message created")
	}
	if created.Status != core.StatusDraftReady {
		t.Errorf("Status = %q, want Draft Ready", created.Status)
	}
	if created.SourceMessageID != "chat-9" || created.AccountID != "acct-1" {
		t.Errorf("routing = (%q, %q), want the latest LinkedIn thread", created.SourceMessageID, created.AccountID)
	}
	if *created.FollowUpNumber != 1 {
		t.Errorf("FollowUpNumber = %d, want 1", *created.FollowUpNumber)
	}
	if created.AIDraftVersion != drafter.text {
		t.Error("AIDraftVersion must freeze the draft text")
	}

	update := fake.LastContactUpdate(contact.ID)
	if update["Follow-Up Count"] != 1 {
		t.Errorf("Follow-Up Count = %v, want 1", update["Follow-Up Count"])
	}
	if _, ok := update["Next Follow-Up Date"]; !ok {
		t.Error("Next Follow-Up Date not advanced")
	}
	if !hasAction(fake.AuditActions(), core.AuditFollowUpCreated) {
		t.Error("missing follow_up_created audit")
	}
}

func TestRunCycle_AutoApprovesConsistentlyUneditedDrafts(t *testing.T) {
	fake := testutil.NewFakeCRM()
	drafter := &fakeDrafter{text: "Any thoughts on my last note?"}
	engine := New(fake, drafter, nil, testConfig())

	contact := testutil.ContactFixture()
	contact.FollowUpCount = 4 // past the LinkedIn phase, email cadence
	fake.Contacts[contact.ID] = contact

	// Last two sends went out byte-identical to the draft.
	zero := 0.0
	for i, day := range []int{10, 12} {
		sentAt := time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC)
		id := "recM-sent-" + string(rune('a'+i))
		fake.Messages[id] = &core.Message{
			ID:              id,
			ContactID:       contact.ID,
			Source:          core.ChannelGmail,
			Direction:       core.DirectionOutbound,
			Status:          core.StatusSent,
			EditDistance:    &zero,
			SentAt:          &sentAt,
			SourceMessageID: "gmail-thread-1",
		}
	}

	fake.ContactsDueFollowUpFunc = func(ctx context.Context) ([]*core.Contact, error) {
		return []*core.Contact{contact}, nil
	}

	stats := engine.RunCycle(testutil.TestContext(t))
	if stats.AutoApproved != 1 {
		t.Fatalf("AutoApproved = %d, want 1 (stats = %+v)", stats.AutoApproved, stats)
	}

	for _, msg := range fake.Messages {
		if msg.Direction == core.DirectionOutbound && msg.FollowUpNumber != nil {
			if msg.Status != core.StatusApproved {
				t.Errorf("Status = %q, want Approved", msg.Status)
			}
		}
	}
}

func TestRunCycle_EditedHistoryBlocksAutoApprove(t *testing.T) {
	fake := testutil.NewFakeCRM()
	drafter := &fakeDrafter{text: "ping"}
	engine := New(fake, drafter, nil, testConfig())

	contact := testutil.ContactFixture()
	contact.FollowUpCount = 4
	fake.Contacts[contact.ID] = contact

	zero, edited := 0.0, 0.21
	for i, dist := range []*float64{&zero, &edited} {
		sentAt := time.Date(2026, 1, 10+i, 0, 0, 0, 0, time.UTC)
		id := "recM-sent-" + string(rune('a'+i))
		fake.Messages[id] = &core.Message{
			ID:           id,
			ContactID:    contact.ID,
			Source:       core.ChannelGmail,
			Direction:    core.DirectionOutbound,
			Status:       core.StatusSent,
			EditDistance: dist,
			SentAt:       &sentAt,
		}
	}

	fake.ContactsDueFollowUpFunc = func(ctx context.Context) ([]*core.Contact, error) {
		return []*core.Contact{contact}, nil
	}

	stats := engine.RunCycle(testutil.TestContext(t))
	if stats.Drafted != 1 || stats.AutoApproved != 0 {
		t.Errorf("stats = %+v, want drafted 1, auto-approved 0", stats)
	}
}

func TestRunCycle_ExhaustsCadence(t *testing.T) {
	fake := testutil.NewFakeCRM()
	drafter := &fakeDrafter{text: "Closing the loop here."}
	cfg := testConfig()
	cfg.TotalFollowUps = 2
	engine := New(fake, drafter, nil, cfg)

	contact := testutil.ContactFixture()
	contact.FollowUpCount = 1
	fake.Contacts[contact.ID] = contact

	fake.ContactsDueFollowUpFunc = func(ctx context.Context) ([]*core.Contact, error) {
		return []*core.Contact{contact}, nil
	}

	stats := engine.RunCycle(testutil.TestContext(t))
	if stats.Exhausted != 1 {
		t.Fatalf("Exhausted = %d, want 1 (stats = %+v)", stats.Exhausted, stats)
	}

	update := fake.LastContactUpdate(contact.ID)
	if update["Follow-Up Status"] != "Exhausted" {
		t.Errorf("Follow-Up Status = %v, want Exhausted", update["Follow-Up Status"])
	}
	if update["Conversation Stage"] != "Closed Lost" {
		t.Errorf("Conversation Stage = %v, want Closed Lost", update["Conversation Stage"])
	}
	if !hasAction(fake.AuditActions(), core.AuditFollowUpExhausted) {
		t.Error("missing follow_up_exhausted audit")
	}
}

func TestRunCycle_DrafterErrorIsolatesContact(t *testing.T) {
	fake := testutil.NewFakeCRM()
	drafter := &fakeDrafter{err: errors.New("model unavailable")}
	engine := New(fake, drafter, nil, testConfig())

	contact := testutil.ContactFixture()
	fake.Contacts[contact.ID] = contact
	fake.ContactsDueFollowUpFunc = func(ctx context.Context) ([]*core.Contact, error) {
		return []*core.Contact{contact}, nil
	}

	stats := engine.RunCycle(testutil.TestContext(t))
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
	for _, msg := range fake.Messages {
		if msg.Direction == core.DirectionOutbound {
			t.Error("message created despite drafting failure")
		}
	}
}

// =============================================================================
// Channel Selection Tests
// =============================================================================

func TestDetermineChannel(t *testing.T) {
	engine := New(testutil.NewFakeCRM(), &fakeDrafter{}, nil, testConfig())

	tests := []struct {
		name     string
		count    int
		email    string
		linkedin string
		want     core.Channel
	}{
		{"early prefers linkedin", 0, "a@b.com", "https://linkedin.com/in/x", core.ChannelLinkedIn},
		{"early falls back to email", 0, "a@b.com", "", core.ChannelGmail},
		{"late prefers email", 4, "a@b.com", "https://linkedin.com/in/x", core.ChannelGmail},
		{"late falls back to linkedin", 4, "", "https://linkedin.com/in/x", core.ChannelLinkedIn},
		{"unreachable", 0, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contact := &core.Contact{
				FollowUpCount: tt.count,
				Email:         tt.email,
				LinkedInURL:   tt.linkedin,
			}
			if got := engine.determineChannel(contact); got != tt.want {
				t.Errorf("determineChannel() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// History Formatting Tests
// =============================================================================

func TestFormatHistory(t *testing.T) {
	if got := formatHistory(nil); got != "No prior messages" {
		t.Errorf("formatHistory(nil) = %q", got)
	}

	early := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	later := time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)
	msgs := []*core.Message{
		{
			Source:     core.ChannelGmail,
			Direction:  core.DirectionOutbound,
			Body:       "ignored",
			DraftReply: "Thanks for reaching out!",
			SentAt:     &later,
		},
		{
			Source:     core.ChannelGmail,
			Direction:  core.DirectionInbound,
			Body:       "Do you integrate with HubSpot?",
			ReceivedAt: &early,
		},
	}

	got := formatHistory(msgs)
	want := "[2026-01-10] Inbound (Gmail): Do you integrate with HubSpot?\n\n" +
		"[2026-01-12] Outbound (Gmail): Thanks for reaching out!"
	if got != want {
		t.Errorf("formatHistory() =\n%q\nwant\n%q", got, want)
	}
}
