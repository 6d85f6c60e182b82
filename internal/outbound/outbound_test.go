package outbound

import (
	"context"
	"errors"
	"testing"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/sending"
	"github.com/growlancer/sdr/internal/testutil"
)

type gmailCall struct {
	To       string
	Subject  string
	Body     string
	ThreadID string
}

type linkedinCall struct {
	AccountID string
	ChatID    string
	Text      string
}

type fakeSender struct {
	gmailCalls    []gmailCall
	linkedinCalls []linkedinCall
	err           error
}

func (f *fakeSender) SendGmail(ctx context.Context, to, subject, body, threadID string) (*sending.Result, error) {
	f.gmailCalls = append(f.gmailCalls, gmailCall{to, subject, body, threadID})
	if f.err != nil {
		return nil, f.err
	}
	return &sending.Result{MessageID: "sent-1", ThreadID: threadID}, nil
}

func (f *fakeSender) SendLinkedIn(ctx context.Context, accountID, chatID, text string) (*sending.Result, error) {
	f.linkedinCalls = append(f.linkedinCalls, linkedinCall{accountID, chatID, text})
	if f.err != nil {
		return nil, f.err
	}
	return &sending.Result{MessageID: "sent-1", ThreadID: chatID}, nil
}

// =============================================================================
// Edit Distance Tests
// =============================================================================

func TestComputeEditDistance(t *testing.T) {
	tests := []struct {
		name     string
		original string
		edited   string
		want     float64
	}{
		{"identical", "Happy to help. Thursday?", "Happy to help. Thursday?", 0.0},
		{"both empty", "", "", 0.0},
		{"original empty", "", "hello", 1.0},
		{"edited empty", "hello", "", 1.0},
		{"single char change", "abcd", "abce", 0.25},
		{"appended text", "hello", "hello world", 0.545},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeEditDistance(tt.original, tt.edited); got != tt.want {
				t.Errorf("ComputeEditDistance(%q, %q) = %v, want %v", tt.original, tt.edited, got, tt.want)
			}
		})
	}
}

// =============================================================================
// ProcessApproved Tests
// =============================================================================

func TestProcessApproved_SendsGmail(t *testing.T) {
	fake := testutil.NewFakeCRM()
	sender := &fakeSender{}
	engine := New(fake, sender)

	contact := testutil.ContactFixture()
	fake.Contacts[contact.ID] = contact
	msg := testutil.ApprovedMessageFixture(contact.ID)
	fake.Messages[msg.ID] = msg

	sent := engine.ProcessApproved(testutil.TestContext(t))
	if sent != 1 {
		t.Fatalf("ProcessApproved() = %d, want 1", sent)
	}

	if len(sender.gmailCalls) != 1 {
		t.Fatalf("gmail calls = %d, want 1", len(sender.gmailCalls))
	}
	call := sender.gmailCalls[0]
	if call.To != "ada@example.com" {
		t.Errorf("To = %q", call.To)
	}
	if call.Subject != "Re: Interested in your services" {
		t.Errorf("Subject = %q", call.Subject)
	}
	if call.ThreadID != msg.SourceMessageID {
		t.Errorf("ThreadID = %q, want the source message id", call.ThreadID)
	}

	update := fake.LastMessageUpdate(msg.ID)
	if update["Status"] != "Sent" {
		t.Errorf("Status = %v, want Sent", update["Status"])
	}
	if _, ok := update["Sent At"]; !ok {
		t.Error("Sent At not set")
	}
	// Draft was approved unedited
	if update["Edit Distance"] != 0.0 {
		t.Errorf("Edit Distance = %v, want 0", update["Edit Distance"])
	}

	contactUpdate := fake.LastContactUpdate(contact.ID)
	if contactUpdate == nil {
		t.Fatal("no contact update recorded")
	}
	if _, ok := contactUpdate["Last Outbound At"]; !ok {
		t.Error("Last Outbound At not stamped")
	}
	if _, ok := contactUpdate["Conversation Stage"]; ok {
		t.Error("stage changed for an Engaging contact")
	}

	actions := fake.AuditActions()
	if len(actions) != 1 || actions[0] != core.AuditSent {
		t.Errorf("audit actions = %v, want [sent]", actions)
	}
}

func TestProcessApproved_EditedDraftRecordsDistance(t *testing.T) {
	fake := testutil.NewFakeCRM()
	engine := New(fake, &fakeSender{})

	contact := testutil.ContactFixture()
	fake.Contacts[contact.ID] = contact
	msg := testutil.ApprovedMessageFixture(contact.ID)
	msg.AIDraftVersion = "hello"
	msg.DraftReply = "hello world"
	fake.Messages[msg.ID] = msg

	if sent := engine.ProcessApproved(testutil.TestContext(t)); sent != 1 {
		t.Fatalf("ProcessApproved() = %d, want 1", sent)
	}
	if got := fake.LastMessageUpdate(msg.ID)["Edit Distance"]; got != 0.545 {
		t.Errorf("Edit Distance = %v, want 0.545", got)
	}
}

func TestProcessApproved_PromotesNewContactToEngaging(t *testing.T) {
	fake := testutil.NewFakeCRM()
	engine := New(fake, &fakeSender{})

	contact := testutil.ContactFixture()
	contact.Stage = core.StageNew
	fake.Contacts[contact.ID] = contact
	msg := testutil.ApprovedMessageFixture(contact.ID)
	fake.Messages[msg.ID] = msg

	engine.ProcessApproved(testutil.TestContext(t))

	if got := fake.LastContactUpdate(contact.ID)["Conversation Stage"]; got != "Engaging" {
		t.Errorf("Conversation Stage = %v, want Engaging", got)
	}
}

func TestProcessApproved_StatusChangedSinceList(t *testing.T) {
	fake := testutil.NewFakeCRM()
	sender := &fakeSender{}
	engine := New(fake, sender)

	contact := testutil.ContactFixture()
	fake.Contacts[contact.ID] = contact
	msg := testutil.ApprovedMessageFixture(contact.ID)
	msg.Status = core.StatusRejected
	fake.Messages[msg.ID] = msg

	// The list call saw the message while it was still approved.
	stale := *msg
	stale.Status = core.StatusApproved
	fake.ApprovedMessagesFunc = func(ctx context.Context) ([]*core.Message, error) {
		return []*core.Message{&stale}, nil
	}

	if sent := engine.ProcessApproved(testutil.TestContext(t)); sent != 0 {
		t.Errorf("ProcessApproved() = %d, want 0", sent)
	}
	if len(sender.gmailCalls) != 0 {
		t.Error("sent a message whose approval was revoked")
	}
}

func TestProcessApproved_EmptyDraftFails(t *testing.T) {
	fake := testutil.NewFakeCRM()
	engine := New(fake, &fakeSender{})

	contact := testutil.ContactFixture()
	fake.Contacts[contact.ID] = contact
	msg := testutil.ApprovedMessageFixture(contact.ID)
	msg.DraftReply = ""
	fake.Messages[msg.ID] = msg

	if sent := engine.ProcessApproved(testutil.TestContext(t)); sent != 0 {
		t.Errorf("ProcessApproved() = %d, want 0", sent)
	}
	update := fake.LastMessageUpdate(msg.ID)
	if update["Status"] != "Failed" {
		t.Errorf("Status = %v, want Failed", update["Status"])
	}
	if update["Send Error"] != "Draft reply is empty" {
		t.Errorf("Send Error = %v", update["Send Error"])
	}
}

func TestProcessApproved_NoRecipientEmailFails(t *testing.T) {
	fake := testutil.NewFakeCRM()
	sender := &fakeSender{}
	engine := New(fake, sender)

	contact := testutil.ContactFixture()
	contact.Email = ""
	fake.Contacts[contact.ID] = contact
	msg := testutil.ApprovedMessageFixture(contact.ID)
	fake.Messages[msg.ID] = msg

	if sent := engine.ProcessApproved(testutil.TestContext(t)); sent != 0 {
		t.Errorf("ProcessApproved() = %d, want 0", sent)
	}
	if fake.LastMessageUpdate(msg.ID)["Status"] != "Failed" {
		t.Error("message without a recipient must be marked Failed")
	}
	if len(sender.gmailCalls) != 0 {
		t.Error("send attempted without a recipient")
	}
}

func TestProcessApproved_LinkedInRouting(t *testing.T) {
	fake := testutil.NewFakeCRM()
	sender := &fakeSender{}
	engine := New(fake, sender)

	contact := testutil.ContactFixture()
	fake.Contacts[contact.ID] = contact
	msg := testutil.ApprovedMessageFixture(contact.ID)
	msg.Source = core.ChannelLinkedIn
	msg.AccountID = "acct-1"
	msg.SourceMessageID = "chat-42"
	fake.Messages[msg.ID] = msg

	if sent := engine.ProcessApproved(testutil.TestContext(t)); sent != 1 {
		t.Fatalf("ProcessApproved() = %d, want 1", sent)
	}
	if len(sender.linkedinCalls) != 1 {
		t.Fatalf("linkedin calls = %d, want 1", len(sender.linkedinCalls))
	}
	call := sender.linkedinCalls[0]
	if call.AccountID != "acct-1" || call.ChatID != "chat-42" {
		t.Errorf("routing = (%q, %q)", call.AccountID, call.ChatID)
	}
}

func TestProcessApproved_SendErrorMarksFailed(t *testing.T) {
	fake := testutil.NewFakeCRM()
	engine := New(fake, &fakeSender{err: errors.New("smtp exploded")})

	contact := testutil.ContactFixture()
	fake.Contacts[contact.ID] = contact
	msg := testutil.ApprovedMessageFixture(contact.ID)
	fake.Messages[msg.ID] = msg

	if sent := engine.ProcessApproved(testutil.TestContext(t)); sent != 0 {
		t.Errorf("ProcessApproved() = %d, want 0", sent)
	}
	update := fake.LastMessageUpdate(msg.ID)
	if update["Status"] != "Failed" {
		t.Errorf("Status = %v, want Failed", update["Status"])
	}
	if update["Send Error"] == "" {
		t.Error("Send Error not recorded")
	}
}
