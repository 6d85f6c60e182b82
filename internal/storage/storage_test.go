package storage

import (
	"testing"
	"time"

	"github.com/growlancer/sdr/internal/core"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

// =============================================================================
// Migration Tests
// =============================================================================

func TestMigrate_Idempotent(t *testing.T) {
	db := testDB(t)

	// Second run must be a no-op
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	var count int
	if err := db.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	if count == 0 {
		t.Error("no migrations recorded")
	}
}

// =============================================================================
// Ledger Tests
// =============================================================================

func TestLedgerStore_IsProcessed(t *testing.T) {
	store := NewLedgerStore(testDB(t))

	processed, err := store.IsProcessed(core.ChannelGmail, "msg-1")
	if err != nil {
		t.Fatalf("IsProcessed() error = %v", err)
	}
	if processed {
		t.Error("unseen message reported as processed")
	}

	if err := store.MarkProcessed(core.ChannelGmail, "msg-1", LedgerProcessed, "recM1", "recC1"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}

	processed, err = store.IsProcessed(core.ChannelGmail, "msg-1")
	if err != nil {
		t.Fatalf("IsProcessed() error = %v", err)
	}
	if !processed {
		t.Error("processed message not reported as processed")
	}

	// Same id on another source is a different message
	processed, _ = store.IsProcessed(core.ChannelLinkedIn, "msg-1")
	if processed {
		t.Error("idempotency key must include the source")
	}
}

func TestLedgerStore_MarkFailed_IncrementsAttempts(t *testing.T) {
	store := NewLedgerStore(testDB(t))

	if err := store.MarkFailed(core.ChannelLinkedIn, "msg-2", "boom"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if err := store.MarkFailed(core.ChannelLinkedIn, "msg-2", "boom again"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	entry, err := store.Get(core.ChannelLinkedIn, "msg-2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Status != LedgerFailed {
		t.Errorf("Status = %q, want failed", entry.Status)
	}
	if entry.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", entry.Attempts)
	}
	if entry.Error != "boom again" {
		t.Errorf("Error = %q, want latest error", entry.Error)
	}
}

func TestLedgerStore_MarkProcessed_KeepsCRMIDsOnUpsert(t *testing.T) {
	store := NewLedgerStore(testDB(t))

	if err := store.MarkProcessed(core.ChannelGmail, "msg-3", LedgerProcessed, "recM3", "recC3"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	// A later status-only upsert must not erase the ids
	if err := store.MarkProcessed(core.ChannelGmail, "msg-3", LedgerSkipped, "", ""); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}

	entry, err := store.Get(core.ChannelGmail, "msg-3")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Status != LedgerSkipped {
		t.Errorf("Status = %q, want skipped", entry.Status)
	}
	if entry.CRMMessageID != "recM3" || entry.CRMContactID != "recC3" {
		t.Errorf("CRM ids lost on upsert: %q %q", entry.CRMMessageID, entry.CRMContactID)
	}
}

func TestLedgerStore_Failed_RespectsRetryLimit(t *testing.T) {
	store := NewLedgerStore(testDB(t))

	store.MarkFailed(core.ChannelGmail, "under", "e")
	for i := 0; i < 3; i++ {
		store.MarkFailed(core.ChannelGmail, "over", "e")
	}

	entries, err := store.Failed(3)
	if err != nil {
		t.Fatalf("Failed() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Failed(3) returned %d entries, want 1", len(entries))
	}
	if entries[0].SourceMessageID != "under" {
		t.Errorf("Failed(3) returned %q, want under", entries[0].SourceMessageID)
	}
}

func TestLedgerStore_Get_NotFound(t *testing.T) {
	store := NewLedgerStore(testDB(t))

	_, err := store.Get(core.ChannelGmail, "missing")
	if err != core.ErrRecordNotFound {
		t.Errorf("Get() error = %v, want ErrRecordNotFound", err)
	}
}

// =============================================================================
// Source State Tests
// =============================================================================

func TestSourceStateStore_NeverPolled(t *testing.T) {
	store := NewSourceStateStore(testDB(t))

	state, err := store.Get(core.ChannelGmail)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state != nil {
		t.Errorf("expected nil state for never-polled source, got %+v", state)
	}
}

func TestSourceStateStore_GmailCursor(t *testing.T) {
	store := NewSourceStateStore(testDB(t))

	if err := store.Update(core.ChannelGmail, "", 12345); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	state, err := store.Get(core.ChannelGmail)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state == nil {
		t.Fatal("Get() returned nil after Update")
	}
	if state.GmailHistoryID != 12345 {
		t.Errorf("GmailHistoryID = %d, want 12345", state.GmailHistoryID)
	}
	if state.Cursor != "" {
		t.Errorf("Cursor = %q, want empty for Gmail", state.Cursor)
	}
	if state.LastPollAt == nil {
		t.Error("LastPollAt should be stamped")
	}
}

func TestSourceStateStore_ZeroValuesKeepCursor(t *testing.T) {
	store := NewSourceStateStore(testDB(t))

	store.Update(core.ChannelLinkedIn, "cursor-abc", 0)
	// Empty poll: cursor argument zero, must not rewind
	store.Update(core.ChannelLinkedIn, "", 0)

	state, err := store.Get(core.ChannelLinkedIn)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state.Cursor != "cursor-abc" {
		t.Errorf("Cursor = %q, want cursor-abc preserved", state.Cursor)
	}
}

// =============================================================================
// Rule Store Tests
// =============================================================================

func TestRuleStore_InsertAndActive(t *testing.T) {
	store := NewRuleStore(testDB(t))

	id1, err := store.Insert("Keep replies under three sentences", 0.9)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	id2, err := store.Insert("Avoid exclamation marks", 0.8)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rules, err := store.Active()
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("Active() returned %d rules, want 2", len(rules))
	}

	// Oldest first
	if rules[0].ID != id1 || rules[1].ID != id2 {
		t.Errorf("Active() order = [%d %d], want [%d %d]", rules[0].ID, rules[1].ID, id1, id2)
	}
}

func TestRuleStore_Deactivate(t *testing.T) {
	store := NewRuleStore(testDB(t))

	id, _ := store.Insert("rule", 0.75)
	if err := store.Deactivate(id); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	rules, _ := store.Active()
	if len(rules) != 0 {
		t.Errorf("Active() returned %d rules after deactivation, want 0", len(rules))
	}

	rule, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rule.Active {
		t.Error("rule should be inactive")
	}
	if rule.DeactivatedAt == nil {
		t.Error("DeactivatedAt should be set")
	}
}

func TestRuleStore_DeactivateMissing(t *testing.T) {
	store := NewRuleStore(testDB(t))

	if err := store.Deactivate(999); err != core.ErrRecordNotFound {
		t.Errorf("Deactivate(999) error = %v, want ErrRecordNotFound", err)
	}
}

// =============================================================================
// Audit Store Tests
// =============================================================================

func TestAuditStore_LogAndRecent(t *testing.T) {
	store := NewAuditStore(testDB(t))

	err := store.Log(&LocalAuditEntry{
		TraceID:    "abc12345",
		Action:     "message_received",
		Source:     "Gmail",
		MessageID:  "recM1",
		Details:    map[string]interface{}{"sender": "Ada"},
		DurationMS: 42,
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	store.Log(&LocalAuditEntry{Action: "classified"})

	entries, err := store.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(entries))
	}

	// Newest first
	if entries[0].Action != "classified" {
		t.Errorf("Recent()[0].Action = %q, want classified", entries[0].Action)
	}
	if entries[1].TraceID != "abc12345" {
		t.Errorf("TraceID = %q, want abc12345", entries[1].TraceID)
	}
	if entries[1].Details["sender"] != "Ada" {
		t.Errorf("Details = %v, want sender Ada", entries[1].Details)
	}
	if entries[1].DurationMS != 42 {
		t.Errorf("DurationMS = %d, want 42", entries[1].DurationMS)
	}
}

func TestAuditStore_Subscribe(t *testing.T) {
	store := NewAuditStore(testDB(t))

	ch, cancel := store.Subscribe()
	defer cancel()

	store.Log(&LocalAuditEntry{Action: "sent"})

	select {
	case entry := <-ch:
		if entry.Action != "sent" {
			t.Errorf("subscriber got action %q, want sent", entry.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive entry")
	}

	cancel()
	// Double cancel must not panic
	cancel()
}
