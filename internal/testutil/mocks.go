package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/crm"
)

// FakeCRM is an in-memory CRM for testing. Behavior can be overridden
// per-method with the Func fields; everything else works against the
// maps so tests can seed and inspect records directly.
type FakeCRM struct {
	mu     sync.Mutex
	nextID int

	Contacts map[string]*core.Contact
	Messages map[string]*core.Message
	Audits   []*core.AuditEntry

	// Recorded field updates, keyed by record id, in call order.
	ContactUpdates map[string][]map[string]interface{}
	MessageUpdates map[string][]map[string]interface{}

	ApprovedMessagesFunc    func(ctx context.Context) ([]*core.Message, error)
	EditedMessagesFunc      func(ctx context.Context, lookbackDays int) ([]*core.Message, error)
	ContactsDueFollowUpFunc func(ctx context.Context) ([]*core.Contact, error)
	StaleContactsFunc       func(ctx context.Context, staleDays int) ([]*core.Contact, error)
	MessagesForContactFunc  func(ctx context.Context, contactID string, direction core.Direction) ([]*core.Message, error)
}

// NewFakeCRM creates an empty fake CRM.
func NewFakeCRM() *FakeCRM {
	return &FakeCRM{
		Contacts:       make(map[string]*core.Contact),
		Messages:       make(map[string]*core.Message),
		ContactUpdates: make(map[string][]map[string]interface{}),
		MessageUpdates: make(map[string][]map[string]interface{}),
	}
}

var _ crm.CRM = (*FakeCRM)(nil)

func (f *FakeCRM) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%04d", prefix, f.nextID)
}

func (f *FakeCRM) EnsureSchema(ctx context.Context) error { return nil }

func (f *FakeCRM) UpsertContact(ctx context.Context, contact *core.Contact) (*core.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if contact.ID == "" {
		for _, c := range f.Contacts {
			if (contact.Email != "" && strings.EqualFold(c.Email, contact.Email)) ||
				(contact.LinkedInURL != "" && c.LinkedInURL == contact.LinkedInURL) {
				contact.ID = c.ID
				break
			}
		}
	}
	if contact.ID == "" {
		contact.ID = f.newID("recC")
	}
	clone := *contact
	f.Contacts[contact.ID] = &clone
	return contact, nil
}

func (f *FakeCRM) GetContact(ctx context.Context, id string) (*core.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Contacts[id]
	if !ok {
		return nil, core.ErrContactNotFound
	}
	clone := *c
	return &clone, nil
}

func (f *FakeCRM) UpdateContact(ctx context.Context, id string, fields *crm.Fields) error {
	values, err := fields.Build()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Contacts[id]; !ok {
		return core.ErrContactNotFound
	}
	f.ContactUpdates[id] = append(f.ContactUpdates[id], values)
	return nil
}

func (f *FakeCRM) FindContactByEmail(ctx context.Context, email string) (*core.Contact, error) {
	if email == "" {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Contacts {
		if strings.EqualFold(c.Email, email) {
			clone := *c
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *FakeCRM) FindContactByLinkedIn(ctx context.Context, linkedinURL string) (*core.Contact, error) {
	if linkedinURL == "" {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Contacts {
		if c.LinkedInURL == linkedinURL {
			clone := *c
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *FakeCRM) FindContactsByName(ctx context.Context, name string) ([]*core.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Contact
	for _, c := range f.Contacts {
		if strings.Contains(strings.ToLower(c.Name), strings.ToLower(name)) {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *FakeCRM) CreateMessage(ctx context.Context, msg *core.Message) (*core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if msg.Direction == core.DirectionInbound && msg.SourceMessageID != "" {
		for _, m := range f.Messages {
			if m.Direction == core.DirectionInbound && m.SourceMessageID == msg.SourceMessageID {
				clone := *m
				return &clone, nil
			}
		}
	}

	msg.ID = f.newID("recM")
	clone := *msg
	f.Messages[msg.ID] = &clone
	return msg, nil
}

func (f *FakeCRM) GetMessage(ctx context.Context, id string) (*core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Messages[id]
	if !ok {
		return nil, core.ErrMessageNotFound
	}
	clone := *m
	return &clone, nil
}

func (f *FakeCRM) UpdateMessage(ctx context.Context, id string, fields *crm.Fields) error {
	values, err := fields.Build()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Messages[id]
	if !ok {
		return core.ErrMessageNotFound
	}
	f.MessageUpdates[id] = append(f.MessageUpdates[id], values)
	// Keep status in sync so re-fetch guards see updates.
	if status, ok := values["Status"].(string); ok {
		m.Status = core.MessageStatus(status)
	}
	return nil
}

func (f *FakeCRM) FindInboundBySourceID(ctx context.Context, sourceMessageID string) (*core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.Messages {
		if m.Direction == core.DirectionInbound && m.SourceMessageID == sourceMessageID {
			clone := *m
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *FakeCRM) ApprovedMessages(ctx context.Context) ([]*core.Message, error) {
	if f.ApprovedMessagesFunc != nil {
		return f.ApprovedMessagesFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Message
	for _, m := range f.Messages {
		if m.Status == core.StatusApproved {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *FakeCRM) EditedMessages(ctx context.Context, lookbackDays int) ([]*core.Message, error) {
	if f.EditedMessagesFunc != nil {
		return f.EditedMessagesFunc(ctx, lookbackDays)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Message
	for _, m := range f.Messages {
		if m.Status != core.StatusSent || m.AIDraftVersion == "" {
			continue
		}
		if m.EditDistance == nil || *m.EditDistance <= 0.05 {
			continue
		}
		if m.SentAt == nil || m.SentAt.Before(cutoff) {
			continue
		}
		clone := *m
		out = append(out, &clone)
	}
	return out, nil
}

func (f *FakeCRM) MessagesForContact(ctx context.Context, contactID string, direction core.Direction) ([]*core.Message, error) {
	if f.MessagesForContactFunc != nil {
		return f.MessagesForContactFunc(ctx, contactID, direction)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Message
	for _, m := range f.Messages {
		if m.ContactID != contactID {
			continue
		}
		if direction != "" && m.Direction != direction {
			continue
		}
		clone := *m
		out = append(out, &clone)
	}
	return out, nil
}

func (f *FakeCRM) ContactForMessage(ctx context.Context, messageID string) (*core.Contact, error) {
	msg, err := f.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ContactID == "" {
		return nil, nil
	}
	return f.GetContact(ctx, msg.ContactID)
}

func (f *FakeCRM) ContactsDueFollowUp(ctx context.Context) ([]*core.Contact, error) {
	if f.ContactsDueFollowUpFunc != nil {
		return f.ContactsDueFollowUpFunc(ctx)
	}
	return nil, nil
}

func (f *FakeCRM) StaleContacts(ctx context.Context, staleDays int) ([]*core.Contact, error) {
	if f.StaleContactsFunc != nil {
		return f.StaleContactsFunc(ctx, staleDays)
	}
	return nil, nil
}

func (f *FakeCRM) LogAudit(ctx context.Context, entry *core.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Audits = append(f.Audits, entry)
	return nil
}

// AuditActions returns the recorded audit actions in order.
func (f *FakeCRM) AuditActions() []core.AuditAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]core.AuditAction, len(f.Audits))
	for i, a := range f.Audits {
		actions[i] = a.Action
	}
	return actions
}

// LastContactUpdate returns the most recent update for a contact, or
// nil when none was recorded.
func (f *FakeCRM) LastContactUpdate(id string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	updates := f.ContactUpdates[id]
	if len(updates) == 0 {
		return nil
	}
	return updates[len(updates)-1]
}

// LastMessageUpdate returns the most recent update for a message, or
// nil when none was recorded.
func (f *FakeCRM) LastMessageUpdate(id string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	updates := f.MessageUpdates[id]
	if len(updates) == 0 {
		return nil
	}
	return updates[len(updates)-1]
}
