// Package crm talks to the CRM that is the system of record: contacts,
// messages, and the human-facing audit log all live there. The local
// database only carries operational state (idempotency ledger, cursors,
// learned rules).
package crm

import (
	"context"

	"github.com/growlancer/sdr/internal/core"
)

// CRM is the surface the rest of the system uses. The Airtable client
// implements it; tests substitute fakes.
type CRM interface {
	// EnsureSchema creates missing tables, fields, and views at startup.
	EnsureSchema(ctx context.Context) error

	// UpsertContact updates the contact when its ID is set, otherwise
	// matches an existing row by email then LinkedIn URL, and creates a
	// new row only when neither matches. The returned contact always has
	// its ID set.
	UpsertContact(ctx context.Context, contact *core.Contact) (*core.Contact, error)

	GetContact(ctx context.Context, id string) (*core.Contact, error)
	UpdateContact(ctx context.Context, id string, fields *Fields) error

	// Find methods return (nil, nil) when nothing matches.
	FindContactByEmail(ctx context.Context, email string) (*core.Contact, error)
	FindContactByLinkedIn(ctx context.Context, linkedinURL string) (*core.Contact, error)
	FindContactsByName(ctx context.Context, name string) ([]*core.Contact, error)

	// CreateMessage writes a message row. Inbound messages are deduped
	// by source message id: if a row already exists it is returned as-is.
	CreateMessage(ctx context.Context, msg *core.Message) (*core.Message, error)

	GetMessage(ctx context.Context, id string) (*core.Message, error)
	UpdateMessage(ctx context.Context, id string, fields *Fields) error
	FindInboundBySourceID(ctx context.Context, sourceMessageID string) (*core.Message, error)

	// ApprovedMessages returns every message awaiting send.
	ApprovedMessages(ctx context.Context) ([]*core.Message, error)

	// EditedMessages returns recently sent messages where the human
	// meaningfully changed the AI draft before approving.
	EditedMessages(ctx context.Context, lookbackDays int) ([]*core.Message, error)

	// MessagesForContact returns a contact's messages, optionally
	// filtered by direction (empty direction means both).
	MessagesForContact(ctx context.Context, contactID string, direction core.Direction) ([]*core.Message, error)

	// ContactForMessage resolves the contact linked to a message, or
	// (nil, nil) when the message has no link.
	ContactForMessage(ctx context.Context, messageID string) (*core.Contact, error)

	// ContactsDueFollowUp returns active-cadence contacts whose next
	// follow-up date is today or earlier.
	ContactsDueFollowUp(ctx context.Context) ([]*core.Contact, error)

	// StaleContacts returns conversations that went quiet: engaged
	// stages, no cadence yet, last outbound older than the threshold.
	StaleContacts(ctx context.Context, staleDays int) ([]*core.Contact, error)

	// LogAudit appends a row to the human-facing audit table.
	LogAudit(ctx context.Context, entry *core.AuditEntry) error
}
