// Package dedup matches inbound senders to existing CRM contacts so
// one person never becomes two rows, even when they switch channels.
package dedup

import (
	"context"
	"strings"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/crm"
	"github.com/growlancer/sdr/internal/logging"
)

// Matcher finds the existing contact for an inbound message.
type Matcher struct {
	crm    crm.CRM
	logger *logging.Logger
}

// NewMatcher creates a new contact matcher.
func NewMatcher(c crm.CRM) *Matcher {
	return &Matcher{
		crm:    c,
		logger: logging.WithField("component", "dedup"),
	}
}

// FindExisting resolves the sender to a contact, or (nil, nil) when no
// confident match exists. Identifiers are tried strongest first: email,
// then LinkedIn URL, then name. A name hit only counts when it is
// unambiguous; with several candidates the company has to break the
// tie, otherwise we create a duplicate rather than merge strangers.
func (m *Matcher) FindExisting(ctx context.Context, msg *core.InboundMessage) (*core.Contact, error) {
	if msg.SenderEmail != "" {
		contact, err := m.crm.FindContactByEmail(ctx, msg.SenderEmail)
		if err != nil {
			return nil, err
		}
		if contact != nil {
			return contact, nil
		}
	}

	if msg.SenderLinkedIn != "" {
		contact, err := m.crm.FindContactByLinkedIn(ctx, msg.SenderLinkedIn)
		if err != nil {
			return nil, err
		}
		if contact != nil {
			return contact, nil
		}
	}

	name := strings.TrimSpace(msg.SenderName)
	if name == "" || strings.EqualFold(name, "Unknown") {
		return nil, nil
	}

	candidates, err := m.crm.FindContactsByName(ctx, name)
	if err != nil {
		return nil, err
	}

	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates[0], nil
	}

	// Several contacts share the name. Only the company can tell them
	// apart; without it we refuse to guess.
	if msg.SenderCompany != "" {
		var match *core.Contact
		for _, c := range candidates {
			if strings.EqualFold(c.Company, msg.SenderCompany) {
				if match != nil {
					match = nil
					break
				}
				match = c
			}
		}
		if match != nil {
			return match, nil
		}
	}

	m.logger.WithFields(map[string]interface{}{
		"name":       name,
		"candidates": len(candidates),
	}).Warn("ambiguous name match, treating sender as new contact")
	return nil, nil
}

// MergeUpdates builds the field updates for folding an inbound message
// into an existing contact. Identity fields are fill-only: a value the
// human may have corrected in the CRM is never overwritten. Last
// Contact and Interaction Count always move.
func MergeUpdates(existing *core.Contact, msg *core.InboundMessage) (*crm.Fields, []string) {
	fields := crm.ContactFields()
	var filled []string

	fill := func(field crm.Field, current, incoming string) {
		if current == "" && incoming != "" {
			fields.Set(field, incoming)
			filled = append(filled, string(field))
		}
	}

	fill(crm.FieldEmail, existing.Email, msg.SenderEmail)
	fill(crm.FieldLinkedInURL, existing.LinkedInURL, msg.SenderLinkedIn)
	fill(crm.FieldCompany, existing.Company, msg.SenderCompany)
	fill(crm.FieldTitle, existing.Title, msg.SenderTitle)

	if existing.SourceChannel != "" &&
		existing.SourceChannel != core.ChannelBoth &&
		existing.SourceChannel != msg.Source {
		fields.Set(crm.FieldSourceChannel, core.ChannelBoth)
		filled = append(filled, string(crm.FieldSourceChannel))
	}

	fields.SetDate(crm.FieldLastContact, msg.ReceivedAt)
	fields.Set(crm.FieldInteractionCount, existing.InteractionCount+1)

	return fields, filled
}
