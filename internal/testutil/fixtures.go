package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/growlancer/sdr/internal/core"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// InboundGmailFixture returns an inbound Gmail message ready for the
// pipeline.
func InboundGmailFixture() *core.InboundMessage {
	return &core.InboundMessage{
		Source:          core.ChannelGmail,
		SourceMessageID: "gmail-" + RandomID(),
		SenderName:      "Ada Lovelace",
		SenderEmail:     "ada@example.com",
		SenderCompany:   "Analytical Engines Ltd",
		Subject:         "Interested in your services",
		Body:            "Hi, we are looking for help with our outbound motion.",
		ThreadContext:   "",
		ReceivedAt:      time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		ThreadID:        "thread-" + RandomID(),
	}
}

// InboundLinkedInFixture returns an inbound LinkedIn message.
func InboundLinkedInFixture() *core.InboundMessage {
	return &core.InboundMessage{
		Source:          core.ChannelLinkedIn,
		SourceMessageID: "li-" + RandomID(),
		SenderName:      "Grace Hopper",
		SenderLinkedIn:  "https://linkedin.com/in/gracehopper",
		SenderTitle:     "VP Engineering",
		SenderCompany:   "Compilers Inc",
		Body:            "Thanks for connecting! What do you build?",
		ReceivedAt:      time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		AccountID:       "acct-1",
		ChatID:          "chat-" + RandomID(),
	}
}

// ContactFixture returns a contact that already exists in the CRM.
func ContactFixture() *core.Contact {
	first := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	last := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	return &core.Contact{
		ID:               "rec" + RandomID(),
		Name:             "Ada Lovelace",
		Email:            "ada@example.com",
		Company:          "Analytical Engines Ltd",
		SourceChannel:    core.ChannelGmail,
		LeadCategory:     core.LeadWarm,
		Stage:            core.StageEngaging,
		FirstContact:     &first,
		LastContact:      &last,
		InteractionCount: 2,
	}
}

// ApprovedMessageFixture returns an approved outbound draft awaiting
// send.
func ApprovedMessageFixture(contactID string) *core.Message {
	received := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return &core.Message{
		ID:              "rec" + RandomID(),
		ContactID:       contactID,
		Source:          core.ChannelGmail,
		Direction:       core.DirectionOutbound,
		Subject:         "Interested in your services",
		DraftReply:      "Happy to walk you through it. Does Thursday work?",
		AIDraftVersion:  "Happy to walk you through it. Does Thursday work?",
		Status:          core.StatusApproved,
		ReceivedAt:      &received,
		SourceMessageID: "gmail-" + RandomID(),
	}
}
