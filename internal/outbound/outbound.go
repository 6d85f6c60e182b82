// Package outbound sends approved drafts through their original channel
// and records how much the human changed the AI draft before approving.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/crm"
	"github.com/growlancer/sdr/internal/logging"
	"github.com/growlancer/sdr/internal/sending"
)

// Engine polls the CRM for approved messages and delivers them.
type Engine struct {
	crm    crm.CRM
	sender sending.Sender
	logger *logging.Logger
}

// New creates the outbound engine.
func New(c crm.CRM, sender sending.Sender) *Engine {
	return &Engine{
		crm:    c,
		sender: sender,
		logger: logging.WithField("component", "outbound"),
	}
}

// ComputeEditDistance measures how far the approved text drifted from
// the original draft, as a fraction of the longer text. 0 means
// identical, 1 means completely rewritten. Rounded to 3 decimals.
func ComputeEditDistance(original, edited string) float64 {
	if original == "" && edited == "" {
		return 0.0
	}
	if original == "" || edited == "" {
		return 1.0
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(original, edited, false)
	lev := dmp.DiffLevenshtein(diffs)

	maxLen := len([]rune(original))
	if n := len([]rune(edited)); n > maxLen {
		maxLen = n
	}

	dist := float64(lev) / float64(maxLen)
	if dist > 1 {
		dist = 1
	}
	return math.Round(dist*1000) / 1000
}

// ProcessApproved sends every message currently in Approved status.
// Each message is isolated: one failure marks that row Failed and the
// loop moves on. Returns the number of messages sent.
func (e *Engine) ProcessApproved(ctx context.Context) int {
	approved, err := e.crm.ApprovedMessages(ctx)
	if err != nil {
		e.logger.Error("listing approved messages failed: %v", err)
		return 0
	}
	if len(approved) == 0 {
		return 0
	}

	e.logger.WithField("count", len(approved)).Info("found approved messages")

	sent := 0
	for _, msg := range approved {
		log := e.logger.WithFields(map[string]interface{}{
			"trace_id":   "out_" + msg.ID,
			"message_id": msg.ID,
		})
		if e.processOne(ctx, msg.ID, log) {
			sent++
		}
	}
	return sent
}

func (e *Engine) processOne(ctx context.Context, messageID string, log *logging.Logger) bool {
	// Re-fetch right before sending. The human may have un-approved the
	// message since the list call, and a crashed previous cycle may have
	// already sent it.
	current, err := e.crm.GetMessage(ctx, messageID)
	if err != nil {
		log.Warn("re-fetch failed: %v", err)
		return false
	}
	if current.Status != core.StatusApproved {
		log.WithField("current_status", current.Status).Warn("status changed, skipping")
		return false
	}

	replyText := current.DraftReply
	if replyText == "" {
		log.Warn("empty draft reply")
		e.markFailed(ctx, messageID, "Draft reply is empty", log)
		return false
	}

	var editDist *float64
	if current.AIDraftVersion != "" {
		d := ComputeEditDistance(current.AIDraftVersion, replyText)
		editDist = &d
	}

	start := time.Now()
	if err := e.send(ctx, current, replyText); err != nil {
		log.Error("send failed: %v", err)
		e.markFailed(ctx, messageID, err.Error(), log)
		return false
	}
	durationMS := time.Since(start).Milliseconds()

	updates := crm.MessageFields().
		Set(crm.FieldStatus, core.StatusSent).
		SetDate(crm.FieldSentAt, time.Now().UTC())
	if editDist != nil {
		updates.Set(crm.FieldEditDistance, *editDist)
	}
	if err := e.crm.UpdateMessage(ctx, messageID, updates); err != nil {
		log.Error("marking sent failed: %v", err)
		return false
	}

	contact := e.stampContact(ctx, messageID, log)

	contactID := ""
	if contact != nil {
		contactID = contact.ID
	}
	details := map[string]interface{}{
		"channel":     current.Source,
		"duration_ms": durationMS,
	}
	if editDist != nil {
		details["edit_distance"] = *editDist
	}
	blob, _ := json.Marshal(details)
	if err := e.crm.LogAudit(ctx, &core.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    core.AuditSent,
		ContactID: contactID,
		MessageID: messageID,
		Details:   string(blob),
	}); err != nil {
		log.Warn("audit write failed: %v", err)
	}

	fields := map[string]interface{}{
		"channel":     current.Source,
		"duration_ms": durationMS,
	}
	if editDist != nil {
		fields["edit_distance"] = *editDist
	}
	log.WithFields(fields).Info("sent")
	return true
}

// send routes the reply through the channel the message arrived on.
func (e *Engine) send(ctx context.Context, msg *core.Message, replyText string) error {
	switch msg.Source {
	case core.ChannelGmail:
		contact, err := e.crm.ContactForMessage(ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("resolve contact: %w", err)
		}
		if contact == nil || contact.Email == "" {
			return fmt.Errorf("no recipient email found on linked contact")
		}
		subject := strings.TrimSpace("Re: " + msg.Subject)
		_, err = e.sender.SendGmail(ctx, contact.Email, subject, replyText, msg.SourceMessageID)
		return err

	case core.ChannelLinkedIn:
		_, err := e.sender.SendLinkedIn(ctx, msg.AccountID, msg.SourceMessageID, replyText)
		return err

	default:
		return fmt.Errorf("unsupported channel %q", msg.Source)
	}
}

// stampContact records the outbound touch on the linked contact and
// promotes a New conversation to Engaging.
func (e *Engine) stampContact(ctx context.Context, messageID string, log *logging.Logger) *core.Contact {
	contact, err := e.crm.ContactForMessage(ctx, messageID)
	if err != nil || contact == nil {
		if err != nil {
			log.Warn("contact lookup failed: %v", err)
		}
		return nil
	}

	updates := crm.ContactFields().SetDate(crm.FieldLastOutboundAt, time.Now().UTC())
	if contact.Stage == core.StageNew {
		updates.Set(crm.FieldStage, core.StageEngaging)
	}
	if err := e.crm.UpdateContact(ctx, contact.ID, updates); err != nil {
		log.Warn("contact stamp failed: %v", err)
	}
	return contact
}

func (e *Engine) markFailed(ctx context.Context, messageID, reason string, log *logging.Logger) {
	updates := crm.MessageFields().
		Set(crm.FieldStatus, core.StatusFailed).
		Set(crm.FieldSendError, reason)
	if err := e.crm.UpdateMessage(ctx, messageID, updates); err != nil {
		log.Error("marking failed failed: %v", err)
	}
}
