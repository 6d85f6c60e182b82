// Package followup runs the daily follow-up cadence: it activates
// cadences for leads that went quiet after an outbound touch, drafts
// the next nudge for contacts whose follow-up date has arrived, and
// closes out leads after the final follow-up.
package followup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/growlancer/sdr/internal/config"
	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/crm"
	"github.com/growlancer/sdr/internal/logging"
	"github.com/growlancer/sdr/internal/storage"
)

// Drafter writes the follow-up message text.
type Drafter interface {
	DraftFollowUp(ctx context.Context, contact *core.Contact, channel core.Channel, history string, followUpNumber int, rules []core.LearnedRule) (string, error)
}

// Stats summarizes one follow-up cycle.
type Stats struct {
	Initialized  int `json:"initialized"`
	Drafted      int `json:"drafted"`
	AutoApproved int `json:"auto_approved"`
	Paused       int `json:"paused"`
	Exhausted    int `json:"exhausted"`
	Skipped      int `json:"skipped"`
}

// Engine is the follow-up cadence engine.
type Engine struct {
	crm     crm.CRM
	drafter Drafter
	rules   *storage.RuleStore
	cfg     config.FollowUpConfig
	logger  *logging.Logger
}

// New creates the follow-up engine.
func New(c crm.CRM, drafter Drafter, rules *storage.RuleStore, cfg config.FollowUpConfig) *Engine {
	return &Engine{
		crm:     c,
		drafter: drafter,
		rules:   rules,
		cfg:     cfg,
		logger:  logging.WithField("component", "followup"),
	}
}

// RunCycle activates newly stale leads, then processes every contact
// whose follow-up is due. Contacts are isolated: one failure counts as
// skipped and the cycle continues.
func (e *Engine) RunCycle(ctx context.Context) *Stats {
	e.logger.Info("follow-up cycle start")

	stats := &Stats{Initialized: e.activateStaleLeads(ctx)}
	e.processDue(ctx, stats)

	e.logger.WithFields(map[string]interface{}{
		"initialized":   stats.Initialized,
		"drafted":       stats.Drafted,
		"auto_approved": stats.AutoApproved,
		"paused":        stats.Paused,
		"exhausted":     stats.Exhausted,
		"skipped":       stats.Skipped,
	}).Info("follow-up cycle complete")
	return stats
}

// activateStaleLeads starts the cadence for contacts that got an
// outbound message, never replied, and have no cadence state yet.
func (e *Engine) activateStaleLeads(ctx context.Context) int {
	stale, err := e.crm.StaleContacts(ctx, e.cfg.DaysBeforeActivation)
	if err != nil {
		e.logger.Error("stale contact query failed: %v", err)
		return 0
	}

	activated := 0
	for _, contact := range stale {
		if e.hasRecentInbound(ctx, contact.ID, contact.LastOutboundAt) {
			continue
		}

		channel := core.ChannelGmail
		if contact.LinkedInURL != "" {
			channel = core.ChannelLinkedIn
		}

		updates := crm.ContactFields().
			Set(crm.FieldFollowUpStatus, core.FollowUpActive).
			Set(crm.FieldFollowUpCount, 0).
			SetDate(crm.FieldNextFollowUpDate, time.Now().UTC()).
			Set(crm.FieldFollowUpChannel, channel)
		if err := e.crm.UpdateContact(ctx, contact.ID, updates); err != nil {
			e.logger.Error("cadence activation failed for %s: %v", contact.ID, err)
			continue
		}

		activated++
		e.logger.WithFields(map[string]interface{}{
			"contact_id": contact.ID,
			"name":       contact.Name,
			"channel":    channel,
		}).Info("cadence activated")
	}
	return activated
}

func (e *Engine) processDue(ctx context.Context, stats *Stats) {
	contacts, err := e.crm.ContactsDueFollowUp(ctx)
	if err != nil {
		e.logger.Error("due contact query failed: %v", err)
		return
	}

	rules := e.activeRules()

	for _, contact := range contacts {
		if err := e.processContact(ctx, contact, rules, stats); err != nil {
			e.logger.WithField("contact_id", contact.ID).Error("follow-up failed: %v", err)
			stats.Skipped++
		}
	}
}

func (e *Engine) processContact(ctx context.Context, contact *core.Contact, rules []core.LearnedRule, stats *Stats) error {
	// They replied since our last outbound: the conversation is live
	// again, stop nudging.
	if contact.LastOutboundAt != nil && e.hasRecentInbound(ctx, contact.ID, contact.LastOutboundAt) {
		updates := crm.ContactFields().Set(crm.FieldFollowUpStatus, core.FollowUpPaused)
		if err := e.crm.UpdateContact(ctx, contact.ID, updates); err != nil {
			return err
		}
		e.logAudit(ctx, core.AuditFollowUpPaused, contact.ID, "", map[string]interface{}{
			"reason": "inbound_received",
		})
		stats.Paused++
		return nil
	}

	// A draft or approved outbound already exists, do not stack another.
	pending, err := e.hasPendingOutbound(ctx, contact.ID)
	if err != nil {
		return err
	}
	if pending {
		stats.Skipped++
		return nil
	}

	channel := e.determineChannel(contact)
	if channel == "" {
		stats.Skipped++
		return nil
	}

	chatOrThreadID, accountID, err := e.routingInfo(ctx, contact, channel)
	if err != nil {
		return err
	}

	messages, err := e.crm.MessagesForContact(ctx, contact.ID, "")
	if err != nil {
		return err
	}
	history := formatHistory(messages)

	followUpNum := contact.FollowUpCount + 1
	replyText, err := e.drafter.DraftFollowUp(ctx, contact, channel, history, followUpNum, rules)
	if err != nil {
		return fmt.Errorf("draft follow-up: %w", err)
	}

	autoApprove, err := e.shouldAutoApprove(ctx, contact.ID)
	if err != nil {
		return err
	}
	status := core.StatusDraftReady
	if autoApprove {
		status = core.StatusApproved
	}

	created, err := e.crm.CreateMessage(ctx, &core.Message{
		ContactID:       contact.ID,
		Source:          channel,
		Direction:       core.DirectionOutbound,
		DraftReply:      replyText,
		AIDraftVersion:  replyText,
		Status:          status,
		AccountID:       accountID,
		SourceMessageID: chatOrThreadID,
		FollowUpNumber:  &followUpNum,
	})
	if err != nil {
		return fmt.Errorf("create follow-up message: %w", err)
	}

	nextDate := time.Now().UTC().AddDate(0, 0, e.cfg.DaysBetween)
	updates := crm.ContactFields().
		Set(crm.FieldFollowUpCount, followUpNum).
		SetDate(crm.FieldNextFollowUpDate, nextDate).
		Set(crm.FieldFollowUpChannel, channel)

	if followUpNum >= e.cfg.TotalFollowUps {
		updates.
			Set(crm.FieldFollowUpStatus, core.FollowUpExhausted).
			Set(crm.FieldStage, core.StageClosedLost)
		e.logAudit(ctx, core.AuditFollowUpExhausted, contact.ID, "", map[string]interface{}{
			"total_followups": followUpNum,
		})
		stats.Exhausted++
	}
	if err := e.crm.UpdateContact(ctx, contact.ID, updates); err != nil {
		return err
	}

	e.logAudit(ctx, core.AuditFollowUpCreated, contact.ID, created.ID, map[string]interface{}{
		"followup_number": followUpNum,
		"channel":         channel,
		"auto_approved":   autoApprove,
	})

	if autoApprove {
		stats.AutoApproved++
	} else {
		stats.Drafted++
	}

	e.logger.WithFields(map[string]interface{}{
		"contact_id":    contact.ID,
		"name":          contact.Name,
		"followup_num":  followUpNum,
		"channel":       channel,
		"auto_approved": autoApprove,
	}).Info("follow-up created")
	return nil
}

// hasRecentInbound reports whether the contact messaged us since the
// given time.
func (e *Engine) hasRecentInbound(ctx context.Context, contactID string, since *time.Time) bool {
	if since == nil {
		return false
	}
	messages, err := e.crm.MessagesForContact(ctx, contactID, core.DirectionInbound)
	if err != nil {
		e.logger.Warn("inbound check failed for %s: %v", contactID, err)
		return false
	}
	for _, msg := range messages {
		if msg.ReceivedAt != nil && !msg.ReceivedAt.Before(*since) {
			return true
		}
	}
	return false
}

func (e *Engine) hasPendingOutbound(ctx context.Context, contactID string) (bool, error) {
	messages, err := e.crm.MessagesForContact(ctx, contactID, core.DirectionOutbound)
	if err != nil {
		return false, err
	}
	for _, msg := range messages {
		if msg.Status == core.StatusDraftReady || msg.Status == core.StatusApproved {
			return true, nil
		}
	}
	return false, nil
}

// determineChannel picks LinkedIn for the first linkedin_followups
// touches, then switches to email, falling back to whichever identity
// the contact actually has. Empty means the contact is unreachable.
func (e *Engine) determineChannel(contact *core.Contact) core.Channel {
	if contact.FollowUpCount < e.cfg.LinkedInFollowUps {
		if contact.LinkedInURL != "" {
			return core.ChannelLinkedIn
		}
		if contact.Email != "" {
			return core.ChannelGmail
		}
		return ""
	}
	if contact.Email != "" {
		return core.ChannelGmail
	}
	if contact.LinkedInURL != "" {
		return core.ChannelLinkedIn
	}
	return ""
}

// routingInfo finds the chat or thread to continue on the chosen
// channel, from the most recent message that carries routing ids.
func (e *Engine) routingInfo(ctx context.Context, contact *core.Contact, channel core.Channel) (string, string, error) {
	messages, err := e.crm.MessagesForContact(ctx, contact.ID, "")
	if err != nil {
		return "", "", err
	}

	var candidates []*core.Message
	for _, msg := range messages {
		if msg.Source == channel && msg.SourceMessageID != "" {
			candidates = append(candidates, msg)
		}
	}
	if len(candidates) == 0 {
		return "", "", nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return msgTime(candidates[i]).After(msgTime(candidates[j]))
	})
	latest := candidates[0]

	if channel == core.ChannelLinkedIn {
		return latest.SourceMessageID, latest.AccountID, nil
	}
	return latest.SourceMessageID, "", nil
}

// shouldAutoApprove reports whether the team sent the last N drafts for
// this contact completely unchanged.
func (e *Engine) shouldAutoApprove(ctx context.Context, contactID string) (bool, error) {
	messages, err := e.crm.MessagesForContact(ctx, contactID, core.DirectionOutbound)
	if err != nil {
		return false, err
	}

	var sent []*core.Message
	for _, msg := range messages {
		if msg.Status == core.StatusSent && msg.EditDistance != nil {
			sent = append(sent, msg)
		}
	}
	if len(sent) < e.cfg.AutoApproveThreshold {
		return false, nil
	}

	sort.Slice(sent, func(i, j int) bool {
		return msgTime(sent[i]).After(msgTime(sent[j]))
	})
	for _, msg := range sent[:e.cfg.AutoApproveThreshold] {
		if *msg.EditDistance != 0.0 {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) activeRules() []core.LearnedRule {
	if e.rules == nil {
		return nil
	}
	active, err := e.rules.Active()
	if err != nil {
		e.logger.Warn("loading learned rules failed: %v", err)
		return nil
	}
	out := make([]core.LearnedRule, 0, len(active))
	for _, r := range active {
		out = append(out, *r)
	}
	return out
}

func (e *Engine) logAudit(ctx context.Context, action core.AuditAction, contactID, messageID string, details map[string]interface{}) {
	blob, _ := json.Marshal(details)
	if err := e.crm.LogAudit(ctx, &core.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		ContactID: contactID,
		MessageID: messageID,
		Details:   string(blob),
	}); err != nil {
		e.logger.Warn("audit write failed: %v", err)
	}
}

// formatHistory renders the full conversation chronologically for the
// drafting prompt. Outbound rows show what was actually sent.
func formatHistory(messages []*core.Message) string {
	if len(messages) == 0 {
		return "No prior messages"
	}

	sorted := make([]*core.Message, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool {
		return historyTime(sorted[i]).Before(historyTime(sorted[j]))
	})

	lines := make([]string, 0, len(sorted))
	for _, msg := range sorted {
		text := msg.Body
		if msg.Direction == core.DirectionOutbound && msg.DraftReply != "" {
			text = msg.DraftReply
		}
		lines = append(lines, fmt.Sprintf("[%s] %s (%s): %s",
			historyTime(msg).Format("2006-01-02"), msg.Direction, msg.Source, text))
	}

	return strings.Join(lines, "\n\n")
}

// msgTime orders messages for routing and auto-approve checks, newest
// meaning latest send or receipt.
func msgTime(msg *core.Message) time.Time {
	if msg.SentAt != nil {
		return *msg.SentAt
	}
	if msg.ReceivedAt != nil {
		return *msg.ReceivedAt
	}
	return time.Time{}
}

// historyTime orders messages for the conversation transcript, where
// receipt time comes first for inbound rows.
func historyTime(msg *core.Message) time.Time {
	if msg.ReceivedAt != nil {
		return *msg.ReceivedAt
	}
	if msg.SentAt != nil {
		return *msg.SentAt
	}
	return time.Time{}
}
