package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
)

// Drafter writes replies and follow-ups. A reply draft is one model
// call whose prompt walks through analyze, draft, and self-critique;
// only the final text after the critique comes back to the caller.
type Drafter struct {
	client       *Client
	salesContext string
	temperature  float64
	selfCritique bool
	logger       *logging.Logger
}

// NewDrafter creates a new reply drafter.
func NewDrafter(client *Client, salesContext string, temperature float64, selfCritique bool) *Drafter {
	return &Drafter{
		client:       client,
		salesContext: salesContext,
		temperature:  temperature,
		selfCritique: selfCritique,
		logger:       logging.WithField("component", "drafter"),
	}
}

// DraftReply drafts a reply to a classified inbound message. Learned
// rules are passed in by the caller so the drafter itself stays
// stateless.
func (d *Drafter) DraftReply(ctx context.Context, msg *core.InboundMessage, cls *core.Classification, enrichment string, rules []core.LearnedRule) (*core.DraftReply, error) {
	prompt := BuildReplyPrompt(d.salesContext, msg, cls, enrichment, rules)
	if !d.selfCritique {
		prompt += "\n\nIMPORTANT: Skip the self-critique step. Output your draft directly as the final reply."
	}

	resp, err := d.client.Complete(ctx, Request{
		MaxTokens:   1024,
		Temperature: d.temperature,
		Messages:    []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	raw := resp.Text()
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("model returned an empty reply draft")
	}

	replyText, strategyNotes := parseDraftResponse(raw)

	d.logger.WithFields(map[string]interface{}{
		"sender":       msg.SenderName,
		"category":     cls.Category,
		"reply_length": len(replyText),
	}).Info("drafted reply")

	return &core.DraftReply{ReplyText: replyText, StrategyNotes: strategyNotes}, nil
}

// DraftFollowUp writes one follow-up message for a quiet contact.
func (d *Drafter) DraftFollowUp(ctx context.Context, contact *core.Contact, channel core.Channel, history string, followUpNumber int, rules []core.LearnedRule) (string, error) {
	prompt := BuildFollowUpPrompt(d.salesContext, contact, channel, history, followUpNumber, rules)

	resp, err := d.client.Complete(ctx, Request{
		MaxTokens:   512,
		Temperature: d.temperature,
		Messages:    []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("model returned an empty follow-up draft")
	}

	d.logger.WithFields(map[string]interface{}{
		"contact":   contact.Name,
		"channel":   channel,
		"follow_up": followUpNumber,
	}).Info("drafted follow-up")

	return text, nil
}

// parseDraftResponse extracts the final reply and strategy notes from
// the marker structure the prompt asks for. Missing markers fall back
// to treating the whole response as the reply.
func parseDraftResponse(raw string) (replyText, strategyNotes string) {
	replyText = strings.TrimSpace(raw)

	if start := strings.Index(raw, "<STRATEGY_NOTES>"); start != -1 {
		if end := strings.Index(raw, "</STRATEGY_NOTES>"); end > start {
			strategyNotes = strings.TrimSpace(raw[start+len("<STRATEGY_NOTES>") : end])
		}
	}

	if start := strings.Index(raw, "<FINAL_REPLY>"); start != -1 {
		if end := strings.Index(raw, "</FINAL_REPLY>"); end > start {
			replyText = strings.TrimSpace(raw[start+len("<FINAL_REPLY>") : end])
		}
	}

	return replyText, strategyNotes
}
