// Package learning mines the human edits made to AI drafts before
// sending and distills them into writing rules. The rules feed back
// into every future reply and follow-up prompt, so the drafts drift
// toward what the team actually sends.
package learning

import (
	"context"
	"fmt"
	"strings"

	"github.com/growlancer/sdr/internal/ai"
	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/crm"
	"github.com/growlancer/sdr/internal/logging"
	"github.com/growlancer/sdr/internal/storage"
)

// Rules above this confidence get stored; the model reports its own
// confidence per extracted pattern.
const storeThreshold = 0.7

var extractRulesTool = ai.Tool{
	Name: "extract_rules",
	Description: "Extract writing rules from patterns observed in human edits to AI drafts. " +
		"Return up to 2 rules with confidence scores.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rules": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"rule_text": map[string]interface{}{
							"type":        "string",
							"description": "A concise, actionable writing rule (one sentence).",
						},
						"confidence": map[string]interface{}{
							"type":        "number",
							"minimum":     0.0,
							"maximum":     1.0,
							"description": "How confident you are in this pattern (0.0 to 1.0).",
						},
					},
					"required": []string{"rule_text", "confidence"},
				},
				"maxItems":    2,
				"description": "Extracted rules (max 2). Empty array if no clear patterns found.",
			},
		},
		"required": []string{"rules"},
	},
}

// editPair is one before/after example shown to the model.
type editPair struct {
	AIDraft      string
	HumanEdit    string
	Channel      core.Channel
	LeadCategory core.LeadCategory
	EditDistance float64
}

// Stats summarizes one learning cycle. SkippedReason is set when the
// cycle bailed out before calling the model.
type Stats struct {
	MessagesAnalyzed int    `json:"messages_analyzed"`
	NewRules         int    `json:"new_rules"`
	SkippedReason    string `json:"skipped_reason,omitempty"`
}

// SelfLearner runs the daily learning cycle.
type SelfLearner struct {
	client       *ai.Client
	crm          crm.CRM
	rules        *storage.RuleStore
	audits       *storage.AuditStore
	salesContext string
	temperature  float64
	logger       *logging.Logger
}

// Config wires the learner dependencies.
type Config struct {
	Client       *ai.Client
	CRM          crm.CRM
	Rules        *storage.RuleStore
	Audits       *storage.AuditStore
	SalesContext string
	Temperature  float64
}

// New creates the self-learner.
func New(cfg Config) *SelfLearner {
	return &SelfLearner{
		client:       cfg.Client,
		crm:          cfg.CRM,
		rules:        cfg.Rules,
		audits:       cfg.Audits,
		salesContext: cfg.SalesContext,
		temperature:  cfg.Temperature,
		logger:       logging.WithField("component", "learner"),
	}
}

// RunCycle fetches recently edited messages, extracts rules from the
// edit patterns, stores the confident ones, and keeps the active rule
// set under the cap by retiring the oldest rules first.
func (l *SelfLearner) RunCycle(ctx context.Context, lookbackDays, maxActiveRules, minMessages int) (*Stats, error) {
	l.logger.WithField("lookback_days", lookbackDays).Info("learning cycle start")

	pairs, err := l.fetchEditPairs(ctx, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("fetch edited messages: %w", err)
	}
	if len(pairs) < minMessages {
		reason := fmt.Sprintf("only %d edited messages (need %d)", len(pairs), minMessages)
		l.logger.WithFields(map[string]interface{}{
			"found":    len(pairs),
			"required": minMessages,
		}).Info("learning cycle skipped")
		return &Stats{SkippedReason: reason}, nil
	}

	existing, err := l.rules.Active()
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	existingVals := make([]core.LearnedRule, 0, len(existing))
	for _, r := range existing {
		existingVals = append(existingVals, *r)
	}

	candidates, err := l.analyzePatterns(ctx, pairs, existingVals)
	if err != nil {
		return nil, fmt.Errorf("analyze edit patterns: %w", err)
	}

	stored := 0
	for _, rule := range candidates {
		if rule.Confidence <= storeThreshold {
			continue
		}
		if _, err := l.rules.Insert(rule.RuleText, rule.Confidence); err != nil {
			return nil, fmt.Errorf("store rule: %w", err)
		}
		stored++
		l.logger.WithFields(map[string]interface{}{
			"rule":       rule.RuleText,
			"confidence": rule.Confidence,
		}).Info("rule stored")
	}

	if err := l.capActiveRules(maxActiveRules); err != nil {
		return nil, err
	}

	active, err := l.rules.Active()
	if err != nil {
		return nil, err
	}
	if l.audits != nil {
		if err := l.audits.Log(&storage.LocalAuditEntry{
			Action: string(core.AuditLearningCycle),
			Details: map[string]interface{}{
				"messages_analyzed":  len(pairs),
				"new_rules":          stored,
				"total_active_rules": len(active),
			},
		}); err != nil {
			l.logger.Warn("audit write failed: %v", err)
		}
	}

	stats := &Stats{MessagesAnalyzed: len(pairs), NewRules: stored}
	l.logger.WithFields(map[string]interface{}{
		"messages_analyzed": stats.MessagesAnalyzed,
		"new_rules":         stats.NewRules,
	}).Info("learning cycle complete")
	return stats, nil
}

// fetchEditPairs loads the edited messages and resolves each linked
// contact's lead category for the prompt context.
func (l *SelfLearner) fetchEditPairs(ctx context.Context, lookbackDays int) ([]editPair, error) {
	messages, err := l.crm.EditedMessages(ctx, lookbackDays)
	if err != nil {
		return nil, err
	}

	pairs := make([]editPair, 0, len(messages))
	for _, msg := range messages {
		pair := editPair{
			AIDraft:   msg.AIDraftVersion,
			HumanEdit: msg.DraftReply,
			Channel:   msg.Source,
		}
		if msg.EditDistance != nil {
			pair.EditDistance = *msg.EditDistance
		}
		if msg.ContactID != "" {
			if contact, err := l.crm.GetContact(ctx, msg.ContactID); err == nil && contact != nil {
				pair.LeadCategory = contact.LeadCategory
			}
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

type extractedRule struct {
	RuleText   string  `json:"rule_text"`
	Confidence float64 `json:"confidence"`
}

func (l *SelfLearner) analyzePatterns(ctx context.Context, pairs []editPair, existing []core.LearnedRule) ([]extractedRule, error) {
	prompt := ai.BuildLearningPrompt(l.salesContext, existing, formatEditPairs(pairs))

	resp, err := l.client.Complete(ctx, ai.Request{
		MaxTokens:   1024,
		Temperature: l.temperature,
		Tools:       []ai.Tool{extractRulesTool},
		ToolChoice:  &ai.ToolChoice{Type: "any"},
		Messages:    []ai.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Rules []extractedRule `json:"rules"`
	}
	if err := resp.ToolInput(&out); err != nil {
		if err == core.ErrNoToolUse {
			l.logger.Warn("model answered in prose, no rules extracted")
			return nil, nil
		}
		return nil, err
	}
	return out.Rules, nil
}

// capActiveRules retires the oldest rules until the active set fits.
func (l *SelfLearner) capActiveRules(maxActiveRules int) error {
	active, err := l.rules.Active()
	if err != nil {
		return err
	}
	if len(active) <= maxActiveRules {
		return nil
	}

	// Active() returns oldest first.
	for _, rule := range active[:len(active)-maxActiveRules] {
		if err := l.rules.Deactivate(rule.ID); err != nil {
			return err
		}
		l.logger.WithField("rule_id", rule.ID).Info("rule deactivated")
	}
	return nil
}

func formatEditPairs(pairs []editPair) string {
	var b strings.Builder
	for i, pair := range pairs {
		category := ""
		if pair.LeadCategory != "" {
			category = fmt.Sprintf(", Lead Category: %s", pair.LeadCategory)
		}
		fmt.Fprintf(&b, "### Edit %d (Channel: %s%s, Edit Distance: %.2f)\n", i+1, pair.Channel, category, pair.EditDistance)
		fmt.Fprintf(&b, "**AI Draft:**\n%s\n\n", pair.AIDraft)
		fmt.Fprintf(&b, "**Human Edit:**\n%s\n\n", pair.HumanEdit)
	}
	return b.String()
}
