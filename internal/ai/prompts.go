package ai

import (
	"fmt"
	"strings"

	"github.com/growlancer/sdr/internal/core"
)

// Prompt templates. Placeholders use the {{NAME}} form and are filled
// by the build functions below. The sales context block comes from
// config/sales_context.yaml, already flattened by the config package.

const classifyLeadTemplate = `You are the lead qualification brain of an SDR automation system for a
software consultancy.

# Sales Context
{{SALES_CONTEXT}}

# Inbound Message
Source: {{SOURCE}}
From: {{SENDER_NAME}} ({{SENDER_TITLE}} at {{SENDER_COMPANY}})
Email: {{SENDER_EMAIL}}
LinkedIn: {{SENDER_LINKEDIN_URL}}
Subject: {{SUBJECT}}
Received: {{RECEIVED_AT}}
Current conversation stage: {{CURRENT_STAGE}}

Message body:
{{BODY}}

Prior thread:
{{THREAD_CONTEXT}}

# Enrichment
{{ENRICHMENT_DATA}}

# Task
Classify this lead. Judge how well the sender matches the Ideal
Customer Profile above, what they actually want, and which buying
signals appear in their message. Decide whether an automated reply is
appropriate: genuine prospects and warm conversations deserve one,
spam, vendors selling to us, and automated notifications do not.

Use the classify_lead tool to report your classification.`

const draftReplyTemplate = `You are an experienced SDR writing a reply on behalf of the founder.
Work through three steps and show your work with the markers described
at the end.

# Sales Context
{{SALES_CONTEXT}}

# The Lead
From: {{SENDER_NAME}} ({{SENDER_TITLE}} at {{SENDER_COMPANY}})
Channel: {{SOURCE}}
Subject: {{SUBJECT}}

Their message:
{{BODY}}

Prior thread:
{{THREAD_CONTEXT}}

# Classification
Category: {{LEAD_CATEGORY}} (confidence {{CONFIDENCE}})
Intent: {{DETECTED_INTENT}}
Signals: {{DETECTED_SIGNALS}}
Stage: {{CONVERSATION_STAGE}}
ICP match: {{ICP_MATCH_SCORE}}
Reasoning: {{AI_REASONING}}

# Enrichment
{{ENRICHMENT_DATA}}

# Learned preferences
These rules were learned from how the human edits drafts. Follow them.
{{LEARNED_RULES}}

# Steps
1. ANALYZE: identify the lead's intent, their likely pain points, and
   the best response strategy for this stage.
2. DRAFT: write the reply. LinkedIn replies stay short and casual,
   email replies can run a little longer. Always personalize, always
   end with one clear call to action. Never sound like a template.
3. SELF-CRITIQUE: reread the draft. Too salesy? Too long? Weak CTA?
   Missing personalization? Fix what you find and output the final
   version.

Wrap your internal analysis in <STRATEGY_NOTES>...</STRATEGY_NOTES>
and the final reply text in <FINAL_REPLY>...</FINAL_REPLY>. The final
reply must contain only the words to send, no commentary.`

const draftFollowUpTemplate = `You are an experienced SDR writing follow-up number {{FOLLOWUP_NUMBER}}
to a lead who went quiet.

# Sales Context
{{SALES_CONTEXT}}

# The Lead
Name: {{CONTACT_NAME}} ({{CONTACT_TITLE}} at {{CONTACT_COMPANY}})
Email: {{CONTACT_EMAIL}}
Category: {{LEAD_CATEGORY}}
Stage: {{CONVERSATION_STAGE}}

# Enrichment
{{ENRICHMENT_DATA}}

# Conversation so far
{{CONVERSATION_HISTORY}}

# Learned preferences
{{LEARNED_RULES}}

# Task
Write a short follow-up for {{CHANNEL}}. Reference something concrete
from the conversation, add a new angle or piece of value rather than
"just checking in", and keep it easy to answer. Later follow-ups in a
sequence should get shorter and lighter. Output only the message text,
nothing else.`

const analyzeEditsTemplate = `You review how a human edited AI-written sales drafts before sending
them, and distill the patterns into reusable writing rules.

# Sales Context
{{SALES_CONTEXT}}

# Existing rules
{{EXISTING_RULES}}

# Recent edits
{{EDIT_PAIRS}}

# Task
Find patterns that repeat across the edits: tone shifts, length
changes, phrases removed or added, structural preferences. Do not
restate an existing rule. Use the extract_rules tool to report at most
2 concise, actionable rules with confidence scores; report an empty
list when no clear pattern exists.`

const evaluateConnectionTemplate = `You screen incoming LinkedIn connection requests for a software
consultancy. Accept people who could plausibly become customers or
useful network; reject recruiters, spammers, and obvious sellers.

# Sales Context
{{SALES_CONTEXT}}

# Connection Request
Name: {{NAME}}
Headline: {{HEADLINE}}
Company: {{COMPANY}}
Location: {{LOCATION}}
Mutual connections: {{MUTUAL_CONNECTIONS}}
Message: {{REQUEST_MESSAGE}}
Profile summary: {{PROFILE_SUMMARY}}

Use the evaluate_connection tool to report your decision.`

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// FormatRules renders learned rules as a numbered list for prompt
// injection.
func FormatRules(rules []core.LearnedRule) string {
	if len(rules) == 0 {
		return "No learned preferences yet."
	}
	lines := make([]string, len(rules))
	for i, r := range rules {
		lines[i] = fmt.Sprintf("%d. %s", i+1, r.RuleText)
	}
	return strings.Join(lines, "\n")
}

// BuildClassificationPrompt renders the lead classification prompt.
func BuildClassificationPrompt(salesContext string, msg *core.InboundMessage, enrichment, currentStage string) string {
	return strings.NewReplacer(
		"{{SALES_CONTEXT}}", salesContext,
		"{{SOURCE}}", string(msg.Source),
		"{{SENDER_NAME}}", orDefault(msg.SenderName, "Unknown"),
		"{{SENDER_EMAIL}}", orDefault(msg.SenderEmail, "N/A"),
		"{{SENDER_TITLE}}", orDefault(msg.SenderTitle, "N/A"),
		"{{SENDER_COMPANY}}", orDefault(msg.SenderCompany, "N/A"),
		"{{SENDER_LINKEDIN_URL}}", orDefault(msg.SenderLinkedIn, "N/A"),
		"{{SUBJECT}}", orDefault(msg.Subject, "N/A"),
		"{{RECEIVED_AT}}", msg.ReceivedAt.Format("2006-01-02T15:04:05Z07:00"),
		"{{CURRENT_STAGE}}", orDefault(currentStage, "New"),
		"{{BODY}}", msg.Body,
		"{{THREAD_CONTEXT}}", orDefault(msg.ThreadContext, "N/A"),
		"{{ENRICHMENT_DATA}}", orDefault(enrichment, "None available"),
	).Replace(classifyLeadTemplate)
}

// BuildReplyPrompt renders the reply drafting prompt.
func BuildReplyPrompt(salesContext string, msg *core.InboundMessage, cls *core.Classification, enrichment string, rules []core.LearnedRule) string {
	return strings.NewReplacer(
		"{{SALES_CONTEXT}}", salesContext,
		"{{SOURCE}}", string(msg.Source),
		"{{SENDER_NAME}}", orDefault(msg.SenderName, "Unknown"),
		"{{SENDER_TITLE}}", orDefault(msg.SenderTitle, "N/A"),
		"{{SENDER_COMPANY}}", orDefault(msg.SenderCompany, "N/A"),
		"{{SUBJECT}}", orDefault(msg.Subject, "N/A"),
		"{{BODY}}", msg.Body,
		"{{THREAD_CONTEXT}}", orDefault(msg.ThreadContext, "N/A"),
		"{{LEAD_CATEGORY}}", string(cls.Category),
		"{{CONFIDENCE}}", fmt.Sprintf("%.2f", cls.Confidence),
		"{{DETECTED_INTENT}}", cls.DetectedIntent,
		"{{DETECTED_SIGNALS}}", strings.Join(cls.DetectedSignals, ", "),
		"{{CONVERSATION_STAGE}}", string(cls.ConversationStage),
		"{{ICP_MATCH_SCORE}}", fmt.Sprintf("%.2f", cls.ICPMatchScore),
		"{{AI_REASONING}}", cls.Reasoning,
		"{{ENRICHMENT_DATA}}", orDefault(enrichment, "None available"),
		"{{LEARNED_RULES}}", FormatRules(rules),
	).Replace(draftReplyTemplate)
}

// BuildFollowUpPrompt renders the follow-up drafting prompt.
func BuildFollowUpPrompt(salesContext string, contact *core.Contact, channel core.Channel, history string, followUpNumber int, rules []core.LearnedRule) string {
	return strings.NewReplacer(
		"{{SALES_CONTEXT}}", salesContext,
		"{{CONTACT_NAME}}", orDefault(contact.Name, "Unknown"),
		"{{CONTACT_EMAIL}}", orDefault(contact.Email, "N/A"),
		"{{CONTACT_TITLE}}", orDefault(contact.Title, "N/A"),
		"{{CONTACT_COMPANY}}", orDefault(contact.Company, "N/A"),
		"{{LEAD_CATEGORY}}", string(contact.LeadCategory),
		"{{CONVERSATION_STAGE}}", string(contact.Stage),
		"{{ENRICHMENT_DATA}}", orDefault(contact.EnrichedData, "None available"),
		"{{CHANNEL}}", string(channel),
		"{{FOLLOWUP_NUMBER}}", fmt.Sprintf("%d", followUpNumber),
		"{{CONVERSATION_HISTORY}}", orDefault(history, "No prior messages"),
		"{{LEARNED_RULES}}", FormatRules(rules),
	).Replace(draftFollowUpTemplate)
}

// BuildLearningPrompt renders the edit-analysis prompt. editPairs is
// the preformatted before/after block built by the learning cycle.
func BuildLearningPrompt(salesContext string, existing []core.LearnedRule, editPairs string) string {
	return strings.NewReplacer(
		"{{SALES_CONTEXT}}", salesContext,
		"{{EXISTING_RULES}}", FormatRules(existing),
		"{{EDIT_PAIRS}}", editPairs,
	).Replace(analyzeEditsTemplate)
}

// BuildConnectionEvalPrompt renders the connection screening prompt.
func BuildConnectionEvalPrompt(salesContext string, req *core.ConnectionRequest) string {
	return strings.NewReplacer(
		"{{SALES_CONTEXT}}", salesContext,
		"{{NAME}}", req.Name,
		"{{HEADLINE}}", req.Headline,
		"{{COMPANY}}", req.Company,
		"{{LOCATION}}", orDefault(req.Location, "N/A"),
		"{{MUTUAL_CONNECTIONS}}", fmt.Sprintf("%d", req.MutualConnections),
		"{{REQUEST_MESSAGE}}", orDefault(req.Message, "No message"),
		"{{PROFILE_SUMMARY}}", orDefault(req.ProfileSummary, "N/A"),
	).Replace(evaluateConnectionTemplate)
}
