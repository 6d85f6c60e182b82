// Package pipeline runs the inbound flow: idempotency check, contact
// dedup and upsert, enrichment, classification, drafting, and the CRM
// writes that make the result visible for human review.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/crm"
	"github.com/growlancer/sdr/internal/dedup"
	"github.com/growlancer/sdr/internal/enrichment"
	"github.com/growlancer/sdr/internal/logging"
	"github.com/growlancer/sdr/internal/storage"
)

// Classifier assigns a lead category to an inbound message.
type Classifier interface {
	Classify(ctx context.Context, msg *core.InboundMessage, enrichmentData, currentStage string) (*core.Classification, error)
}

// Drafter writes the reply draft for a classified message.
type Drafter interface {
	DraftReply(ctx context.Context, msg *core.InboundMessage, cls *core.Classification, enrichmentData string, rules []core.LearnedRule) (*core.DraftReply, error)
}

// Outcome tags what happened to one message. A message that fails is
// Failed, not Skipped: the distinction keeps batch stats honest.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result reports one message's trip through the pipeline.
type Result struct {
	Outcome   Outcome
	TraceID   string
	MessageID string // CRM message record id, set when created
	ContactID string
	Err       error
}

// BatchStats summarizes one poll cycle.
type BatchStats struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Pipeline wires the inbound stages together.
type Pipeline struct {
	crm        crm.CRM
	dedup      *dedup.Matcher
	classifier Classifier
	drafter    Drafter
	enricher   enrichment.Enricher
	ledger     *storage.LedgerStore
	rules      *storage.RuleStore
	audits     *storage.AuditStore
	logger     *logging.Logger
}

// Config wires the pipeline dependencies. Enricher may be nil.
type Config struct {
	CRM        crm.CRM
	Dedup      *dedup.Matcher
	Classifier Classifier
	Drafter    Drafter
	Enricher   enrichment.Enricher
	Ledger     *storage.LedgerStore
	Rules      *storage.RuleStore
	Audits     *storage.AuditStore
}

// New creates the inbound pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		crm:        cfg.CRM,
		dedup:      cfg.Dedup,
		classifier: cfg.Classifier,
		drafter:    cfg.Drafter,
		enricher:   cfg.Enricher,
		ledger:     cfg.Ledger,
		rules:      cfg.Rules,
		audits:     cfg.Audits,
		logger:     logging.WithField("component", "pipeline"),
	}
}

// ProcessMessage runs one message through the full pipeline. Every
// terminal state lands in the ledger, so reprocessing is always safe.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg *core.InboundMessage) *Result {
	traceID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	log := p.logger.WithFields(map[string]interface{}{
		"trace_id":          traceID,
		"source":            msg.Source,
		"source_message_id": msg.SourceMessageID,
		"sender":            msg.SenderName,
	})
	start := time.Now()

	processed, err := p.ledger.IsProcessed(msg.Source, msg.SourceMessageID)
	if err != nil {
		return &Result{Outcome: OutcomeFailed, TraceID: traceID, Err: err}
	}
	if processed {
		log.Debug("already processed, skipping")
		return &Result{Outcome: OutcomeSkipped, TraceID: traceID}
	}

	log.Info("pipeline start")

	result, err := p.run(ctx, msg, traceID, log, start)
	if err != nil {
		log.Error("pipeline failed: %v", err)
		if lerr := p.ledger.MarkFailed(msg.Source, msg.SourceMessageID, err.Error()); lerr != nil {
			log.Error("ledger write failed: %v", lerr)
		}
		return &Result{Outcome: OutcomeFailed, TraceID: traceID, Err: err}
	}
	return result
}

func (p *Pipeline) run(ctx context.Context, msg *core.InboundMessage, traceID string, log *logging.Logger, start time.Time) (*Result, error) {
	contact, err := p.upsertContact(ctx, msg, traceID, log)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}

	enrichmentData := p.enrichContact(ctx, contact, traceID, log)

	cls, err := p.classifier.Classify(ctx, msg, enrichmentData, string(contact.Stage))
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"category":   cls.Category,
		"confidence": cls.Confidence,
		"intent":     cls.DetectedIntent,
	}).Info("classified")

	draftReply := ""
	status := core.StatusNew
	if cls.ShouldReply {
		draft, err := p.draftReply(ctx, msg, cls, enrichmentData, log)
		if err != nil {
			return nil, fmt.Errorf("draft reply: %w", err)
		}
		draftReply = draft.ReplyText
		status = core.StatusDraftReady
	} else {
		log.WithField("reason", cls.Reasoning).Info("no reply needed")
	}

	receivedAt := msg.ReceivedAt
	record, err := p.crm.CreateMessage(ctx, &core.Message{
		ContactID:       contact.ID,
		Source:          msg.Source,
		Direction:       core.DirectionInbound,
		Subject:         msg.Subject,
		Body:            msg.Body,
		ThreadContext:   msg.ThreadContext,
		DraftReply:      draftReply,
		Status:          status,
		Classification:  string(cls.Category),
		Stage:           string(cls.ConversationStage),
		AIDraftVersion:  draftReply,
		ReceivedAt:      &receivedAt,
		AccountID:       msg.AccountID,
		SourceMessageID: msg.SourceMessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"message_id": record.ID,
		"status":     status,
	}).Info("message record created")

	signals := cls.DetectedSignals
	if signals == nil {
		signals = []string{}
	}
	signalsJSON, _ := json.Marshal(signals)

	updates := crm.ContactFields().
		Set(crm.FieldLeadCategory, cls.Category).
		Set(crm.FieldStage, cls.ConversationStage).
		Set(crm.FieldAIConfidence, cls.Confidence).
		Set(crm.FieldDetectedIntent, cls.DetectedIntent).
		Set(crm.FieldSignalStack, string(signalsJSON)).
		Set(crm.FieldAIReasoning, cls.Reasoning).
		SetDate(crm.FieldLastContact, msg.ReceivedAt)
	if err := p.crm.UpdateContact(ctx, contact.ID, updates); err != nil {
		return nil, fmt.Errorf("update contact classification: %w", err)
	}

	if err := p.ledger.MarkProcessed(msg.Source, msg.SourceMessageID, storage.LedgerProcessed, record.ID, contact.ID); err != nil {
		return nil, fmt.Errorf("mark processed: %w", err)
	}

	p.logCRMAudit(ctx, core.AuditMessageReceived, contact.ID, record.ID, map[string]interface{}{
		"trace_id": traceID,
		"source":   msg.Source,
		"sender":   msg.SenderName,
	}, log)
	p.logCRMAudit(ctx, core.AuditClassified, contact.ID, record.ID, map[string]interface{}{
		"trace_id":   traceID,
		"category":   cls.Category,
		"confidence": cls.Confidence,
		"intent":     cls.DetectedIntent,
		"stage":      cls.ConversationStage,
		"icp_score":  cls.ICPMatchScore,
	}, log)
	if draftReply != "" {
		p.logCRMAudit(ctx, core.AuditDraftCreated, contact.ID, record.ID, map[string]interface{}{
			"trace_id":   traceID,
			"word_count": len(strings.Fields(draftReply)),
		}, log)
	}

	durationMS := time.Since(start).Milliseconds()
	if p.audits != nil {
		if err := p.audits.Log(&storage.LocalAuditEntry{
			TraceID:   traceID,
			Action:    "pipeline_complete",
			Source:    string(msg.Source),
			MessageID: record.ID,
			ContactID: contact.ID,
			Details: map[string]interface{}{
				"category":     cls.Category,
				"confidence":   cls.Confidence,
				"should_reply": cls.ShouldReply,
				"status":       status,
			},
			DurationMS: durationMS,
		}); err != nil {
			log.Warn("local audit write failed: %v", err)
		}
	}

	log.WithFields(map[string]interface{}{
		"duration_ms": durationMS,
		"category":    cls.Category,
		"status":      status,
	}).Info("pipeline complete")

	return &Result{
		Outcome:   OutcomeCreated,
		TraceID:   traceID,
		MessageID: record.ID,
		ContactID: contact.ID,
	}, nil
}

// upsertContact finds the existing contact for the sender or creates a
// new one, merging any new identity data either way.
func (p *Pipeline) upsertContact(ctx context.Context, msg *core.InboundMessage, traceID string, log *logging.Logger) (*core.Contact, error) {
	existing, err := p.dedup.FindExisting(ctx, msg)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		fields, filled := dedup.MergeUpdates(existing, msg)
		if err := p.crm.UpdateContact(ctx, existing.ID, fields); err != nil {
			return nil, err
		}
		if len(filled) > 0 {
			log.WithFields(map[string]interface{}{
				"contact_id": existing.ID,
				"updates":    filled,
			}).Info("contact updated")
			p.logCRMAudit(ctx, core.AuditContactUpdated, existing.ID, "", map[string]interface{}{
				"trace_id": traceID,
				"updates":  filled,
			}, log)
		}
		return existing, nil
	}

	receivedAt := msg.ReceivedAt
	contact, err := p.crm.UpsertContact(ctx, &core.Contact{
		Name:             msg.SenderName,
		Email:            msg.SenderEmail,
		LinkedInURL:      msg.SenderLinkedIn,
		Company:          msg.SenderCompany,
		Title:            msg.SenderTitle,
		SourceChannel:    msg.Source,
		Stage:            core.StageNew,
		FirstContact:     &receivedAt,
		LastContact:      &receivedAt,
		InteractionCount: 1,
	})
	if err != nil {
		return nil, err
	}

	log.WithField("contact_id", contact.ID).Info("contact created")
	p.logCRMAudit(ctx, core.AuditContactCreated, contact.ID, "", map[string]interface{}{
		"trace_id": traceID,
		"name":     contact.Name,
	}, log)

	return contact, nil
}

// enrichContact runs the enrichment cascade best-effort. Failures are
// logged and the pipeline carries on without enrichment data.
func (p *Pipeline) enrichContact(ctx context.Context, contact *core.Contact, traceID string, log *logging.Logger) string {
	if p.enricher == nil || !p.enricher.IsAvailable() {
		return ""
	}

	start := time.Now()
	data, err := p.enricher.Enrich(ctx, enrichment.Request{
		Email:       contact.Email,
		LinkedInURL: contact.LinkedInURL,
		Name:        contact.Name,
		Company:     contact.Company,
	})
	if err != nil {
		log.Warn("enrichment failed: %v", err)
		return ""
	}
	if data == nil {
		return ""
	}

	blob, err := json.Marshal(data)
	if err != nil {
		log.Warn("enrichment marshal failed: %v", err)
		return ""
	}

	updates := crm.ContactFields().Set(crm.FieldEnrichedData, string(blob))
	if data.Title != "" && contact.Title == "" {
		updates.Set(crm.FieldTitle, data.Title)
	}
	if data.Company != "" && contact.Company == "" {
		updates.Set(crm.FieldCompany, data.Company)
	}
	if data.LinkedInURL != "" && contact.LinkedInURL == "" {
		updates.Set(crm.FieldLinkedInURL, data.LinkedInURL)
	}
	if data.Email != "" && contact.Email == "" {
		updates.Set(crm.FieldEmail, data.Email)
	}
	if err := p.crm.UpdateContact(ctx, contact.ID, updates); err != nil {
		log.Warn("enrichment write failed: %v", err)
		return string(blob)
	}

	durationMS := time.Since(start).Milliseconds()
	p.logCRMAudit(ctx, core.AuditEnriched, contact.ID, "", map[string]interface{}{
		"trace_id":    traceID,
		"duration_ms": durationMS,
	}, log)
	log.WithFields(map[string]interface{}{
		"contact_id":  contact.ID,
		"duration_ms": durationMS,
	}).Info("contact enriched")

	return string(blob)
}

// draftReply loads the active learned rules and drafts the reply.
func (p *Pipeline) draftReply(ctx context.Context, msg *core.InboundMessage, cls *core.Classification, enrichmentData string, log *logging.Logger) (*core.DraftReply, error) {
	var rules []*core.LearnedRule
	if p.rules != nil {
		var err error
		rules, err = p.rules.Active()
		if err != nil {
			log.Warn("loading learned rules failed: %v", err)
			rules = nil
		}
	}

	ruleVals := make([]core.LearnedRule, 0, len(rules))
	for _, r := range rules {
		ruleVals = append(ruleVals, *r)
	}

	start := time.Now()
	draft, err := p.drafter.DraftReply(ctx, msg, cls, enrichmentData, ruleVals)
	if err != nil {
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"word_count":  len(strings.Fields(draft.ReplyText)),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("reply drafted")

	return draft, nil
}

// ProcessBatch processes one poll's worth of messages.
func (p *Pipeline) ProcessBatch(ctx context.Context, msgs []*core.InboundMessage) *BatchStats {
	stats := &BatchStats{Total: len(msgs)}

	for _, msg := range msgs {
		switch p.ProcessMessage(ctx, msg).Outcome {
		case OutcomeCreated:
			stats.Created++
		case OutcomeSkipped:
			stats.Skipped++
		case OutcomeFailed:
			stats.Failed++
		}
	}

	p.logger.WithFields(map[string]interface{}{
		"total":   stats.Total,
		"created": stats.Created,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
	}).Info("batch complete")

	return stats
}

func (p *Pipeline) logCRMAudit(ctx context.Context, action core.AuditAction, contactID, messageID string, details map[string]interface{}, log *logging.Logger) {
	blob, _ := json.Marshal(details)
	entry := &core.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		ContactID: contactID,
		MessageID: messageID,
		Details:   string(blob),
	}
	if err := p.crm.LogAudit(ctx, entry); err != nil {
		log.Warn("audit write failed: %v", err)
	}
}
