// Package core defines the fundamental types for the Growlancer SDR bot.
// Every other package speaks in these types.
package core

import (
	"time"
)

// -----------------------------------------------------------------------------
// CHANNEL - Where a message or contact came from
// -----------------------------------------------------------------------------

// Channel identifies a communication channel. The string values match the
// CRM select options exactly and must never be renamed casually.
type Channel string

const (
	ChannelGmail    Channel = "Gmail"
	ChannelLinkedIn Channel = "LinkedIn"
	ChannelBoth     Channel = "Both" // contact reached us on both channels
)

// Direction distinguishes messages we received from messages we send.
type Direction string

const (
	DirectionInbound  Direction = "Inbound"
	DirectionOutbound Direction = "Outbound"
)

// -----------------------------------------------------------------------------
// LEAD - Classification vocabulary
// -----------------------------------------------------------------------------

// LeadCategory is the AI-assigned lead temperature.
type LeadCategory string

const (
	LeadHot      LeadCategory = "Hot"
	LeadWarm     LeadCategory = "Warm"
	LeadCold     LeadCategory = "Cold"
	LeadNotALead LeadCategory = "Not a Lead"
)

// LeadCategories lists every category, in the order the CRM shows them.
func LeadCategories() []LeadCategory {
	return []LeadCategory{LeadHot, LeadWarm, LeadCold, LeadNotALead}
}

// ConversationStage tracks where a contact sits in the sales conversation.
type ConversationStage string

const (
	StageNew        ConversationStage = "New"
	StageEngaging   ConversationStage = "Engaging"
	StageQualifying ConversationStage = "Qualifying"
	StageBooking    ConversationStage = "Booking"
	StageFollowUp   ConversationStage = "Follow Up"
	StageNurture    ConversationStage = "Nurture"
	StageClosedWon  ConversationStage = "Closed Won"
	StageClosedLost ConversationStage = "Closed Lost"
)

// ConversationStages lists every stage, in pipeline order.
func ConversationStages() []ConversationStage {
	return []ConversationStage{
		StageNew, StageEngaging, StageQualifying, StageBooking,
		StageFollowUp, StageNurture, StageClosedWon, StageClosedLost,
	}
}

// -----------------------------------------------------------------------------
// MESSAGE - Lifecycle status
// -----------------------------------------------------------------------------

// MessageStatus is the approval-workflow state of a Message row.
// Sent and Failed are terminal.
type MessageStatus string

const (
	StatusNew        MessageStatus = "New"
	StatusProcessing MessageStatus = "Processing"
	StatusDraftReady MessageStatus = "Draft Ready"
	StatusApproved   MessageStatus = "Approved"
	StatusRejected   MessageStatus = "Rejected"
	StatusSent       MessageStatus = "Sent"
	StatusFailed     MessageStatus = "Failed"
)

// FollowUpStatus is the cadence state on a contact. Empty means the
// contact has never entered the follow-up cadence.
type FollowUpStatus string

const (
	FollowUpActive    FollowUpStatus = "Active"
	FollowUpPaused    FollowUpStatus = "Paused"
	FollowUpExhausted FollowUpStatus = "Exhausted"
)

// -----------------------------------------------------------------------------
// AUDIT - Action vocabulary
// -----------------------------------------------------------------------------

// AuditAction names an event recorded in the audit trail.
type AuditAction string

const (
	AuditMessageReceived   AuditAction = "message_received"
	AuditContactCreated    AuditAction = "contact_created"
	AuditContactUpdated    AuditAction = "contact_updated"
	AuditClassified        AuditAction = "classified"
	AuditDraftCreated      AuditAction = "draft_created"
	AuditApproved          AuditAction = "approved"
	AuditRejected          AuditAction = "rejected"
	AuditSent              AuditAction = "sent"
	AuditAutoAccepted      AuditAction = "auto_accepted"
	AuditAutoRejected      AuditAction = "auto_rejected"
	AuditEnriched          AuditAction = "enriched"
	AuditFollowUpCreated   AuditAction = "follow_up_created"
	AuditFollowUpPaused    AuditAction = "follow_up_paused"
	AuditFollowUpExhausted AuditAction = "follow_up_exhausted"
	AuditLearningCycle     AuditAction = "learning_cycle"
)

// -----------------------------------------------------------------------------
// INBOUND MESSAGE - Normalized from any source
// -----------------------------------------------------------------------------

// InboundMessage is the channel-neutral form every source adapter emits.
// Source plus SourceMessageID is the idempotency key for the whole system.
type InboundMessage struct {
	Source          Channel   `json:"source"`
	SourceMessageID string    `json:"source_message_id"`
	SenderName      string    `json:"sender_name"`
	SenderEmail     string    `json:"sender_email,omitempty"`
	SenderLinkedIn  string    `json:"sender_linkedin_url,omitempty"`
	SenderTitle     string    `json:"sender_title,omitempty"`
	SenderCompany   string    `json:"sender_company,omitempty"`
	Subject         string    `json:"subject,omitempty"` // Gmail only
	Body            string    `json:"body"`
	ThreadContext   string    `json:"thread_context"` // full conversation history
	ReceivedAt      time.Time `json:"received_at"`
	AccountID       string    `json:"account_id,omitempty"` // LinkedIn account that received it
	ThreadID        string    `json:"thread_id,omitempty"`  // Gmail thread
	ChatID          string    `json:"chat_id,omitempty"`    // LinkedIn chat
	IsConnectionReq bool      `json:"is_connection_request"`
}

// -----------------------------------------------------------------------------
// AI OUTPUTS
// -----------------------------------------------------------------------------

// Classification is the structured output of lead classification.
type Classification struct {
	Category          LeadCategory      `json:"category"`
	Confidence        float64           `json:"confidence"` // 0..1
	Reasoning         string            `json:"reasoning"`
	DetectedIntent    string            `json:"detected_intent"`
	DetectedSignals   []string          `json:"detected_signals"`
	ShouldReply       bool              `json:"should_reply"`
	ConversationStage ConversationStage `json:"conversation_stage"`
	ICPMatchScore     float64           `json:"icp_match_score"` // 0..1
}

// DraftReply is the output of reply drafting.
type DraftReply struct {
	ReplyText     string `json:"reply_text"`
	StrategyNotes string `json:"strategy_notes"` // internal planning, never sent
}

// ConnectionEvaluation is the output of connection-request screening.
type ConnectionEvaluation struct {
	Accept       bool         `json:"accept"`
	Reasoning    string       `json:"reasoning"`
	LeadCategory LeadCategory `json:"lead_category"`
	Confidence   float64      `json:"confidence"` // 0..1
}

// -----------------------------------------------------------------------------
// CRM RECORDS
// -----------------------------------------------------------------------------

// Contact mirrors a Contacts row in the CRM. ID is the CRM record id
// and is empty until the row exists.
type Contact struct {
	ID               string            `json:"id,omitempty"`
	Name             string            `json:"name"`
	Email            string            `json:"email,omitempty"`
	LinkedInURL      string            `json:"linkedin_url,omitempty"`
	Company          string            `json:"company,omitempty"`
	Title            string            `json:"title,omitempty"`
	SourceChannel    Channel           `json:"source_channel"`
	LeadCategory     LeadCategory      `json:"lead_category"`
	Stage            ConversationStage `json:"conversation_stage"`
	AIConfidence     float64           `json:"ai_confidence"`
	DetectedIntent   string            `json:"detected_intent"`
	SignalStack      string            `json:"signal_stack"`
	AIReasoning      string            `json:"ai_reasoning"`
	FirstContact     *time.Time        `json:"first_contact,omitempty"`
	LastContact      *time.Time        `json:"last_contact,omitempty"`
	InteractionCount int               `json:"interaction_count"`
	EnrichedData     string            `json:"enriched_data"`

	// Follow-up cadence state
	FollowUpCount    int            `json:"follow_up_count"`
	FollowUpChannel  Channel        `json:"follow_up_channel,omitempty"`
	NextFollowUpDate *time.Time     `json:"next_follow_up_date,omitempty"`
	FollowUpStatus   FollowUpStatus `json:"follow_up_status,omitempty"`
	LastOutboundAt   *time.Time     `json:"last_outbound_at,omitempty"`
}

// Message mirrors a Messages row in the CRM.
type Message struct {
	ID              string        `json:"id,omitempty"`
	ContactID       string        `json:"contact_id,omitempty"`
	Source          Channel       `json:"source"`
	Direction       Direction     `json:"direction"`
	Subject         string        `json:"subject,omitempty"`
	Body            string        `json:"body"`
	ThreadContext   string        `json:"thread_context"`
	DraftReply      string        `json:"draft_reply"`
	Status          MessageStatus `json:"status"`
	Classification  string        `json:"classification"`
	Stage           string        `json:"conversation_stage"`
	AIDraftVersion  string        `json:"ai_draft_version"` // frozen copy of the AI draft
	EditDistance    *float64      `json:"edit_distance,omitempty"`
	ReceivedAt      *time.Time    `json:"received_at,omitempty"`
	SentAt          *time.Time    `json:"sent_at,omitempty"`
	SendError       string        `json:"send_error"`
	AccountID       string        `json:"account_id"`
	SourceMessageID string        `json:"source_message_id"`
	FollowUpNumber  *int          `json:"follow_up_number,omitempty"`
}

// AuditEntry mirrors an Audit Log row in the CRM.
type AuditEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Action    AuditAction `json:"action"`
	ContactID string      `json:"contact_id,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	Details   string      `json:"details"` // JSON blob
}

// -----------------------------------------------------------------------------
// LEARNED RULES
// -----------------------------------------------------------------------------

// LearnedRule is a drafting guideline mined from human edits.
type LearnedRule struct {
	ID            int64      `json:"id"`
	RuleText      string     `json:"rule_text"`
	Confidence    float64    `json:"confidence"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// -----------------------------------------------------------------------------
// CONNECTION REQUESTS
// -----------------------------------------------------------------------------

// ConnectionRequest is a pending LinkedIn connection request.
type ConnectionRequest struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Headline          string `json:"headline"`
	Company           string `json:"company"`
	Location          string `json:"location"`
	MutualConnections int    `json:"mutual_connections"`
	Message           string `json:"message"`
	ProfileSummary    string `json:"summary"`
	LinkedInURL       string `json:"linkedin_url"`
}
