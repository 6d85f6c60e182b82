// Package core defines the fundamental types and errors for the SDR bot.
package core

import "errors"

// Core errors that can occur across the system
var (
	// CRM errors
	ErrContactNotFound = errors.New("contact not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrUnknownField    = errors.New("unknown CRM field")
	ErrBadFieldValue   = errors.New("value does not match CRM field type")

	// Storage errors
	ErrDatabaseNotFound = errors.New("database not found")
	ErrMigrationFailed  = errors.New("migration failed")
	ErrRecordNotFound   = errors.New("record not found")

	// Source errors
	ErrSourceUnavailable = errors.New("source is not configured")
	ErrCircuitOpen       = errors.New("circuit breaker is open")

	// Sending errors
	ErrRateLimited       = errors.New("rate limit exhausted")
	ErrNoRecipient       = errors.New("no recipient email found on linked contact")
	ErrEmptyDraft        = errors.New("draft reply is empty")
	ErrNotApproved       = errors.New("message is not approved")
	ErrNoRoute           = errors.New("no routing information for channel")
	ErrMissingContact    = errors.New("message has no linked contact")
	ErrChannelExhausted  = errors.New("no usable follow-up channel")

	// AI errors
	ErrLLMUnavailable = errors.New("LLM service unavailable")
	ErrNoToolUse      = errors.New("model response contained no tool_use block")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required configuration")
)
