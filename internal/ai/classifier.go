package ai

import (
	"context"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
)

// classifyTool is the structured-output schema for lead classification.
var classifyTool = Tool{
	Name: "classify_lead",
	Description: "Classify an inbound sales lead: assign a category, detect intent and " +
		"buying signals, and decide whether an automated reply is appropriate.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"category": map[string]interface{}{
				"type": "string",
				"enum": leadCategoryValues(),
			},
			"confidence": map[string]interface{}{
				"type":    "number",
				"minimum": 0.0,
				"maximum": 1.0,
			},
			"reasoning": map[string]interface{}{
				"type":        "string",
				"description": "Brief explanation of the classification.",
			},
			"detected_intent": map[string]interface{}{
				"type":        "string",
				"description": "What the sender wants, in a few words.",
			},
			"detected_signals": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Buying signals found in the message.",
			},
			"should_reply": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether an automated reply is appropriate.",
			},
			"conversation_stage": map[string]interface{}{
				"type": "string",
				"enum": conversationStageValues(),
			},
			"icp_match_score": map[string]interface{}{
				"type":    "number",
				"minimum": 0.0,
				"maximum": 1.0,
			},
		},
		"required": []string{
			"category", "confidence", "reasoning", "detected_intent",
			"detected_signals", "should_reply", "conversation_stage", "icp_match_score",
		},
	},
}

func leadCategoryValues() []string {
	categories := core.LeadCategories()
	values := make([]string, len(categories))
	for i, c := range categories {
		values[i] = string(c)
	}
	return values
}

func conversationStageValues() []string {
	stages := core.ConversationStages()
	values := make([]string, len(stages))
	for i, s := range stages {
		values[i] = string(s)
	}
	return values
}

// Classifier assigns lead categories to inbound messages.
type Classifier struct {
	client       *Client
	salesContext string
	temperature  float64
	logger       *logging.Logger
}

// NewClassifier creates a new lead classifier.
func NewClassifier(client *Client, salesContext string, temperature float64) *Classifier {
	return &Classifier{
		client:       client,
		salesContext: salesContext,
		temperature:  temperature,
		logger:       logging.WithField("component", "classifier"),
	}
}

// Classify runs lead classification on an inbound message.
func (c *Classifier) Classify(ctx context.Context, msg *core.InboundMessage, enrichment, currentStage string) (*core.Classification, error) {
	prompt := BuildClassificationPrompt(c.salesContext, msg, enrichment, currentStage)

	resp, err := c.client.Complete(ctx, Request{
		MaxTokens:   1024,
		Temperature: c.temperature,
		Tools:       []Tool{classifyTool},
		ToolChoice:  &ToolChoice{Type: "any"},
		Messages:    []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	var cls core.Classification
	if err := resp.ToolInput(&cls); err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"sender":       msg.SenderName,
		"category":     cls.Category,
		"confidence":   cls.Confidence,
		"should_reply": cls.ShouldReply,
	}).Info("classified inbound message")

	return &cls, nil
}
