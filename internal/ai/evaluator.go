package ai

import (
	"context"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
)

// connectionEvalTool is the structured-output schema for connection
// request screening.
var connectionEvalTool = Tool{
	Name: "evaluate_connection",
	Description: "Evaluate a LinkedIn connection request against the Ideal Customer Profile. " +
		"Decide whether to accept or reject and assign a lead category.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"accept": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether to accept the connection request.",
			},
			"reasoning": map[string]interface{}{
				"type":        "string",
				"description": "Brief explanation of the decision.",
			},
			"lead_category": map[string]interface{}{
				"type": "string",
				"enum": leadCategoryValues(),
			},
			"confidence": map[string]interface{}{
				"type":    "number",
				"minimum": 0.0,
				"maximum": 1.0,
			},
		},
		"required": []string{"accept", "reasoning", "lead_category", "confidence"},
	},
}

// ConnectionEvaluator screens LinkedIn connection requests.
type ConnectionEvaluator struct {
	client       *Client
	salesContext string
	temperature  float64
	logger       *logging.Logger
}

// NewConnectionEvaluator creates a new connection evaluator.
func NewConnectionEvaluator(client *Client, salesContext string, temperature float64) *ConnectionEvaluator {
	return &ConnectionEvaluator{
		client:       client,
		salesContext: salesContext,
		temperature:  temperature,
		logger:       logging.WithField("component", "connection_eval"),
	}
}

// Evaluate decides whether to accept a connection request.
func (e *ConnectionEvaluator) Evaluate(ctx context.Context, req *core.ConnectionRequest) (*core.ConnectionEvaluation, error) {
	prompt := BuildConnectionEvalPrompt(e.salesContext, req)

	resp, err := e.client.Complete(ctx, Request{
		MaxTokens:   1024,
		Temperature: e.temperature,
		Tools:       []Tool{connectionEvalTool},
		ToolChoice:  &ToolChoice{Type: "any"},
		Messages:    []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	var eval core.ConnectionEvaluation
	if err := resp.ToolInput(&eval); err != nil {
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		"name":       req.Name,
		"company":    req.Company,
		"accept":     eval.Accept,
		"category":   eval.LeadCategory,
		"confidence": eval.Confidence,
	}).Info("evaluated connection request")

	return &eval, nil
}
