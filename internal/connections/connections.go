// Package connections screens pending LinkedIn connection requests:
// it fetches them from Unipile, evaluates each against the ICP, and
// accepts or rejects on the founder's behalf.
package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/crm"
	"github.com/growlancer/sdr/internal/logging"
)

const (
	requestAttempts = 3
	requestBackoff  = 2 * time.Second
	maxBackoff      = 30 * time.Second
)

// Evaluator scores a connection request against the ICP.
type Evaluator interface {
	Evaluate(ctx context.Context, req *core.ConnectionRequest) (*core.ConnectionEvaluation, error)
}

// Stats summarizes one screening pass. Accepted-but-low-confidence
// requests are accepted on the wire but counted under Rejected so the
// accept rate in the stats only covers confident matches.
type Stats struct {
	Total    int `json:"total"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Errors   int `json:"errors"`
}

// Handler processes pending connection requests.
type Handler struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	evaluator     Evaluator
	crm           crm.CRM
	autoAccept    bool
	minConfidence float64
	logger        *logging.Logger
}

// Config wires the handler. BaseURL overrides the DSN-derived endpoint
// for tests.
type Config struct {
	UnipileDSN    string
	UnipileAPIKey string
	BaseURL       string
	Evaluator     Evaluator
	CRM           crm.CRM
	AutoAccept    bool
	MinConfidence float64
}

// New creates the connection request handler.
func New(cfg Config) *Handler {
	baseURL := cfg.BaseURL
	if baseURL == "" && cfg.UnipileDSN != "" {
		baseURL = "https://" + cfg.UnipileDSN
	}

	return &Handler{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        cfg.UnipileAPIKey,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		evaluator:     cfg.Evaluator,
		crm:           cfg.CRM,
		autoAccept:    cfg.AutoAccept,
		minConfidence: cfg.MinConfidence,
		logger:        logging.WithField("component", "connections"),
	}
}

// ProcessRequests screens every pending request. Requests are
// isolated: one failure counts as an error and the pass continues.
func (h *Handler) ProcessRequests(ctx context.Context) *Stats {
	stats := &Stats{}

	pending, err := h.fetchPending(ctx)
	if err != nil {
		h.logger.Error("fetching pending requests failed: %v", err)
		return stats
	}

	stats.Total = len(pending)
	if len(pending) == 0 {
		return stats
	}

	h.logger.WithField("count", len(pending)).Info("found pending connection requests")

	for _, req := range pending {
		if err := h.processOne(ctx, req, stats); err != nil {
			h.logger.WithField("request_id", req.ID).Error("processing request failed: %v", err)
			stats.Errors++
		}
	}

	h.logger.WithFields(map[string]interface{}{
		"total":    stats.Total,
		"accepted": stats.Accepted,
		"rejected": stats.Rejected,
		"errors":   stats.Errors,
	}).Info("connection screening complete")
	return stats
}

func (h *Handler) processOne(ctx context.Context, req *core.ConnectionRequest, stats *Stats) error {
	log := h.logger.WithFields(map[string]interface{}{
		"request_id": req.ID,
		"name":       req.Name,
	})

	evaluation, err := h.evaluator.Evaluate(ctx, req)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"accept":     evaluation.Accept,
		"confidence": evaluation.Confidence,
		"category":   evaluation.LeadCategory,
	}).Info("request evaluated")

	if evaluation.Accept && h.autoAccept && evaluation.Confidence >= h.minConfidence {
		if err := h.accept(ctx, req.ID); err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		log.Info("auto-accepted")

		contact, err := h.crm.UpsertContact(ctx, &core.Contact{
			Name:          req.Name,
			LinkedInURL:   req.LinkedInURL,
			Company:       req.Company,
			Title:         req.Headline,
			SourceChannel: core.ChannelLinkedIn,
			LeadCategory:  evaluation.LeadCategory,
			Stage:         core.StageNew,
			AIConfidence:  evaluation.Confidence,
			AIReasoning:   evaluation.Reasoning,
		})
		if err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}

		h.logAudit(ctx, core.AuditAutoAccepted, contact.ID, req, evaluation)
		stats.Accepted++
		return nil
	}

	if !evaluation.Accept {
		if err := h.reject(ctx, req.ID); err != nil {
			return fmt.Errorf("reject: %w", err)
		}
		log.Info("auto-rejected")
		h.logAudit(ctx, core.AuditAutoRejected, "", req, evaluation)
	} else {
		// The model wants to accept but is not confident enough to
		// create a lead out of it. Accept the connection, skip the CRM.
		if err := h.accept(ctx, req.ID); err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		log.Info("accepted below confidence threshold")
	}
	stats.Rejected++
	return nil
}

// connection request wire shape from Unipile
type pendingRequest struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	SenderName        string `json:"sender_name"`
	Headline          string `json:"headline"`
	Company           string `json:"company"`
	Location          string `json:"location"`
	MutualConnections int    `json:"mutual_connections"`
	Message           string `json:"message"`
	Summary           string `json:"summary"`
	LinkedInURL       string `json:"linkedin_url"`
	ProfileURL        string `json:"profile_url"`
}

func (p *pendingRequest) toRequest() *core.ConnectionRequest {
	name := p.Name
	if name == "" {
		name = p.SenderName
	}
	linkedinURL := p.LinkedInURL
	if linkedinURL == "" {
		linkedinURL = p.ProfileURL
	}
	return &core.ConnectionRequest{
		ID:                p.ID,
		Name:              name,
		Headline:          p.Headline,
		Company:           p.Company,
		Location:          p.Location,
		MutualConnections: p.MutualConnections,
		Message:           p.Message,
		ProfileSummary:    p.Summary,
		LinkedInURL:       linkedinURL,
	}
}

func (h *Handler) fetchPending(ctx context.Context) ([]*core.ConnectionRequest, error) {
	query := url.Values{"status": {"pending"}}
	body, err := h.do(ctx, http.MethodGet, "/api/v1/connection_requests?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Items []pendingRequest `json:"items"`
		Data  []pendingRequest `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parse connection requests: %w", err)
	}
	raw := envelope.Items
	if raw == nil {
		raw = envelope.Data
	}

	out := make([]*core.ConnectionRequest, 0, len(raw))
	for i := range raw {
		out = append(out, raw[i].toRequest())
	}
	return out, nil
}

func (h *Handler) accept(ctx context.Context, requestID string) error {
	_, err := h.do(ctx, http.MethodPost, "/api/v1/connection_requests/"+requestID+"/accept")
	return err
}

func (h *Handler) reject(ctx context.Context, requestID string) error {
	_, err := h.do(ctx, http.MethodPost, "/api/v1/connection_requests/"+requestID+"/reject")
	return err
}

func (h *Handler) do(ctx context.Context, method, path string) ([]byte, error) {
	var body []byte
	err := h.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-API-KEY", h.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("unipile error %d: %s", resp.StatusCode, string(body))
		}
		return nil
	})
	return body, err
}

func (h *Handler) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < requestAttempts; attempt++ {
		if attempt > 0 {
			backoff := requestBackoff << (attempt - 1)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (h *Handler) logAudit(ctx context.Context, action core.AuditAction, contactID string, req *core.ConnectionRequest, evaluation *core.ConnectionEvaluation) {
	blob, _ := json.Marshal(map[string]interface{}{
		"name":       req.Name,
		"headline":   req.Headline,
		"company":    req.Company,
		"confidence": evaluation.Confidence,
		"reasoning":  evaluation.Reasoning,
	})
	if err := h.crm.LogAudit(ctx, &core.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		ContactID: contactID,
		Details:   string(blob),
	}); err != nil {
		h.logger.Warn("audit write failed: %v", err)
	}
}
