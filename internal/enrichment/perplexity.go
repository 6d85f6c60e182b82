package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/growlancer/sdr/internal/logging"
)

const perplexityURL = "https://api.perplexity.ai/chat/completions"

// PerplexityClient searches the public web for professional information.
// Last tier of the cascade, used only when the structured providers
// come up empty.
type PerplexityClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewPerplexityClient creates a Perplexity Sonar client. baseURL
// overrides the production endpoint for tests.
func NewPerplexityClient(apiKey, baseURL string) *PerplexityClient {
	if baseURL == "" {
		baseURL = perplexityURL
	}
	return &PerplexityClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.WithField("component", "perplexity"),
	}
}

// Search queries the web for the person. A miss or an unparseable
// answer returns (nil, nil).
func (c *PerplexityClient) Search(ctx context.Context, req Request) (*Data, error) {
	var queryParts []string
	if req.Name != "" && req.Name != "Unknown" {
		queryParts = append(queryParts, req.Name)
	}
	if req.Company != "" {
		queryParts = append(queryParts, "at "+req.Company)
	}
	if req.Email != "" {
		queryParts = append(queryParts, "email: "+req.Email)
	}
	if req.LinkedInURL != "" {
		queryParts = append(queryParts, "LinkedIn: "+req.LinkedInURL)
	}
	if len(queryParts) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(
		"Find professional information about %s. "+
			"Return a JSON object with these fields (use empty string if unknown): "+
			`"name", "title", "company", "linkedin_url", "city", "country", `+
			`"company_industry", "company_size_estimate", "recent_news". `+
			"Only return the JSON object, no other text.",
		strings.Join(queryParts, " "),
	)

	payload, err := json.Marshal(map[string]interface{}{
		"model":       "sonar",
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": 0.1,
	})
	if err != nil {
		return nil, err
	}

	var result *Data
	err = withRetry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			c.logger.WithField("status", resp.StatusCode).Debug("no perplexity result")
			return nil
		}

		var envelope struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("parse perplexity response: %w", err)
		}
		if len(envelope.Choices) == 0 {
			return nil
		}

		result = parseSearchAnswer(envelope.Choices[0].Message.Content)
		if result != nil {
			c.logger.WithField("name", req.Name).Info("perplexity enrichment found")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseSearchAnswer extracts the JSON object from the model answer,
// tolerating markdown code fences around it.
func parseSearchAnswer(content string) *Data {
	if strings.Contains(content, "```") {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return nil
		}
		content = content[start : end+1]
	}

	var answer struct {
		Name                string `json:"name"`
		Title               string `json:"title"`
		Company             string `json:"company"`
		LinkedInURL         string `json:"linkedin_url"`
		City                string `json:"city"`
		Country             string `json:"country"`
		CompanyIndustry     string `json:"company_industry"`
		CompanySizeEstimate string `json:"company_size_estimate"`
		RecentNews          string `json:"recent_news"`
	}
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return nil
	}

	return &Data{
		Name:            answer.Name,
		Title:           answer.Title,
		Company:         answer.Company,
		LinkedInURL:     answer.LinkedInURL,
		City:            answer.City,
		Country:         answer.Country,
		CompanyIndustry: answer.CompanyIndustry,
		RecentNews:      answer.RecentNews,
	}
}
