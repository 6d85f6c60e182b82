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

const apolloMatchURL = "https://api.apollo.io/api/v1/people/match"

// ApolloClient matches people through the Apollo.io People Match API.
// It is the best provider for turning an email address into a LinkedIn
// profile.
type ApolloClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewApolloClient creates an Apollo client. baseURL overrides the
// production endpoint for tests.
func NewApolloClient(apiKey, baseURL string) *ApolloClient {
	if baseURL == "" {
		baseURL = apolloMatchURL
	}
	return &ApolloClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logging.WithField("component", "apollo"),
	}
}

// Match looks up a person. A miss returns (nil, nil).
func (c *ApolloClient) Match(ctx context.Context, req Request) (*Data, error) {
	payload := map[string]string{}
	if req.Email != "" {
		payload["email"] = req.Email
	}
	if req.LinkedInURL != "" {
		payload["linkedin_url"] = req.LinkedInURL
	}
	if req.Name != "" {
		parts := strings.SplitN(strings.TrimSpace(req.Name), " ", 2)
		payload["first_name"] = parts[0]
		if len(parts) > 1 {
			payload["last_name"] = parts[1]
		}
	}
	if req.Company != "" {
		payload["organization_name"] = req.Company
	}
	if len(payload) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var result *Data
	err = withRetry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		switch {
		case resp.StatusCode == http.StatusOK:
			// fall through to parse
		case resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Warn("apollo rate limited")
			return nil
		default:
			c.logger.WithField("status", resp.StatusCode).Debug("no apollo match")
			return nil
		}

		var envelope struct {
			Person *struct {
				Name              string          `json:"name"`
				FirstName         string          `json:"first_name"`
				LastName          string          `json:"last_name"`
				Title             string          `json:"title"`
				LinkedInURL       string          `json:"linkedin_url"`
				Email             string          `json:"email"`
				City              string          `json:"city"`
				State             string          `json:"state"`
				Country           string          `json:"country"`
				EmploymentHistory json.RawMessage `json:"employment_history"`
				Organization      *struct {
					Name          string `json:"name"`
					PrimaryDomain string `json:"primary_domain"`
					Industry      string `json:"industry"`
					Employees     int    `json:"estimated_num_employees"`
					LinkedInURL   string `json:"linkedin_url"`
				} `json:"organization"`
			} `json:"person"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("parse apollo response: %w", err)
		}
		if envelope.Person == nil {
			return nil
		}

		p := envelope.Person
		data := &Data{
			Name:              p.Name,
			FirstName:         p.FirstName,
			LastName:          p.LastName,
			Title:             p.Title,
			LinkedInURL:       p.LinkedInURL,
			Email:             p.Email,
			City:              p.City,
			State:             p.State,
			Country:           p.Country,
			EmploymentHistory: p.EmploymentHistory,
		}
		if org := p.Organization; org != nil {
			data.Company = org.Name
			data.CompanyDomain = org.PrimaryDomain
			data.CompanyIndustry = org.Industry
			data.CompanySize = org.Employees
			data.CompanyLinkedIn = org.LinkedInURL
		}

		c.logger.WithFields(map[string]interface{}{
			"email": req.Email,
			"name":  p.Name,
		}).Info("apollo match found")

		result = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
