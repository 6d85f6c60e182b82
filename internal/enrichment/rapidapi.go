package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/growlancer/sdr/internal/logging"
)

const rapidAPIHost = "real-time-people-company-data.p.rapidapi.com"

// RapidAPIClient looks up people and companies through the RapidAPI
// real-time people/company data service.
type RapidAPIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewRapidAPIClient creates a RapidAPI lookup client. baseURL overrides
// the production host for tests.
func NewRapidAPIClient(apiKey, baseURL string) *RapidAPIClient {
	if baseURL == "" {
		baseURL = "https://" + rapidAPIHost
	}
	return &RapidAPIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logging.WithField("component", "rapidapi"),
	}
}

// PersonByLinkedIn looks up a person by their LinkedIn profile URL.
func (c *RapidAPIClient) PersonByLinkedIn(ctx context.Context, linkedinURL string) (*Data, error) {
	return c.searchPerson(ctx, url.Values{"linkedin_url": {linkedinURL}})
}

// PersonByEmail looks up a person by email address.
func (c *RapidAPIClient) PersonByEmail(ctx context.Context, email string) (*Data, error) {
	return c.searchPerson(ctx, url.Values{"email": {email}})
}

func (c *RapidAPIClient) searchPerson(ctx context.Context, query url.Values) (*Data, error) {
	raw, err := c.get(ctx, "/search-person", query)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var person struct {
		FullName    string `json:"full_name"`
		FirstName   string `json:"first_name"`
		LastName    string `json:"last_name"`
		JobTitle    string `json:"job_title"`
		Title       string `json:"title"`
		LinkedInURL string `json:"linkedin_url"`
		Email       string `json:"email"`
		City        string `json:"city"`
		State       string `json:"state"`
		Country     string `json:"country"`
		Company     string `json:"company"`
		CompanyName string `json:"company_name"`
		Domain      string `json:"company_domain"`
		Industry    string `json:"industry"`
		Headline    string `json:"headline"`
	}
	if err := json.Unmarshal(raw, &person); err != nil {
		return nil, fmt.Errorf("parse person: %w", err)
	}

	title := person.JobTitle
	if title == "" {
		title = person.Title
	}
	company := person.Company
	if company == "" {
		company = person.CompanyName
	}

	return &Data{
		Name:            person.FullName,
		FirstName:       person.FirstName,
		LastName:        person.LastName,
		Title:           title,
		Headline:        person.Headline,
		LinkedInURL:     person.LinkedInURL,
		Email:           person.Email,
		City:            person.City,
		State:           person.State,
		Country:         person.Country,
		Company:         company,
		CompanyDomain:   person.Domain,
		CompanyIndustry: person.Industry,
	}, nil
}

// CompanyLookup fetches company intelligence by domain or name. Domain
// wins when both are known.
func (c *RapidAPIClient) CompanyLookup(ctx context.Context, name, domain string) (json.RawMessage, error) {
	query := url.Values{}
	switch {
	case domain != "":
		query.Set("domain", domain)
	case name != "":
		query.Set("name", name)
	default:
		return nil, nil
	}

	return c.get(ctx, "/search-company", query)
}

// get performs a lookup and unwraps the status envelope. A response
// without status OK is a no-match, not an error.
func (c *RapidAPIClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	var raw json.RawMessage
	err := withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = query.Encode()
		req.Header.Set("X-RapidAPI-Key", c.apiKey)
		req.Header.Set("X-RapidAPI-Host", rapidAPIHost)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			c.logger.WithField("status", resp.StatusCode).Debug("no result from %s", path)
			return nil
		}

		var envelope struct {
			Status string          `json:"status"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		if envelope.Status != "OK" {
			return nil
		}

		raw = envelope.Data
		if len(raw) == 0 {
			raw = body
		}
		return nil
	})
	return raw, err
}
