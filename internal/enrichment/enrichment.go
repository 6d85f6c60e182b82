// Package enrichment looks up professional data about a contact from
// external providers. Providers are tried in a fixed cascade and their
// results merged fill-only, so a cheaper provider never overwrites a
// better one.
package enrichment

import (
	"context"
	"encoding/json"
	"time"
)

const (
	lookupAttempts   = 2
	lookupMinBackoff = 2 * time.Second
	lookupMaxBackoff = 15 * time.Second
)

// Request identifies the contact to enrich. Any subset of fields may
// be set; providers use what they can.
type Request struct {
	Email       string
	LinkedInURL string
	Name        string
	Company     string
}

// Data is the normalized enrichment result. Field names in the JSON
// form match what gets stored on the contact record.
type Data struct {
	Name            string `json:"name,omitempty"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	Title           string `json:"title,omitempty"`
	Headline        string `json:"headline,omitempty"`
	LinkedInURL     string `json:"linkedin_url,omitempty"`
	Email           string `json:"email,omitempty"`
	City            string `json:"city,omitempty"`
	State           string `json:"state,omitempty"`
	Country         string `json:"country,omitempty"`
	Company         string `json:"company,omitempty"`
	CompanyDomain   string `json:"company_domain,omitempty"`
	CompanyIndustry string `json:"company_industry,omitempty"`
	CompanySize     int    `json:"company_size,omitempty"`
	CompanyLinkedIn string `json:"company_linkedin_url,omitempty"`
	RecentNews      string `json:"recent_news,omitempty"`

	EmploymentHistory json.RawMessage `json:"employment_history,omitempty"`
	CompanyData       json.RawMessage `json:"company_data,omitempty"`

	// Sources lists which providers contributed, in cascade order.
	Sources []string `json:"_sources,omitempty"`
}

// Enricher is what the inbound pipeline depends on. Satisfied by
// Cascade; tests substitute fakes.
type Enricher interface {
	Enrich(ctx context.Context, req Request) (*Data, error)
	IsAvailable() bool
}

// fillFrom merges src into d without overwriting non-empty fields, and
// records the contributing provider.
func (d *Data) fillFrom(src *Data, source string) {
	if src == nil {
		return
	}
	if source != "" {
		d.Sources = append(d.Sources, source)
	}

	fill := func(dst *string, val string) {
		if *dst == "" && val != "" {
			*dst = val
		}
	}
	fill(&d.Name, src.Name)
	fill(&d.FirstName, src.FirstName)
	fill(&d.LastName, src.LastName)
	fill(&d.Title, src.Title)
	fill(&d.Headline, src.Headline)
	fill(&d.LinkedInURL, src.LinkedInURL)
	fill(&d.Email, src.Email)
	fill(&d.City, src.City)
	fill(&d.State, src.State)
	fill(&d.Country, src.Country)
	fill(&d.Company, src.Company)
	fill(&d.CompanyDomain, src.CompanyDomain)
	fill(&d.CompanyIndustry, src.CompanyIndustry)
	fill(&d.CompanyLinkedIn, src.CompanyLinkedIn)
	fill(&d.RecentNews, src.RecentNews)

	if d.CompanySize == 0 {
		d.CompanySize = src.CompanySize
	}
	if d.EmploymentHistory == nil {
		d.EmploymentHistory = src.EmploymentHistory
	}
}

// empty reports whether the cascade found nothing worth storing.
func (d *Data) empty() bool {
	return len(d.Sources) == 0 && d.CompanyData == nil && d.LinkedInURL == ""
}

// withRetry retries transient provider failures with exponential
// backoff. Providers treat a definitive no-match as success, so only
// network trouble lands here.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < lookupAttempts; attempt++ {
		if attempt > 0 {
			backoff := lookupMinBackoff << (attempt - 1)
			if backoff > lookupMaxBackoff {
				backoff = lookupMaxBackoff
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
