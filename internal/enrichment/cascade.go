package enrichment

import (
	"context"

	"github.com/growlancer/sdr/internal/logging"
)

// Cascade runs the provider tiers in priority order:
//
//  1. RapidAPI person lookup (by LinkedIn URL, then by email)
//  2. Apollo people match, which can discover a LinkedIn URL that
//     feeds back into a deeper RapidAPI lookup
//  3. Perplexity web search, only when everything above missed
//
// Company intelligence is fetched at the end regardless of which tier
// produced the person data.
type Cascade struct {
	rapid      *RapidAPIClient
	apollo     *ApolloClient
	perplexity *PerplexityClient
	logger     *logging.Logger
}

// CascadeConfig wires the providers. Empty keys disable a tier; the
// URL overrides exist for tests.
type CascadeConfig struct {
	RapidAPIKey      string
	ApolloAPIKey     string
	PerplexityAPIKey string

	RapidAPIBaseURL   string
	ApolloBaseURL     string
	PerplexityBaseURL string
}

// NewCascade creates the enrichment cascade from whatever providers
// are configured.
func NewCascade(cfg CascadeConfig) *Cascade {
	c := &Cascade{logger: logging.WithField("component", "enricher")}
	if cfg.RapidAPIKey != "" {
		c.rapid = NewRapidAPIClient(cfg.RapidAPIKey, cfg.RapidAPIBaseURL)
	}
	if cfg.ApolloAPIKey != "" {
		c.apollo = NewApolloClient(cfg.ApolloAPIKey, cfg.ApolloBaseURL)
	}
	if cfg.PerplexityAPIKey != "" {
		c.perplexity = NewPerplexityClient(cfg.PerplexityAPIKey, cfg.PerplexityBaseURL)
	}
	return c
}

// IsAvailable reports whether at least one provider is configured.
func (c *Cascade) IsAvailable() bool {
	return c.rapid != nil || c.apollo != nil || c.perplexity != nil
}

// Enrich runs the cascade. Returns (nil, nil) when no provider found
// anything; provider failures degrade to the next tier instead of
// failing the lookup.
func (c *Cascade) Enrich(ctx context.Context, req Request) (*Data, error) {
	if !c.IsAvailable() {
		return nil, nil
	}

	result := &Data{}
	discoveredLinkedIn := req.LinkedInURL

	if c.rapid != nil {
		if req.LinkedInURL != "" {
			if data, err := c.rapid.PersonByLinkedIn(ctx, req.LinkedInURL); err != nil {
				c.logger.Warn("rapidapi linkedin lookup failed: %v", err)
			} else {
				result.fillFrom(data, "rapidapi_linkedin")
			}
		}
		if len(result.Sources) == 0 && req.Email != "" {
			if data, err := c.rapid.PersonByEmail(ctx, req.Email); err != nil {
				c.logger.Warn("rapidapi email lookup failed: %v", err)
			} else if data != nil {
				result.fillFrom(data, "rapidapi_email")
				if data.LinkedInURL != "" {
					discoveredLinkedIn = data.LinkedInURL
				}
			}
		}
	}

	if c.apollo != nil && (req.Email != "" || req.Name != "") && result.Title == "" {
		if data, err := c.apollo.Match(ctx, req); err != nil {
			c.logger.Warn("apollo lookup failed: %v", err)
		} else if data != nil {
			result.fillFrom(data, "apollo")
			if data.LinkedInURL != "" && discoveredLinkedIn == "" {
				discoveredLinkedIn = data.LinkedInURL
				// Apollo just discovered the profile, go deeper on it
				if c.rapid != nil {
					if deep, err := c.rapid.PersonByLinkedIn(ctx, discoveredLinkedIn); err == nil {
						result.fillFrom(deep, "rapidapi_linkedin")
					}
				}
			}
		}
	}

	if len(result.Sources) == 0 && c.perplexity != nil {
		if data, err := c.perplexity.Search(ctx, req); err != nil {
			c.logger.Warn("perplexity lookup failed: %v", err)
		} else {
			result.fillFrom(data, "perplexity")
		}
	}

	if c.rapid != nil {
		companyName := result.Company
		if companyName == "" {
			companyName = req.Company
		}
		if companyName != "" || result.CompanyDomain != "" {
			if companyData, err := c.rapid.CompanyLookup(ctx, companyName, result.CompanyDomain); err != nil {
				c.logger.Warn("company lookup failed: %v", err)
			} else {
				result.CompanyData = companyData
			}
		}
	}

	if discoveredLinkedIn != "" && result.LinkedInURL == "" {
		result.LinkedInURL = discoveredLinkedIn
	}

	if result.empty() {
		return nil, nil
	}

	c.logger.WithFields(map[string]interface{}{
		"sources":      result.Sources,
		"has_title":    result.Title != "",
		"has_company":  result.Company != "",
		"has_linkedin": result.LinkedInURL != "",
	}).Info("enrichment cascade complete")

	return result, nil
}
