package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Secrets holds environment-variable credentials. Never written to disk
// by this package.
type Secrets struct {
	GmailCredentialsPath string
	GmailTokenPath       string
	UnipileDSN           string
	UnipileAPIKey        string
	AirtableAPIKey       string
	AirtableBaseID       string
	AnthropicAPIKey      string
	RapidAPIKey          string
	ApolloAPIKey         string
	PerplexityAPIKey     string
}

// LoadSecrets reads secrets from the environment, seeding it from the
// given .env file first when one exists. Missing file is not an error.
func LoadSecrets(envPath string) *Secrets {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	return &Secrets{
		GmailCredentialsPath: getEnvOrDefault("GMAIL_CREDENTIALS_PATH", "./config/gmail_credentials.json"),
		GmailTokenPath:       getEnvOrDefault("GMAIL_TOKEN_PATH", "./config/gmail_token.json"),
		UnipileDSN:           os.Getenv("UNIPILE_DSN"),
		UnipileAPIKey:        os.Getenv("UNIPILE_API_KEY"),
		AirtableAPIKey:       os.Getenv("AIRTABLE_API_KEY"),
		AirtableBaseID:       os.Getenv("AIRTABLE_BASE_ID"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		RapidAPIKey:          os.Getenv("RAPIDAPI_KEY"),
		ApolloAPIKey:         os.Getenv("APOLLO_API_KEY"),
		PerplexityAPIKey:     os.Getenv("PERPLEXITY_API_KEY"),
	}
}

// Validate returns the names of required secrets that are missing.
// The bot refuses to start while this list is non-empty.
func (s *Secrets) Validate() []string {
	required := map[string]string{
		"AIRTABLE_API_KEY":  s.AirtableAPIKey,
		"AIRTABLE_BASE_ID":  s.AirtableBaseID,
		"ANTHROPIC_API_KEY": s.AnthropicAPIKey,
	}

	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// HasGmail reports whether Gmail credentials are configured.
func (s *Secrets) HasGmail() bool {
	if s.GmailCredentialsPath == "" {
		return false
	}
	_, err := os.Stat(s.GmailCredentialsPath)
	return err == nil
}

// HasLinkedIn reports whether the Unipile integration is configured.
func (s *Secrets) HasLinkedIn() bool {
	return s.UnipileDSN != "" && s.UnipileAPIKey != ""
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
