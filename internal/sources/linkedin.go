package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
	"github.com/growlancer/sdr/internal/storage"
)

const (
	linkedinPollAttempts = 3
	linkedinMinBackoff   = 2 * time.Second
	linkedinMaxBackoff   = 30 * time.Second

	linkedinChatLimit    = 50
	linkedinMessageLimit = 10
)

// LinkedInSource polls LinkedIn chats through the Unipile API. Each
// connected account keeps its own pagination cursor, stored under
// "LinkedIn:<account id>" in the source state table.
type LinkedInSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	states     *storage.SourceStateStore
	ledger     ProcessedChecker
	logger     *logging.Logger
}

// LinkedInConfig configures the Unipile connection.
type LinkedInConfig struct {
	DSN     string
	APIKey  string
	BaseURL string // override for tests, defaults to https://<DSN>
	States  *storage.SourceStateStore
	Ledger  ProcessedChecker
}

// NewLinkedInSource creates a LinkedIn poller.
func NewLinkedInSource(cfg LinkedInConfig) *LinkedInSource {
	baseURL := cfg.BaseURL
	if baseURL == "" && cfg.DSN != "" {
		baseURL = "https://" + cfg.DSN
	}

	return &LinkedInSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		states:     cfg.States,
		ledger:     cfg.Ledger,
		logger:     logging.WithField("source", "linkedin"),
	}
}

// Name implements Source.
func (s *LinkedInSource) Name() string { return "linkedin" }

// IsAvailable checks that the Unipile credentials work.
func (s *LinkedInSource) IsAvailable(ctx context.Context) bool {
	if s.baseURL == "" || s.apiKey == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/accounts", nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// LinkedInAccount is one connected account on Unipile.
type LinkedInAccount struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// FetchAccounts lists the connected LinkedIn accounts.
func (s *LinkedInSource) FetchAccounts(ctx context.Context) ([]LinkedInAccount, error) {
	var envelope struct {
		Items []LinkedInAccount `json:"items"`
		Data  []LinkedInAccount `json:"data"`
	}
	if err := s.doGet(ctx, "/api/v1/accounts", nil, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Items) > 0 {
		return envelope.Items, nil
	}
	return envelope.Data, nil
}

// Poll implements Source. It walks every connected account's chats from
// the stored cursor and normalizes the new inbound messages.
func (s *LinkedInSource) Poll(ctx context.Context) ([]*core.InboundMessage, error) {
	if s.baseURL == "" || s.apiKey == "" {
		return nil, fmt.Errorf("%w: unipile not configured", core.ErrSourceUnavailable)
	}

	accounts, err := s.FetchAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch accounts: %w", err)
	}
	if len(accounts) == 0 {
		// No per-account scoping available, poll under the global cursor.
		return s.pollAccount(ctx, "")
	}

	var messages []*core.InboundMessage
	for _, acct := range accounts {
		msgs, err := s.pollAccount(ctx, acct.ID)
		if err != nil {
			s.logger.WithField("account_id", acct.ID).Warn("account poll failed: %v", err)
			continue
		}
		messages = append(messages, msgs...)
	}

	return messages, nil
}

// stateKey picks the cursor row for an account.
func stateKey(accountID string) core.Channel {
	if accountID == "" {
		return core.ChannelLinkedIn
	}
	return core.Channel("LinkedIn:" + accountID)
}

func (s *LinkedInSource) pollAccount(ctx context.Context, accountID string) ([]*core.InboundMessage, error) {
	key := stateKey(accountID)
	state, err := s.states.Get(key)
	if err != nil {
		return nil, err
	}

	query := url.Values{"limit": {strconv.Itoa(linkedinChatLimit)}}
	if state != nil && state.Cursor != "" {
		query.Set("cursor", state.Cursor)
	}
	if accountID != "" {
		query.Set("account_id", accountID)
	}

	var envelope struct {
		Items      []unipileChat `json:"items"`
		Data       []unipileChat `json:"data"`
		Cursor     string        `json:"cursor"`
		NextCursor string        `json:"next_cursor"`
	}
	if err := s.doGet(ctx, "/api/v1/chats", query, &envelope); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	chats := envelope.Items
	if len(chats) == 0 {
		chats = envelope.Data
	}
	nextCursor := envelope.Cursor
	if nextCursor == "" {
		nextCursor = envelope.NextCursor
	}

	var messages []*core.InboundMessage
	for i := range chats {
		msgs, err := s.processChat(ctx, &chats[i], accountID)
		if err != nil {
			s.logger.WithField("chat_id", chats[i].ID).Warn("chat processing failed: %v", err)
			continue
		}
		messages = append(messages, msgs...)
	}

	// Empty cursor leaves the stored one untouched, the update still
	// stamps last_poll_at.
	if err := s.states.Update(key, nextCursor, 0); err != nil {
		return nil, err
	}

	return messages, nil
}

func (s *LinkedInSource) processChat(ctx context.Context, chat *unipileChat, accountID string) ([]*core.InboundMessage, error) {
	query := url.Values{"limit": {strconv.Itoa(linkedinMessageLimit)}}

	var envelope struct {
		Items []unipileMessage `json:"items"`
		Data  []unipileMessage `json:"data"`
	}
	if err := s.doGet(ctx, "/api/v1/chats/"+chat.ID+"/messages", query, &envelope); err != nil {
		return nil, err
	}

	msgs := envelope.Items
	if len(msgs) == 0 {
		msgs = envelope.Data
	}

	attendees := make(map[string]*unipileAttendee, len(chat.Attendees))
	for i := range chat.Attendees {
		attendees[chat.Attendees[i].ID] = &chat.Attendees[i]
	}

	if accountID == "" {
		accountID = chat.AccountID
	}

	var out []*core.InboundMessage
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" || bool(m.IsSender) || strings.EqualFold(m.Direction, "outbound") {
			continue
		}

		if s.ledger != nil {
			processed, err := s.ledger.IsProcessed(core.ChannelLinkedIn, m.ID)
			if err != nil {
				return nil, err
			}
			if processed {
				continue
			}
		}

		body := m.bodyText()
		if body == "" {
			continue
		}

		attendee := attendees[m.SenderID]
		title, company := parseHeadline(attendeeHeadline(attendee))

		out = append(out, &core.InboundMessage{
			Source:          core.ChannelLinkedIn,
			SourceMessageID: m.ID,
			SenderName:      senderName(attendee, m.Sender),
			SenderLinkedIn:  senderProfileURL(attendee, m.Sender),
			SenderTitle:     title,
			SenderCompany:   company,
			Body:            body,
			ThreadContext:   chatContext(msgs, attendees, m.ID),
			ReceivedAt:      m.receivedAt(),
			AccountID:       accountID,
			ChatID:          chat.ID,
			IsConnectionReq: m.Type == "connection_request" || strings.HasPrefix(chat.ID, "conn_"),
		})
	}

	return out, nil
}

// chatContext renders the rest of the chat oldest first, excluding the
// message being processed.
func chatContext(msgs []unipileMessage, attendees map[string]*unipileAttendee, excludeID string) string {
	others := make([]unipileMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != excludeID && m.bodyText() != "" {
			others = append(others, m)
		}
	}
	sort.Slice(others, func(i, j int) bool {
		return others[i].receivedAt().Before(others[j].receivedAt())
	})

	entries := make([]string, 0, len(others))
	for i := range others {
		m := &others[i]
		entries = append(entries, fmt.Sprintf("%s: %s", senderName(attendees[m.SenderID], m.Sender), m.bodyText()))
	}
	return strings.Join(entries, "\n---\n")
}

func (s *LinkedInSource) doGet(ctx context.Context, path string, query url.Values, out interface{}) error {
	return withBackoff(ctx, linkedinPollAttempts, linkedinMinBackoff, linkedinMaxBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
		if err != nil {
			return err
		}
		if query != nil {
			req.URL.RawQuery = query.Encode()
		}
		req.Header.Set("X-API-KEY", s.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("unipile error %d: %s", resp.StatusCode, string(body))
		}
		return json.Unmarshal(body, out)
	})
}

// -----------------------------------------------------------------------------
// Unipile wire types
// -----------------------------------------------------------------------------

type unipileChat struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	Attendees []unipileAttendee `json:"attendees"`
}

type unipileAttendee struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Name        string `json:"name"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	ProfileURL  string `json:"profile_url"`
	LinkedInURL string `json:"linkedin_url"`
	Headline    string `json:"headline"`
}

type unipileSender struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	ProfileURL  string `json:"profile_url"`
	LinkedInURL string `json:"linkedin_url"`
}

type unipileMessage struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	Body      string          `json:"body"`
	SenderID  string          `json:"sender_id"`
	Sender    *unipileSender  `json:"sender"`
	IsSender  boolish         `json:"is_sender"`
	Direction string          `json:"direction"`
	Type      string          `json:"type"`
	CreatedAt json.RawMessage `json:"created_at"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func (m *unipileMessage) bodyText() string {
	if body := strings.TrimSpace(m.Text); body != "" {
		return body
	}
	return strings.TrimSpace(m.Body)
}

func (m *unipileMessage) receivedAt() time.Time {
	if t, ok := parseWhen(m.CreatedAt); ok {
		return t
	}
	if t, ok := parseWhen(m.Timestamp); ok {
		return t
	}
	return time.Now()
}

// boolish accepts the true/false and 0/1 spellings Unipile uses
// interchangeably.
type boolish bool

func (b *boolish) UnmarshalJSON(data []byte) error {
	switch s := strings.TrimSpace(string(data)); s {
	case "true":
		*b = true
	case "false", "null":
		*b = false
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("bool field: %s", s)
		}
		*b = n != 0
	}
	return nil
}

// parseWhen handles the timestamp shapes the API returns: epoch seconds,
// epoch milliseconds, or an ISO string.
func parseWhen(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseFloat(string(raw), 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1e12 {
			return time.UnixMilli(int64(n)), true
		}
		return time.Unix(int64(n), 0), true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func senderName(attendee *unipileAttendee, sender *unipileSender) string {
	if attendee != nil {
		if attendee.DisplayName != "" {
			return attendee.DisplayName
		}
		if attendee.Name != "" {
			return attendee.Name
		}
		if full := strings.TrimSpace(attendee.FirstName + " " + attendee.LastName); full != "" {
			return full
		}
	}
	if sender != nil {
		if sender.Name != "" {
			return sender.Name
		}
		if sender.DisplayName != "" {
			return sender.DisplayName
		}
	}
	return "Unknown"
}

func senderProfileURL(attendee *unipileAttendee, sender *unipileSender) string {
	if attendee != nil {
		if attendee.ProfileURL != "" {
			return attendee.ProfileURL
		}
		if attendee.LinkedInURL != "" {
			return attendee.LinkedInURL
		}
	}
	if sender != nil {
		if sender.ProfileURL != "" {
			return sender.ProfileURL
		}
		if sender.LinkedInURL != "" {
			return sender.LinkedInURL
		}
	}
	return ""
}

func attendeeHeadline(attendee *unipileAttendee) string {
	if attendee == nil {
		return ""
	}
	return attendee.Headline
}

var headlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(.+?)\s+(?:at|@)\s+(.+)$`),
	regexp.MustCompile(`^(.+?)\s*\|\s*(.+)$`),
	regexp.MustCompile(`^(.+?)\s+[-\x{2013}\x{2014}]\s+(.+)$`),
	regexp.MustCompile(`^(.+?),\s*(.+)$`),
}

// parseHeadline splits a LinkedIn headline like "VP Sales at Acme" into
// title and company. Headlines that match no known shape become the
// title with no company.
func parseHeadline(headline string) (title, company string) {
	headline = strings.TrimSpace(headline)
	if headline == "" {
		return "", ""
	}

	for _, pattern := range headlinePatterns {
		if m := pattern.FindStringSubmatch(headline); m != nil {
			return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		}
	}
	return headline, ""
}
