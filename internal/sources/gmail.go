package sources

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
	"github.com/growlancer/sdr/internal/storage"
)

const (
	gmailPollAttempts = 3
	gmailMinBackoff   = 2 * time.Second
	gmailMaxBackoff   = 10 * time.Second

	// How far back the very first poll looks when no history id has
	// been stored yet.
	gmailInitialWindow     = 24 * time.Hour
	defaultGmailMaxResults = 25
)

// GmailSource polls the Gmail inbox. After the first sync it advances
// through history.list, so each poll only touches what actually changed.
type GmailSource struct {
	svc        *gmail.Service
	states     *storage.SourceStateStore
	maxResults int64
	ownEmail   string
	logger     *logging.Logger
}

// NewGmailSource creates a Gmail poller. The service comes from the
// OAuth flow; maxResults caps the initial sync.
func NewGmailSource(svc *gmail.Service, states *storage.SourceStateStore, maxResults int) *GmailSource {
	if maxResults <= 0 {
		maxResults = defaultGmailMaxResults
	}
	return &GmailSource{
		svc:        svc,
		states:     states,
		maxResults: int64(maxResults),
		logger:     logging.WithField("source", "gmail"),
	}
}

// Name implements Source.
func (s *GmailSource) Name() string { return "gmail" }

// Service exposes the underlying API service so the sender can reuse
// the authenticated connection.
func (s *GmailSource) Service() *gmail.Service { return s.svc }

// IsAvailable reports whether the OAuth session works.
func (s *GmailSource) IsAvailable(ctx context.Context) bool {
	if s.svc == nil {
		return false
	}
	return s.ensureProfile(ctx) == nil
}

// ensureProfile resolves the authenticated address once. Polls need it
// to skip messages we sent ourselves.
func (s *GmailSource) ensureProfile(ctx context.Context) error {
	if s.ownEmail != "" {
		return nil
	}
	profile, err := s.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail profile: %w", err)
	}
	s.ownEmail = profile.EmailAddress
	return nil
}

// Poll implements Source. It fetches new inbox messages since the
// stored history id, falling back to a bounded initial sync on the
// first run.
func (s *GmailSource) Poll(ctx context.Context) ([]*core.InboundMessage, error) {
	if s.svc == nil {
		return nil, fmt.Errorf("%w: gmail not connected", core.ErrSourceUnavailable)
	}
	if err := s.ensureProfile(ctx); err != nil {
		return nil, err
	}

	state, err := s.states.Get(core.ChannelGmail)
	if err != nil {
		return nil, err
	}

	var ids []string
	var latestHistoryID uint64
	if state != nil && state.GmailHistoryID > 0 {
		ids, latestHistoryID, err = s.listSince(ctx, state.GmailHistoryID)
	} else {
		ids, err = s.initialSync(ctx)
	}
	if err != nil {
		return nil, err
	}

	var messages []*core.InboundMessage
	for _, id := range ids {
		msg, historyID, perr := s.fetchMessage(ctx, id)
		if perr != nil {
			s.logger.WithField("message_id", id).Warn("failed to process message: %v", perr)
			continue
		}
		if historyID > latestHistoryID {
			latestHistoryID = historyID
		}
		if msg != nil {
			messages = append(messages, msg)
		}
	}

	if err := s.states.Update(core.ChannelGmail, "", latestHistoryID); err != nil {
		return nil, err
	}

	return messages, nil
}

// listSince fetches message ids added after the stored history id.
func (s *GmailSource) listSince(ctx context.Context, historyID uint64) ([]string, uint64, error) {
	var resp *gmail.ListHistoryResponse
	err := withBackoff(ctx, gmailPollAttempts, gmailMinBackoff, gmailMaxBackoff, func() error {
		var callErr error
		resp, callErr = s.svc.Users.History.List("me").
			StartHistoryId(historyID).
			HistoryTypes("messageAdded").
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, 0, fmt.Errorf("gmail history: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			m := added.Message
			if m == nil || seen[m.Id] {
				continue
			}
			if !hasLabel(m.LabelIds, "INBOX") || hasLabel(m.LabelIds, "SENT") {
				continue
			}
			seen[m.Id] = true
			ids = append(ids, m.Id)
		}
	}

	return ids, resp.HistoryId, nil
}

// initialSync lists recent inbox messages for the first-ever poll.
func (s *GmailSource) initialSync(ctx context.Context) ([]string, error) {
	after := time.Now().Add(-gmailInitialWindow).Unix()

	var resp *gmail.ListMessagesResponse
	err := withBackoff(ctx, gmailPollAttempts, gmailMinBackoff, gmailMaxBackoff, func() error {
		var callErr error
		resp, callErr = s.svc.Users.Messages.List("me").
			LabelIds("INBOX").
			Q(fmt.Sprintf("after:%d", after)).
			MaxResults(s.maxResults).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("gmail initial sync: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}

	s.logger.WithField("count", len(ids)).Info("initial inbox sync")
	return ids, nil
}

// fetchMessage fetches and normalizes one message. Returns a nil
// message (without error) when the message is filtered out: outbound,
// not in the inbox, or sent by the authenticated account itself.
func (s *GmailSource) fetchMessage(ctx context.Context, id string) (*core.InboundMessage, uint64, error) {
	var msg *gmail.Message
	err := withBackoff(ctx, gmailPollAttempts, gmailMinBackoff, gmailMaxBackoff, func() error {
		var callErr error
		msg, callErr = s.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get message: %w", err)
	}

	if !hasLabel(msg.LabelIds, "INBOX") || hasLabel(msg.LabelIds, "SENT") {
		return nil, msg.HistoryId, nil
	}

	name, email := parseFromHeader(headerValue(msg.Payload, "From"))
	if email != "" && strings.EqualFold(email, s.ownEmail) {
		return nil, msg.HistoryId, nil
	}

	threadContext, err := s.threadContext(ctx, msg.ThreadId, msg.Id)
	if err != nil {
		s.logger.WithField("thread_id", msg.ThreadId).Warn("failed to build thread context: %v", err)
	}

	return &core.InboundMessage{
		Source:          core.ChannelGmail,
		SourceMessageID: msg.Id,
		SenderName:      name,
		SenderEmail:     email,
		Subject:         headerValue(msg.Payload, "Subject"),
		Body:            extractTextBody(msg.Payload),
		ThreadContext:   threadContext,
		ReceivedAt:      time.UnixMilli(msg.InternalDate),
		ThreadID:        msg.ThreadId,
	}, msg.HistoryId, nil
}

// threadContext renders the rest of the conversation, oldest first,
// excluding the message being processed.
func (s *GmailSource) threadContext(ctx context.Context, threadID, excludeID string) (string, error) {
	if threadID == "" {
		return "", nil
	}

	var thread *gmail.Thread
	err := withBackoff(ctx, gmailPollAttempts, gmailMinBackoff, gmailMaxBackoff, func() error {
		var callErr error
		thread, callErr = s.svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("get thread: %w", err)
	}

	msgs := make([]*gmail.Message, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		if m.Id != excludeID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].InternalDate < msgs[j].InternalDate })

	entries := make([]string, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, fmt.Sprintf("From: %s\nDate: %s\n\n%s",
			headerValue(m.Payload, "From"),
			time.UnixMilli(m.InternalDate).Format("2006-01-02 15:04"),
			extractTextBody(m.Payload),
		))
	}

	return strings.Join(entries, "\n---\n"), nil
}

// parseFromHeader splits a From header into display name and address.
// The name falls back to the address, then to "Unknown".
func parseFromHeader(value string) (name, email string) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		value = strings.TrimSpace(value)
		if value == "" {
			return "Unknown", ""
		}
		return value, value
	}

	name = strings.TrimSpace(addr.Name)
	if name == "" {
		name = addr.Address
	}
	if name == "" {
		name = "Unknown"
	}
	return name, addr.Address
}

// headerValue returns a header by name, case-insensitively.
func headerValue(payload *gmail.MessagePart, name string) string {
	if payload == nil {
		return ""
	}
	for _, h := range payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// extractTextBody pulls the message text, preferring text/plain and
// falling back to stripped text/html. Walks nested multiparts.
func extractTextBody(payload *gmail.MessagePart) string {
	if payload == nil {
		return ""
	}

	if payload.Body != nil && payload.Body.Data != "" && !strings.HasPrefix(payload.MimeType, "multipart/") {
		if decoded := decodeBody(payload.Body.Data); decoded != "" {
			if payload.MimeType == "text/html" {
				return stripHTML(decoded)
			}
			return decoded
		}
	}

	var htmlBody string
	for _, part := range payload.Parts {
		switch {
		case part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "":
			if decoded := decodeBody(part.Body.Data); decoded != "" {
				return decoded
			}
		case part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "":
			if htmlBody == "" {
				htmlBody = stripHTML(decodeBody(part.Body.Data))
			}
		case len(part.Parts) > 0:
			if body := extractTextBody(part); body != "" {
				return body
			}
		}
	}

	return htmlBody
}

// decodeBody decodes the base64url body data Gmail returns, with and
// without padding.
func decodeBody(data string) string {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	return ""
}

// stripHTML removes tags and collapses blank lines. Good enough for
// classification input; this is not a rendering engine.
func stripHTML(s string) string {
	var result strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}

	var cleaned []string
	for _, line := range strings.Split(result.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
