package sending

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
)

// Sender is the delivery surface the outbound and follow-up engines
// use. Tests substitute fakes.
type Sender interface {
	SendGmail(ctx context.Context, to, subject, body, threadID string) (*Result, error)
	SendLinkedIn(ctx context.Context, accountID, chatID, text string) (*Result, error)
}

// Result identifies the message created by the channel API.
type Result struct {
	MessageID string
	ThreadID  string
}

const (
	sendAttempts = 3
	sendBackoff  = 2 * time.Second
	maxBackoff   = 30 * time.Second
)

// MessageSender sends via the Gmail API and the Unipile LinkedIn API.
type MessageSender struct {
	gmail          *gmail.Service
	unipileBaseURL string
	unipileKey     string
	httpClient     *http.Client
	limiter        *Limiter
	logger         *logging.Logger
}

// SenderConfig for MessageSender.
type SenderConfig struct {
	Gmail          *gmail.Service // nil when Gmail is not connected
	UnipileDSN     string
	UnipileAPIKey  string
	UnipileBaseURL string // override for tests, defaults to https://<DSN>
	Limiter        *Limiter
}

// NewMessageSender creates a sender for both channels.
func NewMessageSender(cfg SenderConfig) *MessageSender {
	baseURL := cfg.UnipileBaseURL
	if baseURL == "" && cfg.UnipileDSN != "" {
		baseURL = "https://" + cfg.UnipileDSN
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewLimiter(20, 10)
	}

	return &MessageSender{
		gmail:          cfg.Gmail,
		unipileBaseURL: strings.TrimRight(baseURL, "/"),
		unipileKey:     cfg.UnipileAPIKey,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		limiter:        limiter,
		logger:         logging.WithField("component", "sender"),
	}
}

// SendGmail sends an email, threading it into the original
// conversation when threadID is set.
func (s *MessageSender) SendGmail(ctx context.Context, to, subject, body, threadID string) (*Result, error) {
	if s.gmail == nil {
		return nil, fmt.Errorf("%w: gmail not connected", core.ErrSourceUnavailable)
	}
	if err := s.limiter.Acquire(ctx, core.ChannelGmail); err != nil {
		return nil, err
	}

	var raw strings.Builder
	raw.WriteString(fmt.Sprintf("To: %s\r\n", to))
	raw.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	raw.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	raw.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	raw.WriteString("\r\n")
	raw.WriteString(body)

	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(raw.String())),
	}
	if threadID != "" {
		msg.ThreadId = threadID
	}

	var sent *gmail.Message
	err := s.withRetry(ctx, func() error {
		var sendErr error
		sent, sendErr = s.gmail.Users.Messages.Send("me", msg).Context(ctx).Do()
		return sendErr
	})
	if err != nil {
		return nil, fmt.Errorf("send gmail: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"to":        to,
		"thread_id": sent.ThreadId,
	}).Info("sent email")

	return &Result{MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// SendLinkedIn sends a chat message through Unipile.
func (s *MessageSender) SendLinkedIn(ctx context.Context, accountID, chatID, text string) (*Result, error) {
	if s.unipileBaseURL == "" || s.unipileKey == "" {
		return nil, fmt.Errorf("%w: unipile not configured", core.ErrSourceUnavailable)
	}
	if err := s.limiter.Acquire(ctx, core.ChannelLinkedIn); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	var result struct {
		ID string `json:"id"`
	}
	err = s.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.unipileBaseURL+"/api/v1/chats/"+chatID+"/messages", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("X-API-KEY", s.unipileKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("unipile error %d: %s", resp.StatusCode, string(body))
		}
		return json.Unmarshal(body, &result)
	})
	if err != nil {
		return nil, fmt.Errorf("send linkedin: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"chat_id":    chatID,
		"account_id": accountID,
	}).Info("sent linkedin message")

	return &Result{MessageID: result.ID, ThreadID: chatID}, nil
}

func (s *MessageSender) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			backoff := sendBackoff << (attempt - 1)
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
		s.logger.WithField("attempt", attempt+1).Warn("send failed: %v", lastErr)
	}
	return lastErr
}
