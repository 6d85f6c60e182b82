package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
)

const (
	defaultBaseURL = "https://api.airtable.com"

	tableContacts = "Contacts"
	tableMessages = "Messages"
	tableAudit    = "Audit Log"

	dateFormat = "2006-01-02"

	// Airtable allows 5 requests per second per base.
	requestsPerSecond = 5

	maxAttempts = 5
	minBackoff  = time.Second
	maxBackoff  = 30 * time.Second
)

// Airtable is the CRM client. All calls go through a shared rate
// limiter and a bounded retry loop, so callers never see a 429.
type Airtable struct {
	apiKey     string
	baseID     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// Config for the Airtable client.
type Config struct {
	APIKey  string
	BaseID  string
	BaseURL string // override for tests
	Timeout time.Duration
}

// NewAirtable creates a new CRM client.
func NewAirtable(cfg Config) *Airtable {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Airtable{
		apiKey:  cfg.APIKey,
		baseID:  cfg.BaseID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  logging.WithField("component", "crm"),
	}
}

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

type record struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

type recordList struct {
	Records []record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

type createRequest struct {
	Fields   map[string]interface{} `json:"fields"`
	Typecast bool                   `json:"typecast"`
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("crm error %d: %s", e.Status, e.Body)
}

// -----------------------------------------------------------------------------
// HTTP plumbing
// -----------------------------------------------------------------------------

// do performs one API call with rate limiting and bounded retries.
// 429s and 5xx responses are retried with exponential backoff; other
// errors are returned immediately.
func (a *Airtable) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	reqURL := a.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := minBackoff << (attempt - 1)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("crm error %d: %s", resp.StatusCode, string(respBody))
			a.logger.WithField("attempt", attempt+1).Warn("retrying crm request: %v", lastErr)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &apiError{Status: resp.StatusCode, Body: string(respBody)}
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("crm request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (a *Airtable) tablePath(table string) string {
	return "/v0/" + a.baseID + "/" + url.PathEscape(table)
}

// list pages through every record matching the formula.
func (a *Airtable) list(ctx context.Context, table, formula string, extra url.Values) ([]record, error) {
	var records []record
	offset := ""

	for {
		query := url.Values{}
		for k, vs := range extra {
			query[k] = vs
		}
		if formula != "" {
			query.Set("filterByFormula", formula)
		}
		if offset != "" {
			query.Set("offset", offset)
		}

		var page recordList
		if err := a.do(ctx, http.MethodGet, a.tablePath(table), query, nil, &page); err != nil {
			return nil, err
		}
		records = append(records, page.Records...)

		if page.Offset == "" {
			return records, nil
		}
		offset = page.Offset
	}
}

func (a *Airtable) createRecord(ctx context.Context, table string, fields map[string]interface{}) (*record, error) {
	var rec record
	err := a.do(ctx, http.MethodPost, a.tablePath(table), nil, createRequest{Fields: fields, Typecast: true}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (a *Airtable) updateRecord(ctx context.Context, table, id string, fields map[string]interface{}) error {
	return a.do(ctx, http.MethodPatch, a.tablePath(table)+"/"+id, nil, createRequest{Fields: fields, Typecast: true}, nil)
}

func (a *Airtable) getRecord(ctx context.Context, table, id string) (*record, error) {
	var rec record
	if err := a.do(ctx, http.MethodGet, a.tablePath(table)+"/"+id, nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// escapeFormula escapes a value for interpolation into a filter formula.
func escapeFormula(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}

// -----------------------------------------------------------------------------
// Contacts
// -----------------------------------------------------------------------------

func (a *Airtable) UpsertContact(ctx context.Context, contact *core.Contact) (*core.Contact, error) {
	fields, err := contactToFields(contact).Build()
	if err != nil {
		return nil, err
	}

	if contact.ID != "" {
		if err := a.updateRecord(ctx, tableContacts, contact.ID, fields); err != nil {
			return nil, err
		}
		return contact, nil
	}

	// Match an existing row before creating. Email wins over LinkedIn.
	existing, err := a.FindContactByEmail(ctx, contact.Email)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing, err = a.FindContactByLinkedIn(ctx, contact.LinkedInURL)
		if err != nil {
			return nil, err
		}
	}
	if existing != nil {
		if err := a.updateRecord(ctx, tableContacts, existing.ID, fields); err != nil {
			return nil, err
		}
		contact.ID = existing.ID
		return contact, nil
	}

	rec, err := a.createRecord(ctx, tableContacts, fields)
	if err != nil {
		return nil, err
	}
	contact.ID = rec.ID
	a.logger.WithField("contact_id", rec.ID).Info("created contact %s", contact.Name)
	return contact, nil
}

func (a *Airtable) GetContact(ctx context.Context, id string) (*core.Contact, error) {
	rec, err := a.getRecord(ctx, tableContacts, id)
	if err != nil {
		if isNotFound(err) {
			return nil, core.ErrContactNotFound
		}
		return nil, err
	}
	return recordToContact(rec), nil
}

func (a *Airtable) UpdateContact(ctx context.Context, id string, fields *Fields) error {
	values, err := fields.Build()
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	return a.updateRecord(ctx, tableContacts, id, values)
}

func (a *Airtable) FindContactByEmail(ctx context.Context, email string) (*core.Contact, error) {
	if email == "" {
		return nil, nil
	}
	return a.findOneContact(ctx, fmt.Sprintf(`LOWER({Email}) = LOWER("%s")`, escapeFormula(email)))
}

func (a *Airtable) FindContactByLinkedIn(ctx context.Context, linkedinURL string) (*core.Contact, error) {
	if linkedinURL == "" {
		return nil, nil
	}
	return a.findOneContact(ctx, fmt.Sprintf(`{LinkedIn URL} = "%s"`, escapeFormula(linkedinURL)))
}

func (a *Airtable) FindContactsByName(ctx context.Context, name string) ([]*core.Contact, error) {
	if name == "" {
		return nil, nil
	}
	formula := fmt.Sprintf(`FIND(LOWER("%s"), LOWER({Name})) > 0`, escapeFormula(name))
	records, err := a.list(ctx, tableContacts, formula, nil)
	if err != nil {
		return nil, err
	}

	contacts := make([]*core.Contact, 0, len(records))
	for i := range records {
		contacts = append(contacts, recordToContact(&records[i]))
	}
	return contacts, nil
}

func (a *Airtable) findOneContact(ctx context.Context, formula string) (*core.Contact, error) {
	query := url.Values{"maxRecords": {"1"}}
	records, err := a.list(ctx, tableContacts, formula, query)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return recordToContact(&records[0]), nil
}

func (a *Airtable) ContactsDueFollowUp(ctx context.Context) ([]*core.Contact, error) {
	formula := `AND({Follow-Up Status} = "Active", IS_BEFORE({Next Follow-Up Date}, DATEADD(TODAY(), 1, "days")))`
	records, err := a.list(ctx, tableContacts, formula, nil)
	if err != nil {
		return nil, err
	}

	contacts := make([]*core.Contact, 0, len(records))
	for i := range records {
		contacts = append(contacts, recordToContact(&records[i]))
	}
	return contacts, nil
}

func (a *Airtable) StaleContacts(ctx context.Context, staleDays int) ([]*core.Contact, error) {
	formula := fmt.Sprintf(`AND(`+
		`OR({Conversation Stage} = "Engaging", {Conversation Stage} = "Qualifying", {Conversation Stage} = "Follow Up"), `+
		`{Follow-Up Status} = "", `+
		`{Last Outbound At} != "", `+
		`IS_BEFORE({Last Outbound At}, DATEADD(TODAY(), -%d, "days")), `+
		`{Lead Category} != "Not a Lead")`, staleDays)

	records, err := a.list(ctx, tableContacts, formula, nil)
	if err != nil {
		return nil, err
	}

	contacts := make([]*core.Contact, 0, len(records))
	for i := range records {
		contacts = append(contacts, recordToContact(&records[i]))
	}
	return contacts, nil
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

func (a *Airtable) CreateMessage(ctx context.Context, msg *core.Message) (*core.Message, error) {
	// Dedup inbound only. Outbound rows legitimately reuse the source
	// message id as their routing key.
	if msg.Direction == core.DirectionInbound && msg.SourceMessageID != "" {
		existing, err := a.FindInboundBySourceID(ctx, msg.SourceMessageID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			a.logger.WithField("message_id", existing.ID).Debug("inbound message already recorded")
			return existing, nil
		}
	}

	fields, err := messageToFields(msg).Build()
	if err != nil {
		return nil, err
	}
	rec, err := a.createRecord(ctx, tableMessages, fields)
	if err != nil {
		return nil, err
	}
	msg.ID = rec.ID
	return msg, nil
}

func (a *Airtable) GetMessage(ctx context.Context, id string) (*core.Message, error) {
	rec, err := a.getRecord(ctx, tableMessages, id)
	if err != nil {
		if isNotFound(err) {
			return nil, core.ErrMessageNotFound
		}
		return nil, err
	}
	return recordToMessage(rec), nil
}

func (a *Airtable) UpdateMessage(ctx context.Context, id string, fields *Fields) error {
	values, err := fields.Build()
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	return a.updateRecord(ctx, tableMessages, id, values)
}

func (a *Airtable) FindInboundBySourceID(ctx context.Context, sourceMessageID string) (*core.Message, error) {
	formula := fmt.Sprintf(`AND({Source Message ID} = "%s", {Direction} = "Inbound")`, escapeFormula(sourceMessageID))
	query := url.Values{"maxRecords": {"1"}}
	records, err := a.list(ctx, tableMessages, formula, query)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return recordToMessage(&records[0]), nil
}

func (a *Airtable) ApprovedMessages(ctx context.Context) ([]*core.Message, error) {
	records, err := a.list(ctx, tableMessages, `{Status} = "Approved"`, nil)
	if err != nil {
		return nil, err
	}

	msgs := make([]*core.Message, 0, len(records))
	for i := range records {
		msgs = append(msgs, recordToMessage(&records[i]))
	}
	return msgs, nil
}

// EditedMessages finds sent messages from the lookback window whose
// approved text drifted more than noise from the AI draft. These pairs
// feed the learning cycle.
func (a *Airtable) EditedMessages(ctx context.Context, lookbackDays int) ([]*core.Message, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -lookbackDays).Format("2006-01-02")
	formula := fmt.Sprintf(`AND(`+
		`{Status} = "Sent", `+
		`{Edit Distance} > 0.05, `+
		`{AI Draft Version} != "", `+
		`IS_AFTER({Sent At}, "%s"))`, cutoff)

	records, err := a.list(ctx, tableMessages, formula, nil)
	if err != nil {
		return nil, err
	}

	msgs := make([]*core.Message, 0, len(records))
	for i := range records {
		msgs = append(msgs, recordToMessage(&records[i]))
	}
	return msgs, nil
}

func (a *Airtable) MessagesForContact(ctx context.Context, contactID string, direction core.Direction) ([]*core.Message, error) {
	formula := fmt.Sprintf(`FIND("%s", ARRAYJOIN({Contact})) > 0`, escapeFormula(contactID))
	if direction != "" {
		formula = fmt.Sprintf(`AND(%s, {Direction} = "%s")`, formula, direction)
	}

	records, err := a.list(ctx, tableMessages, formula, nil)
	if err != nil {
		return nil, err
	}

	msgs := make([]*core.Message, 0, len(records))
	for i := range records {
		msgs = append(msgs, recordToMessage(&records[i]))
	}
	return msgs, nil
}

func (a *Airtable) ContactForMessage(ctx context.Context, messageID string) (*core.Contact, error) {
	msg, err := a.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ContactID == "" {
		return nil, nil
	}
	return a.GetContact(ctx, msg.ContactID)
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

func (a *Airtable) LogAudit(ctx context.Context, entry *core.AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"Summary":   fmt.Sprintf("%s — %s", entry.Action, ts.Format("2006-01-02 15:04")),
		"Timestamp": ts.Format(time.RFC3339),
		"Action":    string(entry.Action),
		"Details":   entry.Details,
	}
	if entry.ContactID != "" {
		fields["Contact"] = []string{entry.ContactID}
	}
	if entry.MessageID != "" {
		fields["Message"] = []string{entry.MessageID}
	}

	_, err := a.createRecord(ctx, tableAudit, fields)
	return err
}

// -----------------------------------------------------------------------------
// Record conversion
// -----------------------------------------------------------------------------

func contactToFields(c *core.Contact) *Fields {
	f := ContactFields().Set(FieldName, c.Name)

	if c.Email != "" {
		f.Set(FieldEmail, c.Email)
	}
	if c.LinkedInURL != "" {
		f.Set(FieldLinkedInURL, c.LinkedInURL)
	}
	if c.Company != "" {
		f.Set(FieldCompany, c.Company)
	}
	if c.Title != "" {
		f.Set(FieldTitle, c.Title)
	}
	if c.SourceChannel != "" {
		f.Set(FieldSourceChannel, c.SourceChannel)
	}
	if c.LeadCategory != "" {
		f.Set(FieldLeadCategory, c.LeadCategory)
	}
	if c.Stage != "" {
		f.Set(FieldStage, c.Stage)
	}
	if c.AIConfidence > 0 {
		f.Set(FieldAIConfidence, c.AIConfidence)
	}
	if c.DetectedIntent != "" {
		f.Set(FieldDetectedIntent, c.DetectedIntent)
	}
	if c.SignalStack != "" {
		f.Set(FieldSignalStack, c.SignalStack)
	}
	if c.AIReasoning != "" {
		f.Set(FieldAIReasoning, c.AIReasoning)
	}
	if c.FirstContact != nil {
		f.SetDate(FieldFirstContact, *c.FirstContact)
	}
	if c.LastContact != nil {
		f.SetDate(FieldLastContact, *c.LastContact)
	}
	if c.InteractionCount > 0 {
		f.Set(FieldInteractionCount, c.InteractionCount)
	}
	if c.EnrichedData != "" {
		f.Set(FieldEnrichedData, c.EnrichedData)
	}
	if c.FollowUpCount > 0 {
		f.Set(FieldFollowUpCount, c.FollowUpCount)
	}
	if c.FollowUpChannel != "" {
		f.Set(FieldFollowUpChannel, c.FollowUpChannel)
	}
	if c.NextFollowUpDate != nil {
		f.SetDate(FieldNextFollowUpDate, *c.NextFollowUpDate)
	}
	if c.FollowUpStatus != "" {
		f.Set(FieldFollowUpStatus, c.FollowUpStatus)
	}
	if c.LastOutboundAt != nil {
		f.SetDate(FieldLastOutboundAt, *c.LastOutboundAt)
	}
	return f
}

func messageToFields(m *core.Message) *Fields {
	f := MessageFields().
		Set(FieldSource, m.Source).
		Set(FieldDirection, m.Direction).
		Set(FieldBody, m.Body)

	if m.ContactID != "" {
		f.Set(FieldContact, m.ContactID)
	}
	if m.Subject != "" {
		f.Set(FieldSubject, m.Subject)
	}
	if m.ThreadContext != "" {
		f.Set(FieldThreadContext, m.ThreadContext)
	}
	if m.DraftReply != "" {
		f.Set(FieldDraftReply, m.DraftReply)
	}
	if m.Status != "" {
		f.Set(FieldStatus, m.Status)
	}
	if m.Classification != "" {
		f.Set(FieldClassification, m.Classification)
	}
	if m.Stage != "" {
		f.Set(FieldStage, m.Stage)
	}
	if m.AIDraftVersion != "" {
		f.Set(FieldAIDraftVersion, m.AIDraftVersion)
	}
	if m.EditDistance != nil {
		f.Set(FieldEditDistance, *m.EditDistance)
	}
	if m.ReceivedAt != nil {
		f.SetDate(FieldReceivedAt, *m.ReceivedAt)
	}
	if m.SentAt != nil {
		f.SetDate(FieldSentAt, *m.SentAt)
	}
	if m.SendError != "" {
		f.Set(FieldSendError, m.SendError)
	}
	if m.AccountID != "" {
		f.Set(FieldAccountID, m.AccountID)
	}
	if m.SourceMessageID != "" {
		f.Set(FieldSourceMessageID, m.SourceMessageID)
	}
	if m.FollowUpNumber != nil {
		f.Set(FieldFollowUpNumber, *m.FollowUpNumber)
	}
	return f
}

func recordToContact(rec *record) *core.Contact {
	g := fieldGetter(rec.Fields)
	return &core.Contact{
		ID:               rec.ID,
		Name:             g.str(FieldName),
		Email:            g.str(FieldEmail),
		LinkedInURL:      g.str(FieldLinkedInURL),
		Company:          g.str(FieldCompany),
		Title:            g.str(FieldTitle),
		SourceChannel:    core.Channel(g.str(FieldSourceChannel)),
		LeadCategory:     core.LeadCategory(g.str(FieldLeadCategory)),
		Stage:            core.ConversationStage(g.str(FieldStage)),
		AIConfidence:     g.num(FieldAIConfidence),
		DetectedIntent:   g.str(FieldDetectedIntent),
		SignalStack:      g.str(FieldSignalStack),
		AIReasoning:      g.str(FieldAIReasoning),
		FirstContact:     g.date(FieldFirstContact),
		LastContact:      g.date(FieldLastContact),
		InteractionCount: int(g.num(FieldInteractionCount)),
		EnrichedData:     g.str(FieldEnrichedData),
		FollowUpCount:    int(g.num(FieldFollowUpCount)),
		FollowUpChannel:  core.Channel(g.str(FieldFollowUpChannel)),
		NextFollowUpDate: g.date(FieldNextFollowUpDate),
		FollowUpStatus:   core.FollowUpStatus(g.str(FieldFollowUpStatus)),
		LastOutboundAt:   g.date(FieldLastOutboundAt),
	}
}

func recordToMessage(rec *record) *core.Message {
	g := fieldGetter(rec.Fields)
	msg := &core.Message{
		ID:              rec.ID,
		ContactID:       g.link(FieldContact),
		Source:          core.Channel(g.str(FieldSource)),
		Direction:       core.Direction(g.str(FieldDirection)),
		Subject:         g.str(FieldSubject),
		Body:            g.str(FieldBody),
		ThreadContext:   g.str(FieldThreadContext),
		DraftReply:      g.str(FieldDraftReply),
		Status:          core.MessageStatus(g.str(FieldStatus)),
		Classification:  g.str(FieldClassification),
		Stage:           g.str(FieldStage),
		AIDraftVersion:  g.str(FieldAIDraftVersion),
		ReceivedAt:      g.date(FieldReceivedAt),
		SentAt:          g.date(FieldSentAt),
		SendError:       g.str(FieldSendError),
		AccountID:       g.str(FieldAccountID),
		SourceMessageID: g.str(FieldSourceMessageID),
	}
	if v, ok := rec.Fields[string(FieldEditDistance)]; ok {
		if n, ok := v.(float64); ok {
			msg.EditDistance = &n
		}
	}
	if v, ok := rec.Fields[string(FieldFollowUpNumber)]; ok {
		if n, ok := v.(float64); ok {
			num := int(n)
			msg.FollowUpNumber = &num
		}
	}
	return msg
}

type fieldGetter map[string]interface{}

func (g fieldGetter) str(field Field) string {
	if v, ok := g[string(field)].(string); ok {
		return v
	}
	return ""
}

func (g fieldGetter) num(field Field) float64 {
	if v, ok := g[string(field)].(float64); ok {
		return v
	}
	return 0
}

func (g fieldGetter) date(field Field) *time.Time {
	s := g.str(field)
	if s == "" {
		return nil
	}
	for _, layout := range []string{dateFormat, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// link returns the first linked record id.
func (g fieldGetter) link(field Field) string {
	if ids, ok := g[string(field)].([]interface{}); ok && len(ids) > 0 {
		if id, ok := ids[0].(string); ok {
			return id
		}
	}
	return ""
}
