package crm

import (
	"fmt"
	"time"

	"github.com/growlancer/sdr/internal/core"
)

// Field is a typed CRM field name. Updates are built through Fields so a
// typo'd column or a wrongly typed value fails before it reaches the API.
type Field string

// Contacts table fields
const (
	FieldName             Field = "Name"
	FieldEmail            Field = "Email"
	FieldLinkedInURL      Field = "LinkedIn URL"
	FieldCompany          Field = "Company"
	FieldTitle            Field = "Title"
	FieldSourceChannel    Field = "Source Channel"
	FieldLeadCategory     Field = "Lead Category"
	FieldStage            Field = "Conversation Stage"
	FieldAIConfidence     Field = "AI Confidence"
	FieldDetectedIntent   Field = "Detected Intent"
	FieldSignalStack      Field = "Signal Stack"
	FieldAIReasoning      Field = "AI Reasoning"
	FieldFirstContact     Field = "First Contact"
	FieldLastContact      Field = "Last Contact"
	FieldInteractionCount Field = "Interaction Count"
	FieldEnrichedData     Field = "Enriched Data"
	FieldFollowUpCount    Field = "Follow-Up Count"
	FieldFollowUpChannel  Field = "Follow-Up Channel"
	FieldNextFollowUpDate Field = "Next Follow-Up Date"
	FieldFollowUpStatus   Field = "Follow-Up Status"
	FieldLastOutboundAt   Field = "Last Outbound At"
)

// Messages table fields
const (
	FieldSubject         Field = "Subject"
	FieldSource          Field = "Source"
	FieldDirection       Field = "Direction"
	FieldBody            Field = "Body"
	FieldThreadContext   Field = "Thread Context"
	FieldDraftReply      Field = "Draft Reply"
	FieldStatus          Field = "Status"
	FieldClassification  Field = "Classification"
	FieldAIDraftVersion  Field = "AI Draft Version"
	FieldEditDistance    Field = "Edit Distance"
	FieldReceivedAt      Field = "Received At"
	FieldSentAt          Field = "Sent At"
	FieldSendError       Field = "Send Error"
	FieldAccountID       Field = "Account ID"
	FieldSourceMessageID Field = "Source Message ID"
	FieldFollowUpNumber  Field = "Follow-Up Number"
	FieldContact         Field = "Contact"
)

type fieldKind int

const (
	kindText fieldKind = iota
	kindNumber
	kindDate
	kindSelect
	kindLink
)

type fieldDef struct {
	kind    fieldKind
	options []string // allowed values for kindSelect, nil = unrestricted
}

func selectOptions(values ...string) fieldDef {
	return fieldDef{kind: kindSelect, options: values}
}

var channelOptions = []string{
	string(core.ChannelGmail), string(core.ChannelLinkedIn), string(core.ChannelBoth),
}

var contactSchema = map[Field]fieldDef{
	FieldName:             {kind: kindText},
	FieldEmail:            {kind: kindText},
	FieldLinkedInURL:      {kind: kindText},
	FieldCompany:          {kind: kindText},
	FieldTitle:            {kind: kindText},
	FieldSourceChannel:    {kind: kindSelect, options: channelOptions},
	FieldLeadCategory:     selectOptions("Hot", "Warm", "Cold", "Not a Lead"),
	FieldStage:            selectOptions("New", "Engaging", "Qualifying", "Booking", "Follow Up", "Nurture", "Closed Won", "Closed Lost"),
	FieldAIConfidence:     {kind: kindNumber},
	FieldDetectedIntent:   {kind: kindText},
	FieldSignalStack:      {kind: kindText},
	FieldAIReasoning:      {kind: kindText},
	FieldFirstContact:     {kind: kindDate},
	FieldLastContact:      {kind: kindDate},
	FieldInteractionCount: {kind: kindNumber},
	FieldEnrichedData:     {kind: kindText},
	FieldFollowUpCount:    {kind: kindNumber},
	FieldFollowUpChannel:  selectOptions("Gmail", "LinkedIn"),
	FieldNextFollowUpDate: {kind: kindDate},
	FieldFollowUpStatus:   selectOptions("Active", "Paused", "Exhausted"),
	FieldLastOutboundAt:   {kind: kindDate},
}

var messageSchema = map[Field]fieldDef{
	FieldSubject:         {kind: kindText},
	FieldSource:          selectOptions("Gmail", "LinkedIn"),
	FieldDirection:       selectOptions("Inbound", "Outbound"),
	FieldBody:            {kind: kindText},
	FieldThreadContext:   {kind: kindText},
	FieldDraftReply:      {kind: kindText},
	FieldStatus:          selectOptions("New", "Processing", "Draft Ready", "Approved", "Rejected", "Sent", "Failed"),
	FieldClassification:  {kind: kindText},
	FieldStage:           {kind: kindText}, // free text on Messages, unlike Contacts
	FieldAIDraftVersion:  {kind: kindText},
	FieldEditDistance:    {kind: kindNumber},
	FieldReceivedAt:      {kind: kindDate},
	FieldSentAt:          {kind: kindDate},
	FieldSendError:       {kind: kindText},
	FieldAccountID:       {kind: kindText},
	FieldSourceMessageID: {kind: kindText},
	FieldFollowUpNumber:  {kind: kindNumber},
	FieldContact:         {kind: kindLink},
}

// Fields accumulates a validated set of field updates for one table.
// The first invalid Set sticks as the error; Build surfaces it.
type Fields struct {
	schema map[Field]fieldDef
	values map[string]interface{}
	err    error
}

// ContactFields starts an update against the Contacts table.
func ContactFields() *Fields {
	return &Fields{schema: contactSchema, values: make(map[string]interface{})}
}

// MessageFields starts an update against the Messages table.
func MessageFields() *Fields {
	return &Fields{schema: messageSchema, values: make(map[string]interface{})}
}

// Set records a field value after validating it against the table schema.
func (f *Fields) Set(field Field, value interface{}) *Fields {
	if f.err != nil {
		return f
	}

	def, ok := f.schema[field]
	if !ok {
		f.err = fmt.Errorf("%w: %q", core.ErrUnknownField, field)
		return f
	}

	converted, err := convertValue(def, value)
	if err != nil {
		f.err = fmt.Errorf("%q: %w", field, err)
		return f
	}

	f.values[string(field)] = converted
	return f
}

// SetDate records a date-typed field from a time.Time.
func (f *Fields) SetDate(field Field, t time.Time) *Fields {
	return f.Set(field, t)
}

// Len returns the number of fields set so far.
func (f *Fields) Len() int {
	return len(f.values)
}

// Names returns the field names set so far, for logging.
func (f *Fields) Names() []string {
	names := make([]string, 0, len(f.values))
	for name := range f.values {
		names = append(names, name)
	}
	return names
}

// Build returns the wire-format map, or the first validation error.
func (f *Fields) Build() (map[string]interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.values, nil
}

func convertValue(def fieldDef, value interface{}) (interface{}, error) {
	switch def.kind {
	case kindText:
		s, ok := asString(value)
		if !ok {
			return nil, fmt.Errorf("%w: want text, got %T", core.ErrBadFieldValue, value)
		}
		return s, nil

	case kindNumber:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return v, nil
		case float64:
			return v, nil
		default:
			return nil, fmt.Errorf("%w: want number, got %T", core.ErrBadFieldValue, value)
		}

	case kindDate:
		switch v := value.(type) {
		case time.Time:
			return v.Format("2006-01-02"), nil
		case string:
			if _, err := time.Parse("2006-01-02", v); err != nil {
				return nil, fmt.Errorf("%w: want YYYY-MM-DD date, got %q", core.ErrBadFieldValue, v)
			}
			return v, nil
		default:
			return nil, fmt.Errorf("%w: want date, got %T", core.ErrBadFieldValue, value)
		}

	case kindSelect:
		s, ok := asString(value)
		if !ok {
			return nil, fmt.Errorf("%w: want select option, got %T", core.ErrBadFieldValue, value)
		}
		if len(def.options) > 0 {
			for _, opt := range def.options {
				if s == opt {
					return s, nil
				}
			}
			return nil, fmt.Errorf("%w: %q is not an allowed option", core.ErrBadFieldValue, s)
		}
		return s, nil

	case kindLink:
		switch v := value.(type) {
		case []string:
			return v, nil
		case string:
			return []string{v}, nil
		default:
			return nil, fmt.Errorf("%w: want record id(s), got %T", core.ErrBadFieldValue, value)
		}
	}

	return nil, core.ErrBadFieldValue
}

func asString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case core.Channel:
		return string(v), true
	case core.LeadCategory:
		return string(v), true
	case core.ConversationStage:
		return string(v), true
	case core.MessageStatus:
		return string(v), true
	case core.FollowUpStatus:
		return string(v), true
	case core.Direction:
		return string(v), true
	default:
		return "", false
	}
}
