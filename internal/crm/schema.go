package crm

import (
	"context"
	"fmt"
	"net/http"
)

// Schema bootstrap. On startup the client makes sure the base has the
// three tables, every field the bot writes, and the operator views.
// Tables and fields are required; view creation is best effort because
// not every plan exposes the view endpoint.

type fieldSpec struct {
	Name    string                 `json:"name"`
	Type    string                 `json:"type"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type tableSpec struct {
	Name   string      `json:"name"`
	Fields []fieldSpec `json:"fields"`
}

type metaField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type metaTable struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Fields []metaField `json:"fields"`
}

type metaTables struct {
	Tables []metaTable `json:"tables"`
}

func text(name string) fieldSpec { return fieldSpec{Name: name, Type: "singleLineText"} }

func longText(name string) fieldSpec { return fieldSpec{Name: name, Type: "multilineText"} }

func dateField(name string) fieldSpec {
	return fieldSpec{Name: name, Type: "date", Options: map[string]interface{}{
		"dateFormat": map[string]interface{}{"name": "iso"},
	}}
}

func numberField(name string, precision int) fieldSpec {
	return fieldSpec{Name: name, Type: "number", Options: map[string]interface{}{
		"precision": precision,
	}}
}

func selectField(name string, options []string) fieldSpec {
	choices := make([]map[string]interface{}, len(options))
	for i, opt := range options {
		choices[i] = map[string]interface{}{"name": opt}
	}
	return fieldSpec{Name: name, Type: "singleSelect", Options: map[string]interface{}{
		"choices": choices,
	}}
}

func linkField(name, linkedTableID string) fieldSpec {
	return fieldSpec{Name: name, Type: "multipleRecordLinks", Options: map[string]interface{}{
		"linkedTableId": linkedTableID,
	}}
}

func optionNames(def fieldDef) []string { return def.options }

func contactFieldSpecs() []fieldSpec {
	return []fieldSpec{
		text("Name"),
		{Name: "Email", Type: "email"},
		{Name: "LinkedIn URL", Type: "url"},
		text("Company"),
		text("Title"),
		selectField("Source Channel", optionNames(contactSchema[FieldSourceChannel])),
		selectField("Lead Category", optionNames(contactSchema[FieldLeadCategory])),
		selectField("Conversation Stage", optionNames(contactSchema[FieldStage])),
		numberField("AI Confidence", 2),
		text("Detected Intent"),
		longText("Signal Stack"),
		longText("AI Reasoning"),
		dateField("First Contact"),
		dateField("Last Contact"),
		numberField("Interaction Count", 0),
		longText("Enriched Data"),
		numberField("Follow-Up Count", 0),
		selectField("Follow-Up Channel", optionNames(contactSchema[FieldFollowUpChannel])),
		dateField("Next Follow-Up Date"),
		selectField("Follow-Up Status", optionNames(contactSchema[FieldFollowUpStatus])),
		dateField("Last Outbound At"),
	}
}

func messageFieldSpecs() []fieldSpec {
	return []fieldSpec{
		text("Subject"),
		selectField("Source", optionNames(messageSchema[FieldSource])),
		selectField("Direction", optionNames(messageSchema[FieldDirection])),
		longText("Body"),
		longText("Thread Context"),
		longText("Draft Reply"),
		selectField("Status", optionNames(messageSchema[FieldStatus])),
		text("Classification"),
		text("Conversation Stage"),
		longText("AI Draft Version"),
		numberField("Edit Distance", 3),
		dateField("Received At"),
		dateField("Sent At"),
		longText("Send Error"),
		text("Account ID"),
		text("Source Message ID"),
		numberField("Follow-Up Number", 0),
	}
}

func auditFieldSpecs() []fieldSpec {
	return []fieldSpec{
		text("Summary"),
		{Name: "Timestamp", Type: "dateTime", Options: map[string]interface{}{
			"dateFormat": map[string]interface{}{"name": "iso"},
			"timeFormat": map[string]interface{}{"name": "24hour"},
			"timeZone":   "utc",
		}},
		text("Action"),
		longText("Details"),
	}
}

// EnsureSchema brings the base up to date. It is safe to run on every
// startup: existing tables and fields are left alone.
func (a *Airtable) EnsureSchema(ctx context.Context) error {
	metaPath := "/v0/meta/bases/" + a.baseID + "/tables"

	var meta metaTables
	if err := a.do(ctx, http.MethodGet, metaPath, nil, nil, &meta); err != nil {
		return fmt.Errorf("read base schema: %w", err)
	}

	byName := make(map[string]*metaTable)
	for i := range meta.Tables {
		byName[meta.Tables[i].Name] = &meta.Tables[i]
	}

	ensureTable := func(name string, fields []fieldSpec) (*metaTable, error) {
		if tbl, ok := byName[name]; ok {
			if err := a.ensureFields(ctx, tbl, fields); err != nil {
				return nil, err
			}
			return tbl, nil
		}

		var created metaTable
		if err := a.do(ctx, http.MethodPost, metaPath, nil, tableSpec{Name: name, Fields: fields}, &created); err != nil {
			return nil, fmt.Errorf("create table %s: %w", name, err)
		}
		a.logger.WithField("table", name).Info("created CRM table")
		byName[name] = &created
		return &created, nil
	}

	contacts, err := ensureTable(tableContacts, contactFieldSpecs())
	if err != nil {
		return err
	}
	messages, err := ensureTable(tableMessages, messageFieldSpecs())
	if err != nil {
		return err
	}
	audit, err := ensureTable(tableAudit, auditFieldSpecs())
	if err != nil {
		return err
	}

	// Link fields last, once both sides exist.
	if err := a.ensureFields(ctx, messages, []fieldSpec{linkField("Contact", contacts.ID)}); err != nil {
		return err
	}
	if err := a.ensureFields(ctx, audit, []fieldSpec{
		linkField("Contact", contacts.ID),
		linkField("Message", messages.ID),
	}); err != nil {
		return err
	}

	a.ensureViews(ctx, contacts, messages)
	return nil
}

func (a *Airtable) ensureFields(ctx context.Context, tbl *metaTable, fields []fieldSpec) error {
	existing := make(map[string]bool, len(tbl.Fields))
	for _, f := range tbl.Fields {
		existing[f.Name] = true
	}

	fieldPath := "/v0/meta/bases/" + a.baseID + "/tables/" + tbl.ID + "/fields"
	for _, spec := range fields {
		if existing[spec.Name] {
			continue
		}
		var created metaField
		if err := a.do(ctx, http.MethodPost, fieldPath, nil, spec, &created); err != nil {
			return fmt.Errorf("create field %s.%s: %w", tbl.Name, spec.Name, err)
		}
		tbl.Fields = append(tbl.Fields, created)
		a.logger.WithFields(map[string]interface{}{"table": tbl.Name, "field": spec.Name}).Info("created CRM field")
	}
	return nil
}

type viewSpec struct {
	table string
	name  string
}

// ensureViews creates the operator views. Failures here never block
// startup: the bot works without them, they just make triage easier.
func (a *Airtable) ensureViews(ctx context.Context, contacts, messages *metaTable) {
	views := []viewSpec{
		{tableMessages, "Pending Approval"},
		{tableContacts, "Hot Leads"},
		{tableContacts, "Active Conversations"},
		{tableMessages, "Recently Sent"},
		{tableMessages, "Rejected / Low Quality"},
		{tableContacts, "Follow-Up Queue"},
		{tableContacts, "Pipeline"},
		{tableMessages, "Follow-Up Drafts"},
	}

	tableID := map[string]string{
		tableContacts: contacts.ID,
		tableMessages: messages.ID,
	}

	for _, v := range views {
		path := "/v0/meta/bases/" + a.baseID + "/tables/" + tableID[v.table] + "/views"
		body := map[string]interface{}{"name": v.name, "type": "grid"}
		if err := a.do(ctx, http.MethodPost, path, nil, body, nil); err != nil {
			a.logger.WithFields(map[string]interface{}{"table": v.table, "view": v.name}).
				Debug("view not created: %v", err)
		}
	}
}
