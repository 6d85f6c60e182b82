package storage

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

// LocalAuditEntry is one row of the local audit trail. It is richer
// than the CRM audit log: it carries trace ids and durations so a cycle
// can be reconstructed without touching the CRM.
type LocalAuditEntry struct {
	ID         int64                  `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	TraceID    string                 `json:"trace_id,omitempty"`
	Action     string                 `json:"action"`
	Source     string                 `json:"source,omitempty"`
	MessageID  string                 `json:"message_id,omitempty"`
	ContactID  string                 `json:"contact_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	DurationMS int64                  `json:"duration_ms,omitempty"`
}

// AuditStore writes the local audit trail and fans entries out to live
// subscribers (the ops API websocket feed).
type AuditStore struct {
	db *DB

	mu   sync.Mutex
	subs map[chan *LocalAuditEntry]struct{}
}

// NewAuditStore creates a new audit store
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{
		db:   db,
		subs: make(map[chan *LocalAuditEntry]struct{}),
	}
}

// Log writes an audit entry. Write failures are returned but broadcast
// happens regardless so live observers see the event.
func (s *AuditStore) Log(entry *LocalAuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var details interface{}
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err == nil {
			details = string(data)
		}
	}

	var duration interface{}
	if entry.DurationMS > 0 {
		duration = entry.DurationMS
	}

	res, err := s.db.conn.Exec(`
		INSERT INTO local_audit (trace_id, action, source, message_id, contact_id, details, duration_ms)
		VALUES (NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)
	`, entry.TraceID, entry.Action, entry.Source, entry.MessageID, entry.ContactID, details, duration)
	if err == nil {
		entry.ID, _ = res.LastInsertId()
	}

	s.broadcast(entry)
	return err
}

// Recent returns the newest entries, newest first.
func (s *AuditStore) Recent(limit int) ([]*LocalAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.conn.Query(`
		SELECT id, timestamp, trace_id, action, source, message_id, contact_id, details, duration_ms
		FROM local_audit
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LocalAuditEntry
	for rows.Next() {
		entry := &LocalAuditEntry{}
		var ts string
		var traceID, source, messageID, contactID, details sql.NullString
		var duration sql.NullInt64

		if err := rows.Scan(&entry.ID, &ts, &traceID, &entry.Action, &source, &messageID, &contactID, &details, &duration); err != nil {
			return nil, err
		}

		if t, perr := time.Parse("2006-01-02 15:04:05", ts); perr == nil {
			entry.Timestamp = t
		}
		entry.TraceID = traceID.String
		entry.Source = source.String
		entry.MessageID = messageID.String
		entry.ContactID = contactID.String
		entry.DurationMS = duration.Int64
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &entry.Details)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Subscribe returns a channel receiving every new entry. Call the
// returned cancel func when done. Slow subscribers drop entries rather
// than blocking writers.
func (s *AuditStore) Subscribe() (<-chan *LocalAuditEntry, func()) {
	ch := make(chan *LocalAuditEntry, 64)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *AuditStore) broadcast(entry *LocalAuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}
