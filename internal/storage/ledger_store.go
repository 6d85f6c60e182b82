package storage

import (
	"database/sql"

	"github.com/growlancer/sdr/internal/core"
)

// Ledger statuses for processed_messages rows.
const (
	LedgerProcessed = "processed"
	LedgerSkipped   = "skipped"
	LedgerFailed    = "failed"
)

// LedgerEntry is one row of the idempotency ledger.
type LedgerEntry struct {
	Source          core.Channel
	SourceMessageID string
	Status          string
	Attempts        int
	Error           string
	CRMMessageID    string
	CRMContactID    string
	CreatedAt       string
	UpdatedAt       string
}

// LedgerStore is the idempotency ledger over processed_messages.
// A row existing for (source, source_message_id) means the message has
// been seen, whatever its status; IsProcessed is the pipeline's dedup
// gate and must stay that cheap.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new ledger store
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// IsProcessed reports whether a message has already been seen.
func (s *LedgerStore) IsProcessed(source core.Channel, sourceMessageID string) (bool, error) {
	var one int
	err := s.db.conn.QueryRow(
		"SELECT 1 FROM processed_messages WHERE source = ? AND source_message_id = ?",
		string(source), sourceMessageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed upserts a ledger row with the given terminal status.
// CRM ids are only overwritten when non-empty, so a later skip never
// erases the ids recorded by the original processing run.
func (s *LedgerStore) MarkProcessed(source core.Channel, sourceMessageID, status, crmMessageID, crmContactID string) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO processed_messages
		    (source, source_message_id, status, crm_message_id, crm_contact_id)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))
		ON CONFLICT(source, source_message_id) DO UPDATE SET
		    status = excluded.status,
		    crm_message_id = COALESCE(excluded.crm_message_id, crm_message_id),
		    crm_contact_id = COALESCE(excluded.crm_contact_id, crm_contact_id),
		    updated_at = datetime('now')
	`, string(source), sourceMessageID, status, crmMessageID, crmContactID)
	return err
}

// MarkFailed records a failure, incrementing the attempt counter on
// repeat failures.
func (s *LedgerStore) MarkFailed(source core.Channel, sourceMessageID, errMsg string) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO processed_messages
		    (source, source_message_id, status, error)
		VALUES (?, ?, 'failed', ?)
		ON CONFLICT(source, source_message_id) DO UPDATE SET
		    status = 'failed',
		    error = excluded.error,
		    attempts = attempts + 1,
		    updated_at = datetime('now')
	`, string(source), sourceMessageID, errMsg)
	return err
}

// Get returns the ledger entry for a message, or core.ErrRecordNotFound.
func (s *LedgerStore) Get(source core.Channel, sourceMessageID string) (*LedgerEntry, error) {
	entry := &LedgerEntry{}
	var errMsg, crmMessageID, crmContactID sql.NullString

	err := s.db.conn.QueryRow(`
		SELECT source, source_message_id, status, attempts, error,
		       crm_message_id, crm_contact_id, created_at, updated_at
		FROM processed_messages
		WHERE source = ? AND source_message_id = ?
	`, string(source), sourceMessageID).Scan(
		&entry.Source, &entry.SourceMessageID, &entry.Status, &entry.Attempts,
		&errMsg, &crmMessageID, &crmContactID, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	entry.Error = errMsg.String
	entry.CRMMessageID = crmMessageID.String
	entry.CRMContactID = crmContactID.String
	return entry, nil
}

// Failed returns failed messages that have not exceeded the retry limit.
func (s *LedgerStore) Failed(maxAttempts int) ([]*LedgerEntry, error) {
	rows, err := s.db.conn.Query(`
		SELECT source, source_message_id, status, attempts, error
		FROM processed_messages
		WHERE status = 'failed' AND attempts < ?
	`, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		entry := &LedgerEntry{}
		var errMsg sql.NullString
		if err := rows.Scan(&entry.Source, &entry.SourceMessageID, &entry.Status, &entry.Attempts, &errMsg); err != nil {
			return nil, err
		}
		entry.Error = errMsg.String
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
