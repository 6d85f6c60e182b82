package storage

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/growlancer/sdr/internal/core"
)

// SourceState is the poll cursor for one source. Each channel uses its
// own cursor kind: Gmail advances a numeric history id, LinkedIn carries
// an opaque pagination cursor. The unused field stays zero.
type SourceState struct {
	Source         core.Channel
	LastPollAt     *time.Time
	Cursor         string // LinkedIn: opaque Unipile cursor
	GmailHistoryID uint64 // Gmail: last seen history id
}

// SourceStateStore persists per-source poll cursors.
type SourceStateStore struct {
	db *DB
}

// NewSourceStateStore creates a new source state store
func NewSourceStateStore(db *DB) *SourceStateStore {
	return &SourceStateStore{db: db}
}

// Get returns the state for a source, or nil if it has never polled.
func (s *SourceStateStore) Get(source core.Channel) (*SourceState, error) {
	state := &SourceState{Source: source}
	var lastPoll, cursor, historyID sql.NullString

	err := s.db.conn.QueryRow(
		"SELECT last_poll_at, cursor, gmail_history_id FROM source_state WHERE source = ?",
		string(source),
	).Scan(&lastPoll, &cursor, &historyID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if lastPoll.Valid {
		if t, perr := time.Parse("2006-01-02 15:04:05", lastPoll.String); perr == nil {
			state.LastPollAt = &t
		}
	}
	state.Cursor = cursor.String
	if historyID.Valid && historyID.String != "" {
		id, perr := strconv.ParseUint(historyID.String, 10, 64)
		if perr != nil {
			return nil, perr
		}
		state.GmailHistoryID = id
	}

	return state, nil
}

// Update stamps last_poll_at and advances whichever cursor is set.
// Zero values leave the stored cursor untouched, so a poll that found
// nothing new does not rewind the source.
func (s *SourceStateStore) Update(source core.Channel, cursor string, gmailHistoryID uint64) error {
	var historyID interface{}
	if gmailHistoryID > 0 {
		historyID = strconv.FormatUint(gmailHistoryID, 10)
	}
	var cursorVal interface{}
	if cursor != "" {
		cursorVal = cursor
	}

	_, err := s.db.conn.Exec(`
		INSERT INTO source_state (source, last_poll_at, cursor, gmail_history_id)
		VALUES (?, datetime('now'), ?, ?)
		ON CONFLICT(source) DO UPDATE SET
		    last_poll_at = datetime('now'),
		    cursor = COALESCE(excluded.cursor, cursor),
		    gmail_history_id = COALESCE(excluded.gmail_history_id, gmail_history_id)
	`, string(source), cursorVal, historyID)
	return err
}
