package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertConversation inserts a new local conversation with the given sync
// status. Fails if the id already exists; callers decide whether an existing
// row is a no-op merge (deterministic ids make duplicate creates benign).
func (db *DB) InsertConversation(c *Conversation) error {
	participants, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_ids, display_label, last_message_preview, last_message_at, unread_count, archived, pinned, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(participants), c.DisplayLabel, c.LastMessagePreview, c.LastMessageAt,
		c.UnreadCount, c.Archived, c.Pinned, c.SyncStatus, now, now)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// UpsertConversationRemote merges an authoritative remote conversation into
// the store. Remote fields win; the device-local archived/pinned flags and
// unread count are preserved on update. The row always ends up synced.
func (db *DB) UpsertConversationRemote(c *Conversation) error {
	participants, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_ids, display_label, last_message_preview, last_message_at, unread_count, archived, pinned, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 'synced', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			display_label = excluded.display_label,
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			sync_status = 'synced',
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.DisplayLabel, c.LastMessagePreview, c.LastMessageAt,
		c.UnreadCount, now, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants string
	err := db.QueryRow(`
		SELECT id, participant_ids, display_label, last_message_preview, last_message_at, unread_count, archived, pinned, sync_status
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &participants, &c.DisplayLabel, &c.LastMessagePreview, &c.LastMessageAt,
			&c.UnreadCount, &c.Archived, &c.Pinned, &c.SyncStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return &c, nil
}

// ListConversations returns conversations for list rendering: pinned first,
// then most recently active.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_ids, display_label, last_message_preview, last_message_at, unread_count, archived, pinned, sync_status
		FROM conversations
		ORDER BY pinned DESC, last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var participants string
		if err := rows.Scan(&c.ID, &participants, &c.DisplayLabel, &c.LastMessagePreview,
			&c.LastMessageAt, &c.UnreadCount, &c.Archived, &c.Pinned, &c.SyncStatus); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// PendingConversations returns conversations awaiting push, oldest first.
func (db *DB) PendingConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participant_ids, display_label, last_message_preview, last_message_at, unread_count, archived, pinned, sync_status
		FROM conversations WHERE sync_status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var participants string
		if err := rows.Scan(&c.ID, &participants, &c.DisplayLabel, &c.LastMessagePreview,
			&c.LastMessageAt, &c.UnreadCount, &c.Archived, &c.Pinned, &c.SyncStatus); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SetConversationStatus updates the sync status of a conversation.
func (db *DB) SetConversationStatus(id, status string) error {
	_, err := db.Exec(`UPDATE conversations SET sync_status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	return err
}

// RequeueFailedConversations resets failed conversations to pending so an
// explicit sync run re-attempts them from scratch.
func (db *DB) RequeueFailedConversations() error {
	_, err := db.Exec(`UPDATE conversations SET sync_status = 'pending', updated_at = ? WHERE sync_status = 'failed'`,
		time.Now().UnixMilli())
	return err
}

// SetArchived updates the device-local archived flag.
func (db *DB) SetArchived(id string, archived bool) error {
	_, err := db.Exec(`UPDATE conversations SET archived = ?, updated_at = ? WHERE id = ?`,
		archived, time.Now().UnixMilli(), id)
	return err
}

// SetPinned updates the device-local pinned flag.
func (db *DB) SetPinned(id string, pinned bool) error {
	_, err := db.Exec(`UPDATE conversations SET pinned = ?, updated_at = ? WHERE id = ?`,
		pinned, time.Now().UnixMilli(), id)
	return err
}

// MarkConversationRead resets the unread counter.
func (db *DB) MarkConversationRead(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// TouchConversation updates the denormalized preview fields after message
// ingestion. last_message_at only moves forward. incrementUnread is set for
// messages authored by other users.
func (db *DB) TouchConversation(id, preview string, at int64, incrementUnread bool) error {
	bump := 0
	if incrementUnread {
		bump = 1
	}
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			last_message_at = MAX(last_message_at, ?),
			unread_count = unread_count + ?,
			updated_at = ?
		WHERE id = ?`,
		at, preview, at, bump, time.Now().UnixMilli(), id)
	return err
}

// DeleteConversation removes a conversation and, via the FK cascade, its
// messages. Only called for explicit user deletes or authoritative remote
// deletion events.
func (db *DB) DeleteConversation(id string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}
