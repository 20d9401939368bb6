package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertMessage durably queues a locally composed message. A failure here is
// fatal to the originating user action and must be surfaced — a message that
// was never written cannot be reported as queued.
func (db *DB) InsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, local_created_at, server_sequence, server_timestamp, sync_status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.LocalCreatedAt,
		m.ServerSequence, m.ServerTimestamp, m.SyncStatus, m.RetryCount, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpsertMessageRemote merges an authoritative remote message into the store
// (idempotent on id). A new row is inserted as synced; an existing row —
// typically a pending local write being confirmed — has its provisional
// fields overwritten with the server-assigned values.
func (db *DB) UpsertMessageRemote(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, local_created_at, server_sequence, server_timestamp, sync_status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'synced', 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_id = excluded.sender_id,
			body = excluded.body,
			server_sequence = excluded.server_sequence,
			server_timestamp = excluded.server_timestamp,
			sync_status = 'synced'`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.LocalCreatedAt,
		m.ServerSequence, m.ServerTimestamp, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, body, local_created_at, server_sequence, server_timestamp, sync_status, retry_count
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.LocalCreatedAt,
			&m.ServerSequence, &m.ServerTimestamp, &m.SyncStatus, &m.RetryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation in display order:
// server-sequenced messages first by sequence, then unsequenced messages by
// local creation time. Unsequenced messages re-sort once confirmed.
func (db *DB) ListMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, body, local_created_at, server_sequence, server_timestamp, sync_status, retry_count
		FROM messages
		WHERE conversation_id = ?
		ORDER BY CASE WHEN server_sequence = 0 THEN 1 ELSE 0 END ASC,
			server_sequence ASC,
			local_created_at ASC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.LocalCreatedAt,
			&m.ServerSequence, &m.ServerTimestamp, &m.SyncStatus, &m.RetryCount); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// PendingMessages returns messages awaiting push, oldest first.
func (db *DB) PendingMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, body, local_created_at, server_sequence, server_timestamp, sync_status, retry_count
		FROM messages WHERE sync_status = 'pending' ORDER BY local_created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.LocalCreatedAt,
			&m.ServerSequence, &m.ServerTimestamp, &m.SyncStatus, &m.RetryCount); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ConfirmMessage marks a message synced with its server-assigned ordering
// metadata. Called both on a successful push and when the reconciliation
// listener observes the server copy.
func (db *DB) ConfirmMessage(id string, serverSequence, serverTimestamp int64) error {
	_, err := db.Exec(`
		UPDATE messages SET server_sequence = ?, server_timestamp = ?, sync_status = 'synced'
		WHERE id = ?`, serverSequence, serverTimestamp, id)
	return err
}

// MarkMessageFailed records a terminal push failure.
func (db *DB) MarkMessageFailed(id string, retryCount int) error {
	_, err := db.Exec(`UPDATE messages SET sync_status = 'failed', retry_count = ? WHERE id = ?`,
		retryCount, id)
	return err
}

// ResetMessageForRetry puts a failed message back in the pending queue with
// a fresh retry budget. Used by the manual retry affordance.
func (db *DB) ResetMessageForRetry(id string) error {
	_, err := db.Exec(`UPDATE messages SET sync_status = 'pending', retry_count = 0 WHERE id = ? AND sync_status = 'failed'`, id)
	return err
}

// RequeueFailedMessages resets all failed messages to pending so an explicit
// sync run re-attempts them from attempt zero.
func (db *DB) RequeueFailedMessages() error {
	_, err := db.Exec(`UPDATE messages SET sync_status = 'pending', retry_count = 0 WHERE sync_status = 'failed'`)
	return err
}

// DeleteMessage removes a message. Only called for explicit user deletes or
// authoritative remote deletion events.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}
