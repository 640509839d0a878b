package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"widgetchat/models"
)

const messageColumns = `
			seq,
			id,
			echo_id,
			conversation_id,
			content,
			content_type,
			content_attributes,
			attachments,
			message_type,
			status,
			created_at`

type scanner interface {
	Scan(dest ...any) error
}

type storedMessage struct {
	seq     int64
	message models.Message
}

// InsertMessages stores messages. A message whose key is already present
// replaces the existing row in place, keeping its position in the conversation.
func (s *Store) InsertMessages(messages ...models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	prepared := make([]models.Message, 0, len(messages))
	for _, message := range messages {
		if err := normalizeMessage(&message); err != nil {
			return err
		}
		prepared = append(prepared, message)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert messages: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	changes := make([]Change, 0, len(prepared))
	for _, message := range prepared {
		if err := upsertMessage(tx, message); err != nil {
			return err
		}
		changes = append(changes, Change{Kind: ChangeInsert, Entity: EntityMessage, Key: message.Key()})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert messages: %w", err)
	}
	s.publish(changes...)
	return nil
}

// UpdateMessages applies patch to every message matched by where and returns
// how many rows were updated. Matching nothing is not an error. When a patch
// changes a message's key (for example by assigning a server ID), any other row
// already holding the new key is replaced by the patched row.
func (s *Store) UpdateMessages(where Where, patch func(*models.Message)) (int, error) {
	if err := where.validate(); err != nil {
		return 0, err
	}
	if patch == nil {
		return 0, errors.New("patch is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin update messages: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	matches, err := selectMessages(tx, where, 0)
	if err != nil {
		return 0, err
	}

	changes := make([]Change, 0, len(matches))
	for _, match := range matches {
		oldKey := match.message.Key()
		updated := match.message
		patch(&updated)
		if err := normalizeMessage(&updated); err != nil {
			return 0, fmt.Errorf("update message %q: %w", oldKey, err)
		}

		newKey := updated.Key()
		if newKey != oldKey {
			if _, err := tx.Exec(`DELETE FROM messages WHERE message_key = ? AND seq <> ?`, newKey, match.seq); err != nil {
				return 0, fmt.Errorf("replace message %q: %w", newKey, err)
			}
			changes = append(changes, Change{Kind: ChangeDelete, Entity: EntityMessage, Key: oldKey})
		}
		if err := updateMessageRow(tx, match.seq, updated); err != nil {
			return 0, err
		}
		changes = append(changes, Change{Kind: ChangeUpdate, Entity: EntityMessage, Key: newKey})
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit update messages: %w", err)
	}
	s.publish(changes...)
	return len(matches), nil
}

// ReplaceMessage deletes the row stored under oldKey and inserts message as a
// new row in one transaction, so readers see the old row or the new one and
// never a gap between them.
func (s *Store) ReplaceMessage(oldKey string, message models.Message) error {
	if oldKey == "" {
		return errors.New("message key is required")
	}
	if err := normalizeMessage(&message); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace message %q: %w", oldKey, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM messages WHERE message_key = ?`, oldKey)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", oldKey, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete message %q: %w", oldKey, err)
	}
	if err := upsertMessage(tx, message); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace message %q: %w", oldKey, err)
	}

	changes := make([]Change, 0, 2)
	if rowsAffected > 0 {
		changes = append(changes, Change{Kind: ChangeDelete, Entity: EntityMessage, Key: oldKey})
	}
	changes = append(changes, Change{Kind: ChangeInsert, Entity: EntityMessage, Key: message.Key()})
	s.publish(changes...)
	return nil
}

// DeleteMessage removes the message stored under key. It reports whether a
// row was removed; a missing key is not an error.
func (s *Store) DeleteMessage(key string) (bool, error) {
	if key == "" {
		return false, errors.New("message key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM messages WHERE message_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete message %q: %w", key, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for delete message %q: %w", key, err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	s.publish(Change{Kind: ChangeDelete, Entity: EntityMessage, Key: key})
	return true, nil
}

// FirstMessage returns the earliest stored message matched by where.
func (s *Store) FirstMessage(where Where) (*models.Message, error) {
	if err := where.validate(); err != nil {
		return nil, err
	}

	matches, err := selectMessages(s.db, where, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	message := matches[0].message
	return &message, nil
}

// GetMessages returns conversation messages ordered by creation time.
func (s *Store) GetMessages(conversationID string, limit, offset int) ([]models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC
		LIMIT ? OFFSET ?`,
		conversationID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		stored, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, stored.message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// CountMessages returns the number of stored messages in a conversation.
func (s *Store) CountMessages(conversationID string) (int, error) {
	if conversationID == "" {
		return 0, errors.New("conversation_id is required")
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages for conversation %q: %w", conversationID, err)
	}
	return count, nil
}

// MarkFailed flags a still-sending temporary message as failed.
func (s *Store) MarkFailed(echoID string) error {
	if echoID == "" {
		return errors.New("echo_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE messages
		SET status = ?
		WHERE echo_id = ? AND status = ?`,
		models.StatusFailed,
		echoID,
		models.StatusSending,
	)
	if err != nil {
		return fmt.Errorf("mark failed for echo %q: %w", echoID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for mark failed %q: %w", echoID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.publish(Change{Kind: ChangeUpdate, Entity: EntityMessage, Key: models.EchoKey(echoID)})
	return nil
}

// PruneStalePending marks unconfirmed sending messages created before cutoff
// (unix seconds) as failed and returns how many were marked.
func (s *Store) PruneStalePending(cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin prune pending: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.Query(
		`SELECT message_key FROM messages
		WHERE status = ? AND id IS NULL AND created_at < ?`,
		models.StatusSending,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("select stale pending messages: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale pending key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate stale pending rows: %w", err)
	}
	rows.Close()

	if len(keys) == 0 {
		return 0, nil
	}

	res, err := tx.Exec(
		`UPDATE messages
		SET status = ?
		WHERE status = ? AND id IS NULL AND created_at < ?`,
		models.StatusFailed,
		models.StatusSending,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune stale pending messages: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune pending: %w", err)
	}

	changes := make([]Change, 0, len(keys))
	for _, key := range keys {
		changes = append(changes, Change{Kind: ChangeUpdate, Entity: EntityMessage, Key: key})
	}
	s.publish(changes...)
	return rowsAffected, nil
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func selectMessages(q querier, where Where, limit int) ([]storedMessage, error) {
	clause, args, keyed := where.clause()
	query := `SELECT` + messageColumns + ` FROM messages`
	if keyed {
		query += ` WHERE ` + clause
	}
	query += ` ORDER BY seq ASC`
	if keyed && limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages where %s: %w", where, err)
	}
	defer rows.Close()

	matches := make([]storedMessage, 0)
	for rows.Next() {
		stored, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if !keyed && !where.match(stored.message) {
			continue
		}
		matches = append(matches, stored)
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return matches, nil
}

func upsertMessage(tx *sql.Tx, message models.Message) error {
	attributes, attachments, err := encodeMessageJSON(message)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO messages (
			message_key,
			id,
			echo_id,
			conversation_id,
			content,
			content_type,
			content_attributes,
			attachments,
			message_type,
			status,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_key) DO UPDATE SET
			id = excluded.id,
			echo_id = excluded.echo_id,
			conversation_id = excluded.conversation_id,
			content = excluded.content,
			content_type = excluded.content_type,
			content_attributes = excluded.content_attributes,
			attachments = excluded.attachments,
			message_type = excluded.message_type,
			status = excluded.status,
			created_at = excluded.created_at`,
		message.Key(),
		nullInt64(message.ID),
		nullString(message.EchoID),
		message.ConversationID,
		message.Content,
		message.ContentType,
		attributes,
		attachments,
		int(message.MessageType),
		string(message.Status),
		message.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.Key(), err)
	}
	return nil
}

func updateMessageRow(tx *sql.Tx, seq int64, message models.Message) error {
	attributes, attachments, err := encodeMessageJSON(message)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`UPDATE messages SET
			message_key = ?,
			id = ?,
			echo_id = ?,
			conversation_id = ?,
			content = ?,
			content_type = ?,
			content_attributes = ?,
			attachments = ?,
			message_type = ?,
			status = ?,
			created_at = ?
		WHERE seq = ?`,
		message.Key(),
		nullInt64(message.ID),
		nullString(message.EchoID),
		message.ConversationID,
		message.Content,
		message.ContentType,
		attributes,
		attachments,
		int(message.MessageType),
		string(message.Status),
		message.CreatedAt,
		seq,
	)
	if err != nil {
		return fmt.Errorf("update message %q: %w", message.Key(), err)
	}
	return nil
}

func normalizeMessage(message *models.Message) error {
	if strings.TrimSpace(message.ConversationID) == "" {
		return errors.New("conversation_id is required")
	}
	if message.Key() == "" {
		return errors.New("message id or echo_id is required")
	}
	if message.ContentType == "" {
		message.ContentType = models.ContentTypeText
	}
	if message.Status == "" {
		if message.IsConfirmed() {
			message.Status = models.StatusSent
		} else {
			message.Status = models.StatusSending
		}
	}
	if err := validateStatus(message.Status); err != nil {
		return err
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = nowUnix()
	}
	return nil
}

func encodeMessageJSON(message models.Message) (string, string, error) {
	attributes, err := json.Marshal(message.ContentAttributes)
	if err != nil {
		return "", "", fmt.Errorf("encode content attributes for %q: %w", message.Key(), err)
	}
	attachments := message.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	encodedAttachments, err := json.Marshal(attachments)
	if err != nil {
		return "", "", fmt.Errorf("encode attachments for %q: %w", message.Key(), err)
	}
	return string(attributes), string(encodedAttachments), nil
}

func scanMessage(row scanner) (storedMessage, error) {
	var (
		stored      storedMessage
		id          sql.NullInt64
		echoID      sql.NullString
		attributes  string
		attachments string
		messageType int
		status      string
	)

	if err := row.Scan(
		&stored.seq,
		&id,
		&echoID,
		&stored.message.ConversationID,
		&stored.message.Content,
		&stored.message.ContentType,
		&attributes,
		&attachments,
		&messageType,
		&status,
		&stored.message.CreatedAt,
	); err != nil {
		return storedMessage{}, err
	}

	if id.Valid {
		stored.message.ID = id.Int64
	}
	if echoID.Valid {
		stored.message.EchoID = echoID.String
	}
	stored.message.MessageType = models.MessageType(messageType)
	stored.message.Status = models.MessageStatus(status)

	if err := json.Unmarshal([]byte(attributes), &stored.message.ContentAttributes); err != nil {
		return storedMessage{}, fmt.Errorf("decode content attributes: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &stored.message.Attachments); err != nil {
		return storedMessage{}, fmt.Errorf("decode attachments: %w", err)
	}
	if len(stored.message.Attachments) == 0 {
		stored.message.Attachments = nil
	}

	return stored, nil
}
