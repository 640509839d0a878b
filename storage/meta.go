package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"widgetchat/models"
)

// UpsertConversationMeta creates or updates transient state for a conversation.
func (s *Store) UpsertConversationMeta(meta models.ConversationMeta) error {
	if meta.ID == "" {
		return errors.New("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO conversation_meta (id, is_creating)
		VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET is_creating = excluded.is_creating`,
		meta.ID,
		boolInt(meta.IsCreating),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation meta %q: %w", meta.ID, err)
	}

	s.publish(Change{Kind: ChangeUpdate, Entity: EntityConversationMeta, Key: meta.ID})
	return nil
}

// GetConversationMeta returns conversation meta. A conversation with no
// record yet reports the zero state.
func (s *Store) GetConversationMeta(conversationID string) (models.ConversationMeta, error) {
	if conversationID == "" {
		return models.ConversationMeta{}, errors.New("conversation id is required")
	}

	var isCreating int
	err := s.db.QueryRow(
		`SELECT is_creating FROM conversation_meta WHERE id = ?`,
		conversationID,
	).Scan(&isCreating)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ConversationMeta{ID: conversationID}, nil
		}
		return models.ConversationMeta{}, fmt.Errorf("get conversation meta %q: %w", conversationID, err)
	}

	return models.ConversationMeta{ID: conversationID, IsCreating: isCreating == 1}, nil
}

// UpsertMessageMeta creates or updates transient state for a message.
func (s *Store) UpsertMessageMeta(meta models.MessageMeta) error {
	if meta.ID <= 0 {
		return errors.New("message id must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO message_meta (id, is_updating)
		VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET is_updating = excluded.is_updating`,
		meta.ID,
		boolInt(meta.IsUpdating),
	)
	if err != nil {
		return fmt.Errorf("upsert message meta %d: %w", meta.ID, err)
	}

	s.publish(Change{Kind: ChangeUpdate, Entity: EntityMessageMeta, Key: strconv.FormatInt(meta.ID, 10)})
	return nil
}

// GetMessageMeta returns message meta, or the zero state when absent.
func (s *Store) GetMessageMeta(messageID int64) (models.MessageMeta, error) {
	if messageID <= 0 {
		return models.MessageMeta{}, errors.New("message id must be > 0")
	}

	var isUpdating int
	err := s.db.QueryRow(
		`SELECT is_updating FROM message_meta WHERE id = ?`,
		messageID,
	).Scan(&isUpdating)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MessageMeta{ID: messageID}, nil
		}
		return models.MessageMeta{}, fmt.Errorf("get message meta %d: %w", messageID, err)
	}

	return models.MessageMeta{ID: messageID, IsUpdating: isUpdating == 1}, nil
}
