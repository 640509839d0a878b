package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"widgetchat/models"
)

// UpsertContact stores the visitor contact, replacing any previous copy with
// the same ID.
func (s *Store) UpsertContact(contact models.Contact) error {
	if contact.ID <= 0 {
		return errors.New("contact id must be > 0")
	}
	if contact.UpdatedAt == 0 {
		contact.UpdatedAt = nowUnix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO contacts (id, name, email, phone_number, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone_number = excluded.phone_number,
			updated_at = excluded.updated_at`,
		contact.ID,
		contact.Name,
		contact.Email,
		contact.PhoneNumber,
		contact.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert contact %d: %w", contact.ID, err)
	}

	s.publish(Change{Kind: ChangeUpdate, Entity: EntityContact, Key: strconv.FormatInt(contact.ID, 10)})
	return nil
}

// GetContact returns the most recently refreshed contact.
func (s *Store) GetContact() (*models.Contact, error) {
	var contact models.Contact
	err := s.db.QueryRow(
		`SELECT id, name, email, phone_number, updated_at
		FROM contacts
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`,
	).Scan(&contact.ID, &contact.Name, &contact.Email, &contact.PhoneNumber, &contact.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &contact, nil
}
