// Package contact keeps the locally stored visitor contact in sync with the
// widget API.
package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"widgetchat/models"
)

// Source loads the current contact from the server.
type Source interface {
	GetContact(ctx context.Context) (models.Contact, error)
}

// Store persists the contact.
type Store interface {
	UpsertContact(contact models.Contact) error
}

// Refresher fetches the contact and stores it. Concurrent refreshes collapse
// into the one already running.
type Refresher struct {
	source Source
	store  Store
	logger *zap.Logger
	now    func() time.Time

	group singleflight.Group
}

const refreshKey = "contact"

// NewRefresher creates a refresher.
func NewRefresher(source Source, store Store, logger *zap.Logger) (*Refresher, error) {
	if source == nil {
		return nil, errors.New("contact source is required")
	}
	if store == nil {
		return nil, errors.New("contact store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{source: source, store: store, logger: logger, now: time.Now}, nil
}

// Refresh reloads the contact. A caller arriving while a refresh is running
// waits for that refresh and shares its result. The running refresh uses the
// context of the caller that started it; a waiter whose context ends returns
// early without cancelling it.
func (r *Refresher) Refresh(ctx context.Context) error {
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		return nil, r.refresh(ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Refresher) refresh(ctx context.Context) error {
	contact, err := r.source.GetContact(ctx)
	if err != nil {
		return fmt.Errorf("refresh contact: %w", err)
	}
	if contact.UpdatedAt == 0 {
		contact.UpdatedAt = r.now().Unix()
	}
	if err := r.store.UpsertContact(contact); err != nil {
		return fmt.Errorf("refresh contact: %w", err)
	}

	r.logger.Debug("contact_refreshed", zap.Int64("contact_id", contact.ID))
	return nil
}
