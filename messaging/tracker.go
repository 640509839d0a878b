package messaging

import (
	"sync"

	"go.uber.org/zap"

	"widgetchat/models"
)

type metaStore interface {
	UpsertConversationMeta(meta models.ConversationMeta) error
	UpsertMessageMeta(meta models.MessageMeta) error
}

// Tracker maintains the transient IsCreating/IsUpdating flags.
//
// Flags are keyed by conversation or message, not by operation, so the tracker
// counts overlapping operations per key: the flag goes true when the first one
// starts and false only when the last one settles. A quick second send on a
// conversation therefore cannot clear the flag of a slower first one.
type Tracker struct {
	store   metaStore
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	creating map[string]int
	updating map[int64]int
}

// NewTracker creates a tracker writing through store.
func NewTracker(store metaStore, logger *zap.Logger, metrics *Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		creating: make(map[string]int),
		updating: make(map[int64]int),
	}
}

// BeginCreating marks conversationID as creating. The returned release must
// be called exactly when the operation settles; it is returned even when
// marking failed so the settle path always runs, and extra calls are no-ops.
func (t *Tracker) BeginCreating(conversationID string) (func(), error) {
	t.mu.Lock()
	t.creating[conversationID]++
	var err error
	if t.creating[conversationID] == 1 {
		err = t.store.UpsertConversationMeta(models.ConversationMeta{ID: conversationID, IsCreating: true})
	}
	t.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.creating[conversationID]--
			if t.creating[conversationID] > 0 {
				return
			}
			delete(t.creating, conversationID)
			if err := t.store.UpsertConversationMeta(models.ConversationMeta{ID: conversationID, IsCreating: false}); err != nil {
				t.metrics.settleFailed("conversation_meta")
				t.logger.Error("clear_is_creating_failed",
					zap.String("conversation_id", conversationID),
					zap.Error(err),
				)
			}
		})
	}
	return release, err
}

// BeginUpdating marks messageID as updating; see BeginCreating.
func (t *Tracker) BeginUpdating(messageID int64) (func(), error) {
	t.mu.Lock()
	t.updating[messageID]++
	var err error
	if t.updating[messageID] == 1 {
		err = t.store.UpsertMessageMeta(models.MessageMeta{ID: messageID, IsUpdating: true})
	}
	t.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.updating[messageID]--
			if t.updating[messageID] > 0 {
				return
			}
			delete(t.updating, messageID)
			if err := t.store.UpsertMessageMeta(models.MessageMeta{ID: messageID, IsUpdating: false}); err != nil {
				t.metrics.settleFailed("message_meta")
				t.logger.Error("clear_is_updating_failed",
					zap.Int64("message_id", messageID),
					zap.Error(err),
				)
			}
		})
	}
	return release, err
}

// InFlight reports how many operations currently hold the creating flag for a
// conversation.
func (t *Tracker) InFlight(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creating[conversationID]
}
