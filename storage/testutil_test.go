package storage

import (
	"testing"

	"widgetchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsert(t *testing.T, store *Store, messages ...models.Message) {
	t.Helper()

	if err := store.InsertMessages(messages...); err != nil {
		t.Fatalf("insert messages: %v", err)
	}
}

func mustCount(t *testing.T, store *Store, conversationID string) int {
	t.Helper()

	count, err := store.CountMessages(conversationID)
	if err != nil {
		t.Fatalf("count messages in %q: %v", conversationID, err)
	}
	return count
}
