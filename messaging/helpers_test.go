package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"widgetchat/api"
	"widgetchat/echoid"
	"widgetchat/models"
	"widgetchat/storage"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	sendMessage    func(ctx context.Context, content, echoID string) (models.Message, error)
	sendAttachment func(ctx context.Context, upload api.UploadRequest) (models.Message, error)
	updateMessage  func(ctx context.Context, update api.MessageUpdate) error

	mu      sync.Mutex
	updates []api.MessageUpdate
	uploads []api.UploadRequest
}

func (f *fakeAPI) SendMessage(ctx context.Context, content, echoID string) (models.Message, error) {
	if f.sendMessage == nil {
		return models.Message{}, errors.New("send message not stubbed")
	}
	return f.sendMessage(ctx, content, echoID)
}

func (f *fakeAPI) SendAttachment(ctx context.Context, upload api.UploadRequest) (models.Message, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, upload)
	f.mu.Unlock()
	if f.sendAttachment == nil {
		return models.Message{}, errors.New("send attachment not stubbed")
	}
	return f.sendAttachment(ctx, upload)
}

func (f *fakeAPI) UpdateMessage(ctx context.Context, update api.MessageUpdate) error {
	f.mu.Lock()
	f.updates = append(f.updates, update)
	f.mu.Unlock()
	if f.updateMessage == nil {
		return nil
	}
	return f.updateMessage(ctx, update)
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
	ctxOK bool
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxOK = ctx.Err() == nil
	return f.err
}

func (f *fakeRefresher) snapshot() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.ctxOK
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

type harness struct {
	store     *storage.Store
	api       *fakeAPI
	refresher *fakeRefresher
	coord     *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:     newTestStore(t),
		api:       &fakeAPI{},
		refresher: &fakeRefresher{},
	}
	factory := NewFactory(echoid.NewSequence("echo"))
	factory.Now = func() time.Time { return fixedNow }

	coord, err := New(Options{
		Store:     h.store,
		API:       h.api,
		Refresher: h.refresher,
		Factory:   factory,
	})
	require.NoError(t, err)
	h.coord = coord
	return h
}

func (h *harness) messages(t *testing.T, conversationID string) []models.Message {
	t.Helper()

	messages, err := h.store.GetMessages(conversationID, 100, 0)
	require.NoError(t, err)
	return messages
}

func (h *harness) isCreating(t *testing.T, conversationID string) bool {
	t.Helper()

	meta, err := h.store.GetConversationMeta(conversationID)
	require.NoError(t, err)
	return meta.IsCreating
}

func (h *harness) isUpdating(t *testing.T, messageID int64) bool {
	t.Helper()

	meta, err := h.store.GetMessageMeta(messageID)
	require.NoError(t, err)
	return meta.IsUpdating
}
