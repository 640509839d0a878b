package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"widgetchat/api"
	"widgetchat/echoid"
	"widgetchat/models"
	"widgetchat/storage"
)

func TestNewRequiresStoreAndAPI(t *testing.T) {
	_, err := New(Options{API: &fakeAPI{}})
	require.Error(t, err)

	_, err = New(Options{Store: newTestStore(t)})
	require.Error(t, err)
}

func TestSendTextReplacesTemporaryMessage(t *testing.T) {
	h := newHarness(t)

	h.api.sendMessage = func(_ context.Context, content, echoID string) (models.Message, error) {
		require.Equal(t, "hello", content)
		require.Equal(t, "echo-1", echoID)
		require.True(t, h.isCreating(t, "C1"))

		pending := h.messages(t, "C1")
		require.Len(t, pending, 1)
		require.Equal(t, "echo-1", pending[0].EchoID)
		require.Equal(t, models.StatusSending, pending[0].Status)
		require.Equal(t, models.MessageTypeOutgoing, pending[0].MessageType)
		require.Equal(t, fixedNow.Unix(), pending[0].CreatedAt)

		return models.Message{
			ID:          99,
			EchoID:      echoID,
			Content:     content,
			MessageType: models.MessageTypeOutgoing,
			CreatedAt:   fixedNow.Unix() + 1,
		}, nil
	}

	sent, err := h.coord.SendText(context.Background(), "hello", "C1")
	require.NoError(t, err)
	require.Equal(t, int64(99), sent.ID)
	require.Empty(t, sent.EchoID)

	stored := h.messages(t, "C1")
	require.Len(t, stored, 1)
	require.Equal(t, int64(99), stored[0].ID)
	require.Empty(t, stored[0].EchoID)
	require.Equal(t, "hello", stored[0].Content)
	require.Equal(t, models.StatusSent, stored[0].Status)
	require.False(t, h.isCreating(t, "C1"))

	_, err = h.store.FirstMessage(storage.ByEchoID("echo-1"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendTextFailureKeepsTemporaryMessage(t *testing.T) {
	h := newHarness(t)
	cause := &api.StatusError{Code: 500, Body: "boom"}
	h.api.sendMessage = func(context.Context, string, string) (models.Message, error) {
		return models.Message{}, cause
	}

	_, err := h.coord.SendText(context.Background(), "hello", "C1")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrOperationFailed)
	require.ErrorIs(t, err, cause)

	var opErr *Error
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, OpSendText, opErr.Op)

	stored := h.messages(t, "C1")
	require.Len(t, stored, 1)
	require.Equal(t, "echo-1", stored[0].EchoID)
	require.Equal(t, models.StatusSending, stored[0].Status)
	require.False(t, h.isCreating(t, "C1"))
}

func TestSendTextRejectsEmptyInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.SendText(context.Background(), "", "C1")
	require.ErrorIs(t, err, ErrOperationFailed)
	_, err = h.coord.SendText(context.Background(), "hi", "")
	require.ErrorIs(t, err, ErrOperationFailed)

	require.Empty(t, h.messages(t, "C1"))
}

func TestPushBeforeResponseLeavesOneRecord(t *testing.T) {
	h := newHarness(t)
	h.api.sendMessage = func(_ context.Context, content, echoID string) (models.Message, error) {
		confirmed := models.Message{
			ID:             7,
			EchoID:         echoID,
			ConversationID: "C1",
			Content:        content,
			MessageType:    models.MessageTypeOutgoing,
		}
		require.NoError(t, h.coord.MergeIncoming(confirmed))
		return confirmed, nil
	}

	_, err := h.coord.SendText(context.Background(), "race", "C1")
	require.NoError(t, err)

	stored := h.messages(t, "C1")
	require.Len(t, stored, 1)
	require.Equal(t, int64(7), stored[0].ID)
	require.Empty(t, stored[0].EchoID)
}

func TestPushAfterResponseLeavesOneRecord(t *testing.T) {
	h := newHarness(t)
	var echo string
	h.api.sendMessage = func(_ context.Context, content, echoID string) (models.Message, error) {
		echo = echoID
		return models.Message{ID: 8, EchoID: echoID, Content: content}, nil
	}

	_, err := h.coord.SendText(context.Background(), "late push", "C1")
	require.NoError(t, err)

	require.NoError(t, h.coord.MergeIncoming(models.Message{
		ID:             8,
		EchoID:         echo,
		ConversationID: "C1",
		Content:        "late push",
	}))

	stored := h.messages(t, "C1")
	require.Len(t, stored, 1)
	require.Equal(t, int64(8), stored[0].ID)
}

func TestMergeIncomingUpdatesByEchoID(t *testing.T) {
	h := newHarness(t)
	temporary := h.coord.factory.CreateTemporaryMessage("typed", "C1")
	require.NoError(t, h.store.InsertMessages(temporary))

	require.NoError(t, h.coord.MergeIncoming(models.Message{
		ID:      41,
		EchoID:  temporary.EchoID,
		Content: "typed",
	}))

	stored := h.messages(t, "C1")
	require.Len(t, stored, 1)
	require.Equal(t, int64(41), stored[0].ID)
	require.Equal(t, temporary.CreatedAt, stored[0].CreatedAt)
	require.Equal(t, models.StatusSent, stored[0].Status)
}

func TestNumericEchoIDDoesNotOverwriteConfirmedMessage(t *testing.T) {
	h := newHarness(t)
	h.coord.factory = NewFactory(echoid.NewSequence(""))

	require.NoError(t, h.coord.MergeIncoming(models.Message{
		ID:             1,
		ConversationID: "C1",
		Content:        "agent hello",
		CreatedAt:      100,
	}))

	h.api.sendMessage = func(_ context.Context, content, echoID string) (models.Message, error) {
		require.Equal(t, "1", echoID)
		require.Len(t, h.messages(t, "C1"), 2)
		return models.Message{ID: 2, EchoID: echoID, Content: content, MessageType: models.MessageTypeOutgoing}, nil
	}

	_, err := h.coord.SendText(context.Background(), "hi", "C1")
	require.NoError(t, err)

	stored := h.messages(t, "C1")
	require.Len(t, stored, 2)
	agent, err := h.store.FirstMessage(storage.ByID(1))
	require.NoError(t, err)
	require.Equal(t, "agent hello", agent.Content)
	mine, err := h.store.FirstMessage(storage.ByID(2))
	require.NoError(t, err)
	require.Equal(t, "hi", mine.Content)
}

func TestMergeIncomingKeepsFieldsTheResponseOmits(t *testing.T) {
	h := newHarness(t)
	temporary := h.coord.factory.CreateTemporaryAttachmentMessage(AttachmentDescriptor{
		ThumbURL: "blob:t.png",
		FileType: "image",
	}, "C1")
	require.NoError(t, h.store.InsertMessages(temporary))

	require.NoError(t, h.coord.MergeIncoming(models.Message{ID: 30, EchoID: temporary.EchoID}))

	stored, err := h.store.FirstMessage(storage.ByID(30))
	require.NoError(t, err)
	require.Equal(t, models.MessageTypeOutgoing, stored.MessageType)
	require.Equal(t, temporary.Attachments, stored.Attachments)
	require.Equal(t, "C1", stored.ConversationID)
	require.Equal(t, models.StatusSent, stored.Status)
	require.Empty(t, stored.EchoID)
}

func TestMergeIncomingInsertsUnknownMessage(t *testing.T) {
	h := newHarness(t)
	incoming := models.Message{
		ID:             5,
		ConversationID: "C1",
		Content:        "from agent",
		MessageType:    models.MessageTypeIncoming,
		CreatedAt:      100,
	}

	require.NoError(t, h.coord.MergeIncoming(incoming))
	require.NoError(t, h.coord.MergeIncoming(incoming))

	stored := h.messages(t, "C1")
	require.Len(t, stored, 1)
	require.Equal(t, "from agent", stored[0].Content)
}

func TestMergeIncomingIsIdempotentWithEcho(t *testing.T) {
	h := newHarness(t)
	temporary := h.coord.factory.CreateTemporaryMessage("twice", "C1")
	require.NoError(t, h.store.InsertMessages(temporary))
	incoming := models.Message{ID: 12, EchoID: temporary.EchoID, ConversationID: "C1", Content: "twice"}

	require.NoError(t, h.coord.MergeIncoming(incoming))
	once := h.messages(t, "C1")
	require.NoError(t, h.coord.MergeIncoming(incoming))
	twice := h.messages(t, "C1")

	require.Len(t, twice, 1)
	require.Equal(t, once, twice)
}

func TestMergeIncomingWrapsStoreErrors(t *testing.T) {
	h := newHarness(t)

	err := h.coord.MergeIncoming(models.Message{ID: 3, Content: "no conversation"})
	require.ErrorIs(t, err, ErrOperationFailed)

	var opErr *Error
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, OpMergeIncoming, opErr.Op)
}

func TestSendAttachmentUpdatesPlaceholderInPlace(t *testing.T) {
	h := newHarness(t)
	params := AttachmentParams{
		ConversationID: "C1",
		Attachment: AttachmentDescriptor{
			ThumbURL: "blob:t.png",
			FileType: "image",
			FileName: "t.png",
			File:     strings.NewReader("png"),
		},
	}

	h.api.sendAttachment = func(_ context.Context, upload api.UploadRequest) (models.Message, error) {
		require.Equal(t, "C1", upload.ConversationID)
		require.Equal(t, "image", upload.FileType)
		require.True(t, h.isCreating(t, "C1"))

		pending := h.messages(t, "C1")
		require.Len(t, pending, 1)
		require.Len(t, pending[0].Attachments, 1)
		require.Equal(t, "blob:t.png", pending[0].Attachments[0].DataURL)

		return models.Message{
			ID:          200,
			MessageType: models.MessageTypeOutgoing,
			Attachments: []models.Attachment{{
				ID:       1,
				FileType: "image",
				ThumbURL: "https://cdn/t_thumb.png",
				DataURL:  "https://cdn/t.png",
			}},
		}, nil
	}

	sent, err := h.coord.SendAttachment(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, int64(200), sent.ID)

	stored := h.messages(t, "C1")
	require.Len(t, stored, 1)
	require.Equal(t, int64(200), stored[0].ID)
	require.Empty(t, stored[0].EchoID)
	require.Equal(t, "https://cdn/t.png", stored[0].Attachments[0].DataURL)
	require.Equal(t, fixedNow.Unix(), stored[0].CreatedAt)
	require.False(t, h.isCreating(t, "C1"))
}

func TestSendAttachmentFailureKeepsPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.api.sendAttachment = func(context.Context, api.UploadRequest) (models.Message, error) {
		return models.Message{}, &api.StatusError{Code: 422, Body: "rejected"}
	}

	_, err := h.coord.SendAttachment(context.Background(), AttachmentParams{
		ConversationID: "C1",
		Attachment:     AttachmentDescriptor{ThumbURL: "t.png", FileType: "image"},
	})
	require.ErrorIs(t, err, ErrOperationFailed)

	var statusErr *api.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, 422, statusErr.HTTPStatusCode())

	stored := h.messages(t, "C1")
	require.Len(t, stored, 1)
	require.Equal(t, "t.png", stored[0].Attachments[0].ThumbURL)
	require.Equal(t, models.StatusSending, stored[0].Status)
	require.False(t, h.isCreating(t, "C1"))
}

func TestOverlappingSendsKeepCreatingUntilLastSettles(t *testing.T) {
	h := newHarness(t)
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})

	h.api.sendMessage = func(_ context.Context, content, echoID string) (models.Message, error) {
		if content == "slow" {
			close(firstStarted)
			<-releaseFirst
			return models.Message{ID: 1, EchoID: echoID, Content: content}, nil
		}
		return models.Message{ID: 2, EchoID: echoID, Content: content}, nil
	}

	var (
		wg      sync.WaitGroup
		slowErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, slowErr = h.coord.SendText(context.Background(), "slow", "C1")
	}()

	<-firstStarted
	_, err := h.coord.SendText(context.Background(), "fast", "C1")
	require.NoError(t, err)
	require.True(t, h.isCreating(t, "C1"))
	require.Equal(t, 1, h.coord.Tracker().InFlight("C1"))

	close(releaseFirst)
	wg.Wait()
	require.NoError(t, slowErr)
	require.False(t, h.isCreating(t, "C1"))
	require.Len(t, h.messages(t, "C1"), 2)
}

func TestUpdateSubmittedValuesStoresValues(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.InsertMessages(models.Message{
		ID:             10,
		ConversationID: "C1",
		Content:        "pick one",
		ContentType:    "input_select",
		MessageType:    models.MessageTypeTemplate,
	}))
	values := []models.FormValue{{Name: "size", Value: "L"}}

	h.api.updateMessage = func(_ context.Context, update api.MessageUpdate) error {
		require.True(t, h.isUpdating(t, 10))
		require.Equal(t, int64(10), update.MessageID)
		return nil
	}

	require.NoError(t, h.coord.UpdateSubmittedValues(context.Background(), "", 10, values))
	h.coord.Wait()

	stored, err := h.store.FirstMessage(storage.ByID(10))
	require.NoError(t, err)
	require.Equal(t, values, stored.ContentAttributes.SubmittedValues)
	require.Empty(t, stored.ContentAttributes.SubmittedEmail)
	require.False(t, h.isUpdating(t, 10))

	calls, _ := h.refresher.snapshot()
	require.Equal(t, 1, calls)
}

func TestUpdateSubmittedValuesEmailClearsValues(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.InsertMessages(models.Message{
		ID:             11,
		ConversationID: "C1",
		ContentType:    "input_email",
		ContentAttributes: models.ContentAttributes{
			SubmittedValues: []models.FormValue{{Name: "old", Value: "x"}},
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.coord.UpdateSubmittedValues(ctx, "a@b.co", 11, []models.FormValue{{Name: "ignored"}}))
	cancel()
	h.coord.Wait()

	stored, err := h.store.FirstMessage(storage.ByID(11))
	require.NoError(t, err)
	require.Equal(t, "a@b.co", stored.ContentAttributes.SubmittedEmail)
	require.Nil(t, stored.ContentAttributes.SubmittedValues)

	calls, ctxOK := h.refresher.snapshot()
	require.Equal(t, 1, calls)
	require.True(t, ctxOK)
}

func TestUpdateSubmittedValuesRefreshFailureIsNotReported(t *testing.T) {
	h := newHarness(t)
	h.refresher.err = errors.New("contact offline")
	require.NoError(t, h.store.InsertMessages(models.Message{ID: 12, ConversationID: "C1"}))

	require.NoError(t, h.coord.UpdateSubmittedValues(context.Background(), "a@b.co", 12, nil))
	h.coord.Wait()
}

func TestUpdateSubmittedValuesFailureLeavesMessage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.InsertMessages(models.Message{ID: 13, ConversationID: "C1"}))
	h.api.updateMessage = func(context.Context, api.MessageUpdate) error {
		return errors.New("network down")
	}

	err := h.coord.UpdateSubmittedValues(context.Background(), "a@b.co", 13, nil)
	require.ErrorIs(t, err, ErrOperationFailed)
	h.coord.Wait()

	stored, err := h.store.FirstMessage(storage.ByID(13))
	require.NoError(t, err)
	require.Empty(t, stored.ContentAttributes.SubmittedEmail)
	require.False(t, h.isUpdating(t, 13))

	calls, _ := h.refresher.snapshot()
	require.Zero(t, calls)
}
