// Package messaging reconciles optimistically inserted chat messages with the
// server's record of them.
//
// Every operation follows the same shape: mark the owning conversation or
// message as busy, insert a temporary record so the UI can render it, await
// the network call, then reconcile the temporary record with the response.
// The busy flag is cleared on every exit path before an error is returned.
package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"widgetchat/api"
	"widgetchat/models"
	"widgetchat/storage"
)

const defaultRefreshTimeout = 30 * time.Second

// Store is the entity store capability the coordinator mutates.
type Store interface {
	InsertMessages(messages ...models.Message) error
	UpdateMessages(where storage.Where, patch func(*models.Message)) (int, error)
	ReplaceMessage(oldKey string, message models.Message) error
	UpsertConversationMeta(meta models.ConversationMeta) error
	UpsertMessageMeta(meta models.MessageMeta) error
}

// API is the widget API surface used by the coordinator.
type API interface {
	SendMessage(ctx context.Context, content, echoID string) (models.Message, error)
	SendAttachment(ctx context.Context, upload api.UploadRequest) (models.Message, error)
	UpdateMessage(ctx context.Context, update api.MessageUpdate) error
}

// ContactRefresher reloads contact details after a submission changed them.
type ContactRefresher interface {
	Refresh(ctx context.Context) error
}

// Options configures a Coordinator.
type Options struct {
	Store     Store
	API       API
	Refresher ContactRefresher
	Factory   *Factory
	Logger    *zap.Logger
	Metrics   *Metrics

	// RefreshTimeout bounds the detached contact refresh.
	RefreshTimeout time.Duration
}

// Coordinator runs send and update operations against the store and API.
type Coordinator struct {
	store     Store
	api       API
	refresher ContactRefresher
	factory   *Factory
	tracker   *Tracker
	logger    *zap.Logger
	metrics   *Metrics

	refreshTimeout time.Duration
	detached       sync.WaitGroup
}

// New creates a coordinator with validated options.
func New(options Options) (*Coordinator, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.API == nil {
		return nil, errors.New("api is required")
	}
	if options.Factory == nil {
		options.Factory = &Factory{}
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.RefreshTimeout <= 0 {
		options.RefreshTimeout = defaultRefreshTimeout
	}

	return &Coordinator{
		store:          options.Store,
		api:            options.API,
		refresher:      options.Refresher,
		factory:        options.Factory,
		tracker:        NewTracker(options.Store, options.Logger, options.Metrics),
		logger:         options.Logger,
		metrics:        options.Metrics,
		refreshTimeout: options.RefreshTimeout,
	}, nil
}

// Tracker exposes the transient status tracker.
func (c *Coordinator) Tracker() *Tracker {
	return c.tracker
}

// MergeIncoming stores a message that arrived from outside this client's own
// calls, such as a realtime push. A stored message with the same echo ID is
// updated in place with the incoming fields and takes the incoming server ID;
// otherwise the message is inserted. Applying the same message twice leaves the same state as once.
func (c *Coordinator) MergeIncoming(message models.Message) (err error) {
	done := c.metrics.begin(OpMergeIncoming)
	defer func() { done(err) }()

	if err := c.merge(message); err != nil {
		c.logger.Warn("merge_incoming_failed",
			zap.Int64("message_id", message.ID),
			zap.String("echo_id", message.EchoID),
			zap.Error(err),
		)
		return newError(OpMergeIncoming, err)
	}
	return nil
}

func (c *Coordinator) merge(incoming models.Message) error {
	stored := incoming
	if incoming.IsConfirmed() {
		stored = incoming.Confirmed()
	}
	overwrite := func(m *models.Message) {
		*m = mergeFields(*m, stored)
	}

	if incoming.EchoID != "" {
		updated, err := c.store.UpdateMessages(storage.ByEchoID(incoming.EchoID), overwrite)
		if err != nil {
			return err
		}
		if updated > 0 {
			return nil
		}
		c.logger.Debug("merge_incoming_no_echo_match",
			zap.String("echo_id", incoming.EchoID),
			zap.Int64("message_id", incoming.ID),
		)
	}

	if key := stored.Key(); key != "" {
		updated, err := c.store.UpdateMessages(storage.ByKey(key), overwrite)
		if err != nil {
			return err
		}
		if updated > 0 {
			return nil
		}
	}

	return c.store.InsertMessages(stored)
}

// mergeFields lays incoming over existing. Fields the incoming record leaves
// empty keep their stored values.
func mergeFields(existing, incoming models.Message) models.Message {
	merged := incoming
	if merged.ConversationID == "" {
		merged.ConversationID = existing.ConversationID
	}
	if merged.CreatedAt == 0 {
		merged.CreatedAt = existing.CreatedAt
	}
	if merged.MessageType == models.MessageTypeIncoming {
		merged.MessageType = existing.MessageType
	}
	if merged.ContentType == "" {
		merged.ContentType = existing.ContentType
	}
	if len(merged.Attachments) == 0 {
		merged.Attachments = existing.Attachments
	}
	return merged
}

// SendText optimistically shows content in conversationID, sends it and
// replaces the temporary record with the confirmed one. On failure the
// temporary record is left in place with status sending for the caller to
// mark failed or remove.
func (c *Coordinator) SendText(ctx context.Context, content, conversationID string) (sent models.Message, err error) {
	done := c.metrics.begin(OpSendText)
	defer func() { done(err) }()

	if content == "" {
		return models.Message{}, newError(OpSendText, errors.New("content is required"))
	}
	if conversationID == "" {
		return models.Message{}, newError(OpSendText, errors.New("conversation id is required"))
	}

	release, err := c.tracker.BeginCreating(conversationID)
	defer release()
	if err != nil {
		return models.Message{}, newError(OpSendText, err)
	}

	temporary := c.factory.CreateTemporaryMessage(content, conversationID)
	if err := c.store.InsertMessages(temporary); err != nil {
		return models.Message{}, newError(OpSendText, err)
	}
	logger := c.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("echo_id", temporary.EchoID),
	)
	logger.Debug("optimistic_message_inserted")

	response, err := c.api.SendMessage(ctx, content, temporary.EchoID)
	if err != nil {
		logger.Warn("send_text_failed", zap.Error(err))
		return models.Message{}, newError(OpSendText, err)
	}

	confirmed := response.Confirmed()
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = conversationID
	}
	if err := c.store.ReplaceMessage(temporary.Key(), confirmed); err != nil {
		logger.Error("reconcile_text_failed", zap.Int64("message_id", confirmed.ID), zap.Error(err))
		return models.Message{}, newError(OpSendText, err)
	}

	logger.Debug("message_confirmed", zap.Int64("message_id", confirmed.ID))
	return confirmed, nil
}

// SendAttachment optimistically shows an attachment placeholder, uploads the
// file and updates the placeholder in place with the server's record, so the
// conversation's row count does not change on success.
func (c *Coordinator) SendAttachment(ctx context.Context, params AttachmentParams) (sent models.Message, err error) {
	done := c.metrics.begin(OpSendAttachment)
	defer func() { done(err) }()

	conversationID := params.ConversationID
	if conversationID == "" {
		return models.Message{}, newError(OpSendAttachment, errors.New("conversation id is required"))
	}

	release, err := c.tracker.BeginCreating(conversationID)
	defer release()
	if err != nil {
		return models.Message{}, newError(OpSendAttachment, err)
	}

	temporary := c.factory.CreateTemporaryAttachmentMessage(params.Attachment, conversationID)
	upload := c.factory.CreateAttachmentParams(params)
	if err := c.store.InsertMessages(temporary); err != nil {
		return models.Message{}, newError(OpSendAttachment, err)
	}
	logger := c.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("echo_id", temporary.EchoID),
	)
	logger.Debug("optimistic_attachment_inserted", zap.String("file_type", params.Attachment.FileType))

	response, err := c.api.SendAttachment(ctx, upload)
	if err != nil {
		logger.Warn("send_attachment_failed", zap.Error(err))
		return models.Message{}, newError(OpSendAttachment, err)
	}

	// Correlate by the placeholder's own echo ID; the upload endpoint does not
	// carry one.
	response.EchoID = temporary.EchoID
	if response.ConversationID == "" {
		response.ConversationID = conversationID
	}
	if err := c.merge(response); err != nil {
		logger.Error("reconcile_attachment_failed", zap.Int64("message_id", response.ID), zap.Error(err))
		return models.Message{}, newError(OpSendAttachment, err)
	}

	confirmed := response.Confirmed()
	logger.Debug("attachment_confirmed", zap.Int64("message_id", confirmed.ID))
	return confirmed, nil
}

// UpdateSubmittedValues submits an email or form values for messageID and
// records them on the stored message. An email submission clears submitted
// values. A contact refresh is started afterwards and not awaited.
func (c *Coordinator) UpdateSubmittedValues(ctx context.Context, email string, messageID int64, values []models.FormValue) (err error) {
	done := c.metrics.begin(OpUpdateSubmittedValues)
	defer func() { done(err) }()

	if messageID <= 0 {
		return newError(OpUpdateSubmittedValues, errors.New("message id must be > 0"))
	}

	release, err := c.tracker.BeginUpdating(messageID)
	defer release()
	if err != nil {
		return newError(OpUpdateSubmittedValues, err)
	}

	if err := c.api.UpdateMessage(ctx, api.MessageUpdate{
		Email:     email,
		MessageID: messageID,
		Values:    values,
	}); err != nil {
		c.logger.Warn("update_submitted_values_failed", zap.Int64("message_id", messageID), zap.Error(err))
		return newError(OpUpdateSubmittedValues, err)
	}

	if _, err := c.store.UpdateMessages(storage.ByID(messageID), func(m *models.Message) {
		m.ContentAttributes.SubmittedEmail = email
		if email == "" {
			m.ContentAttributes.SubmittedValues = values
		} else {
			m.ContentAttributes.SubmittedValues = nil
		}
	}); err != nil {
		return newError(OpUpdateSubmittedValues, err)
	}

	c.refreshContact(ctx)
	return nil
}

// refreshContact runs the contact refresh detached from ctx's cancellation.
// Failures are logged only.
func (c *Coordinator) refreshContact(ctx context.Context) {
	if c.refresher == nil {
		return
	}

	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		if err := c.refresher.Refresh(refreshCtx); err != nil {
			c.logger.Warn("contact_refresh_failed", zap.Error(err))
		}
	}()
}

// Wait blocks until detached background work has finished.
func (c *Coordinator) Wait() {
	c.detached.Wait()
}
