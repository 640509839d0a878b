package messaging

import (
	"io"
	"time"

	"widgetchat/api"
	"widgetchat/echoid"
	"widgetchat/models"
)

// AttachmentDescriptor is what the UI knows about a file before upload.
type AttachmentDescriptor struct {
	ThumbURL string
	FileType string
	FileName string
	File     io.Reader
}

// AttachmentParams is the UI-level request to send an attachment.
type AttachmentParams struct {
	Attachment     AttachmentDescriptor
	ConversationID string
}

// Factory builds placeholder records for optimistic inserts.
type Factory struct {
	Echo echoid.Generator
	Now  func() time.Time
}

// NewFactory returns a factory using gen for echo IDs.
func NewFactory(gen echoid.Generator) *Factory {
	return &Factory{Echo: gen, Now: time.Now}
}

func (f *Factory) echoID() string {
	if f == nil || f.Echo == nil {
		return echoid.New().Generate()
	}
	return f.Echo.Generate()
}

func (f *Factory) now() time.Time {
	if f == nil || f.Now == nil {
		return time.Now()
	}
	return f.Now()
}

// CreateTemporaryMessage returns an unconfirmed outgoing text message.
func (f *Factory) CreateTemporaryMessage(content, conversationID string) models.Message {
	return models.Message{
		EchoID:         f.echoID(),
		ConversationID: conversationID,
		Content:        content,
		ContentType:    models.ContentTypeText,
		MessageType:    models.MessageTypeOutgoing,
		Status:         models.StatusSending,
		CreatedAt:      f.now().Unix(),
	}
}

// CreateTemporaryAttachmentMessage returns an unconfirmed outgoing message
// whose single attachment points at the local thumbnail so it renders before
// the upload finishes.
func (f *Factory) CreateTemporaryAttachmentMessage(attachment AttachmentDescriptor, conversationID string) models.Message {
	message := f.CreateTemporaryMessage("", conversationID)
	message.Attachments = []models.Attachment{{
		FileType: attachment.FileType,
		ThumbURL: attachment.ThumbURL,
		DataURL:  attachment.ThumbURL,
	}}
	return message
}

// CreateAttachmentParams maps UI attachment params to the upload request. It
// does not read the file.
func (f *Factory) CreateAttachmentParams(params AttachmentParams) api.UploadRequest {
	return api.UploadRequest{
		ConversationID: params.ConversationID,
		FileType:       params.Attachment.FileType,
		FileName:       params.Attachment.FileName,
		File:           params.Attachment.File,
	}
}
