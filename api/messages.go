package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"widgetchat/models"
)

// UploadRequest is the payload for an attachment message.
type UploadRequest struct {
	ConversationID string
	FileType       string
	FileName       string
	File           io.Reader
	Timestamp      time.Time
}

// MessageUpdate carries values submitted through an interactive message.
type MessageUpdate struct {
	Email     string
	MessageID int64
	Values    []models.FormValue
}

type sendMessagePayload struct {
	Message struct {
		Content   string `json:"content"`
		EchoID    string `json:"echo_id"`
		Timestamp string `json:"timestamp"`
	} `json:"message"`
}

type updateMessagePayload struct {
	Contact struct {
		Email string `json:"email,omitempty"`
	} `json:"contact"`
	Message struct {
		SubmittedValues []models.FormValue `json:"submitted_values,omitempty"`
	} `json:"message"`
}

// SendMessage posts a text message tagged with its echo ID and returns the
// server's record of it.
func (c *Client) SendMessage(ctx context.Context, content, echoID string) (models.Message, error) {
	if content == "" {
		return models.Message{}, errors.New("content is required")
	}

	var payload sendMessagePayload
	payload.Message.Content = content
	payload.Message.EchoID = echoID
	payload.Message.Timestamp = c.now().UTC().Format(time.RFC3339)

	var message models.Message
	if err := c.doJSON(ctx, fasthttp.MethodPost, messagesPath, payload, &message); err != nil {
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	return message, nil
}

// SendAttachment uploads a file as a new message.
func (c *Client) SendAttachment(ctx context.Context, upload UploadRequest) (models.Message, error) {
	if upload.File == nil {
		return models.Message{}, errors.New("attachment file is required")
	}
	fileName := upload.FileName
	if fileName == "" {
		fileName = "attachment"
	}
	timestamp := upload.Timestamp
	if timestamp.IsZero() {
		timestamp = c.now()
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("message[attachments][]", fileName)
	if err != nil {
		return models.Message{}, fmt.Errorf("create attachment part: %w", err)
	}
	if _, err := io.Copy(part, upload.File); err != nil {
		return models.Message{}, fmt.Errorf("read attachment %q: %w", fileName, err)
	}
	fields := map[string]string{
		"message[timestamp]":       timestamp.UTC().Format(time.RFC3339),
		"message[conversation_id]": upload.ConversationID,
		"message[file_type]":       upload.FileType,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := form.WriteField(name, value); err != nil {
			return models.Message{}, fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if err := form.Close(); err != nil {
		return models.Message{}, fmt.Errorf("close multipart body: %w", err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.endpoint(messagesPath))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(form.FormDataContentType())
	req.SetBody(body.Bytes())

	if err := c.do(ctx, req, resp); err != nil {
		return models.Message{}, fmt.Errorf("send attachment: %w", err)
	}

	var message models.Message
	if err := decodeJSON(resp.Body(), &message); err != nil {
		return models.Message{}, fmt.Errorf("send attachment: %w", err)
	}
	return message, nil
}

// UpdateMessage submits an email or form values for an interactive message.
func (c *Client) UpdateMessage(ctx context.Context, update MessageUpdate) error {
	if update.MessageID <= 0 {
		return errors.New("message id must be > 0")
	}

	var payload updateMessagePayload
	payload.Contact.Email = update.Email
	payload.Message.SubmittedValues = update.Values

	path := messagesPath + "/" + strconv.FormatInt(update.MessageID, 10)
	if err := c.doJSON(ctx, fasthttp.MethodPatch, path, payload, nil); err != nil {
		return fmt.Errorf("update message %d: %w", update.MessageID, err)
	}
	return nil
}

// GetContact fetches the visitor contact.
func (c *Client) GetContact(ctx context.Context) (models.Contact, error) {
	var contact models.Contact
	if err := c.doJSON(ctx, fasthttp.MethodGet, contactPath, nil, &contact); err != nil {
		return models.Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return contact, nil
}
