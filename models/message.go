package models

import "strconv"

// MessageStatus is the lifecycle state of a message as the UI renders it.
type MessageStatus string

const (
	// StatusSending marks an optimistic message whose network call has not settled.
	StatusSending MessageStatus = "sending"
	// StatusSent marks a message confirmed by the server.
	StatusSent MessageStatus = "sent"
	// StatusFailed marks a temporary message the caller gave up on.
	StatusFailed MessageStatus = "failed"
)

// MessageType mirrors the widget API message_type enum.
type MessageType int

const (
	MessageTypeIncoming MessageType = 0
	MessageTypeOutgoing MessageType = 1
	MessageTypeActivity MessageType = 2
	MessageTypeTemplate MessageType = 3
)

const (
	// ContentTypeText is the default content type for plain messages.
	ContentTypeText = "text"

	idKeyPrefix   = "id:"
	echoKeyPrefix = "echo:"
)

// Message is a chat message as held by the local store.
//
// A message is identified by its server ID once confirmed and by its echo ID
// before that. Key returns whichever identity applies.
type Message struct {
	ID                int64             `json:"id,omitempty"`
	EchoID            string            `json:"echo_id,omitempty"`
	ConversationID    string            `json:"conversation_id"`
	Content           string            `json:"content"`
	ContentType       string            `json:"content_type,omitempty"`
	ContentAttributes ContentAttributes `json:"content_attributes"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	MessageType       MessageType       `json:"message_type"`
	Status            MessageStatus     `json:"status,omitempty"`
	CreatedAt         int64             `json:"created_at"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	ID       int64  `json:"id,omitempty"`
	FileType string `json:"file_type"`
	ThumbURL string `json:"thumb_url,omitempty"`
	DataURL  string `json:"data_url,omitempty"`
}

// ContentAttributes holds structured metadata carried alongside content.
type ContentAttributes struct {
	SubmittedEmail  string      `json:"submitted_email,omitempty"`
	SubmittedValues []FormValue `json:"submitted_values"`
	Items           []FormValue `json:"items,omitempty"`
}

// FormValue is one field of a form or option list.
type FormValue struct {
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`
	Value string `json:"value"`
}

// Key returns the store identity of the message: IDKey of the server ID when
// confirmed, otherwise EchoKey of the echo ID. The two identities live in
// separate key spaces, so an echo ID that looks like a server ID can never
// address a confirmed message.
func (m Message) Key() string {
	if m.ID > 0 {
		return IDKey(m.ID)
	}
	return EchoKey(m.EchoID)
}

// IDKey returns the store key of a confirmed message.
func IDKey(id int64) string {
	return idKeyPrefix + strconv.FormatInt(id, 10)
}

// EchoKey returns the store key of an unconfirmed message. An empty echo ID
// has no key.
func EchoKey(echoID string) string {
	if echoID == "" {
		return ""
	}
	return echoKeyPrefix + echoID
}

// IsConfirmed reports whether the server has assigned an ID.
func (m Message) IsConfirmed() bool {
	return m.ID > 0
}

// Confirmed returns a copy suitable for storing as a server-confirmed record.
// The echo ID is dropped so the record can never be matched by it again.
func (m Message) Confirmed() Message {
	out := m
	out.EchoID = ""
	if out.Status == "" || out.Status == StatusSending {
		out.Status = StatusSent
	}
	return out
}
