package models

// ConversationMeta carries transient UI state for one conversation.
type ConversationMeta struct {
	ID         string `json:"id"`
	IsCreating bool   `json:"is_creating"`
}

// MessageMeta carries transient UI state for one message.
type MessageMeta struct {
	ID         int64 `json:"id"`
	IsUpdating bool  `json:"is_updating"`
}

// Contact is the widget visitor's contact record.
type Contact struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
}
