package prosthetic

import "time"

const maxMessageLength = 5000

// Message is one entry of a case's clinic/lab conversation. Once IsRead is
// true it stays true and ReadAt is never rewritten.
type Message struct {
	ID         int64      `json:"id"`
	CaseID     int64      `json:"caseId"`
	SenderRole Role       `json:"senderRole"`
	SenderName string     `json:"senderName"`
	Body       string     `json:"body"`
	IsRead     bool       `json:"isRead"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// MessageInput is the body of a posted message.
type MessageInput struct {
	Body string `json:"body" validate:"required,max=5000"`
}
