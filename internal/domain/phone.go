package domain

import (
	"time"
)

// PhoneAccount is the durable record kept per normalized phone number.
type PhoneAccount struct {
	Phone           string     `json:"phone_number"`
	LatestSessionID string     `json:"latest_session_id,omitempty"`
	Active          bool       `json:"active"`
	LastExtraction  *time.Time `json:"last_extraction,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Message is one line of text harvested from the device inbox.
type Message struct {
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
