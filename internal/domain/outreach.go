package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	validation "github.com/jellydator/validation"
)

// OutreachStatus is the lifecycle state of a single outreach request.
type OutreachStatus string

const (
	StatusPending   OutreachStatus = "pending"
	StatusQueued    OutreachStatus = "queued"
	StatusSending   OutreachStatus = "sending"
	StatusSent      OutreachStatus = "sent"
	StatusDelivered OutreachStatus = "delivered"
	StatusRead      OutreachStatus = "read"
	StatusReplied   OutreachStatus = "replied"
	StatusFailed    OutreachStatus = "failed"
	StatusBlocked   OutreachStatus = "blocked"
)

// deliveryRank orders the post-send states. Anything not listed ranks 0.
var deliveryRank = map[OutreachStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusReplied:   4,
}

// Rank returns the position of s in the sent < delivered < read < replied chain.
func (s OutreachStatus) Rank() int { return deliveryRank[s] }

// Terminal reports whether no further transition is expected for s.
func (s OutreachStatus) Terminal() bool {
	switch s {
	case StatusFailed, StatusBlocked, StatusReplied:
		return true
	}
	return false
}

// MessageType is the kind of payload delivered to the lead.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageVoice    MessageType = "voice"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
)

// Media is a binary attachment for non-text messages.
type Media struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
}

// Sender describes who the outreach is sent on behalf of.
type Sender struct {
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Title   string `json:"title,omitempty"`
}

// OutreachRequest is an immutable description of one message to deliver.
// Build it with NewOutreachRequest so it is validated.
type OutreachRequest struct {
	ID          string      `json:"id"`
	LeadID      string      `json:"lead_id"`
	LeadName    string      `json:"lead_name"`
	Company     string      `json:"company,omitempty"`
	Title       string      `json:"title,omitempty"`
	Destination string      `json:"destination"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content"`
	Media       *Media      `json:"media,omitempty"`
	Sender      Sender      `json:"sender"`
	Priority    int         `json:"priority"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ErrInvalidRequest wraps every request validation failure.
var ErrInvalidRequest = errors.New("invalid outreach request")

// NewOutreachRequest fills in the id, timestamp and defaults and validates r.
func NewOutreachRequest(r OutreachRequest) (OutreachRequest, error) {
	if r.ID == "" {
		r.ID = "outreach_" + uuid.NewString()
	}
	if r.Type == "" {
		r.Type = MessageText
	}
	if r.Priority == 0 {
		r.Priority = 1
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if err := r.Validate(); err != nil {
		return OutreachRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return r, nil
}

// Validate checks the request fields.
func (r OutreachRequest) Validate() error {
	isText := r.Type == MessageText
	return validation.ValidateStruct(&r,
		validation.Field(&r.LeadID, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Destination, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Type, validation.Required,
			validation.In(MessageText, MessageVoice, MessageImage, MessageDocument)),
		validation.Field(&r.Content, validation.When(isText, validation.Required)),
		validation.Field(&r.Media, validation.When(!isText, validation.Required)),
		validation.Field(&r.Priority, validation.Min(1)),
	)
}

// OutboundMessage is what the coordinator hands to a Transport.
type OutboundMessage struct {
	Destination string
	Type        MessageType
	Content     string
	Media       *Media
}

// OutreachResult is reported back to the caller of the coordinator.
// Status is sent, failed or blocked, or queued when the request was
// accepted for a deferred retry.
type OutreachResult struct {
	RequestID    string         `json:"request_id"`
	LeadID       string         `json:"lead_id"`
	Status       OutreachStatus `json:"status"`
	MessageID    string         `json:"message_id,omitempty"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorID      string         `json:"error_id,omitempty"`
	CRMUpdated   bool           `json:"crm_updated"`
	CompletedAt  time.Time      `json:"completed_at"`
}
