package domain

import "time"

// ErrorKind is the closed set of failure classes the recovery layer knows.
type ErrorKind string

const (
	ErrorDisconnected   ErrorKind = "transport_disconnected"
	ErrorTimeout        ErrorKind = "transport_timeout"
	ErrorRateLimited    ErrorKind = "rate_limited"
	ErrorCRM            ErrorKind = "crm_error"
	ErrorNetwork        ErrorKind = "network_error"
	ErrorInvalidAddress ErrorKind = "invalid_address"
	ErrorContentTooLong ErrorKind = "content_too_long"
	ErrorUnknown        ErrorKind = "unknown"

	// ErrorInvalidRequest marks a request rejected before any send. The
	// classifier never returns it.
	ErrorInvalidRequest ErrorKind = "invalid_request"
)

// ErrorKinds lists every kind in classification order.
var ErrorKinds = []ErrorKind{
	ErrorDisconnected,
	ErrorTimeout,
	ErrorRateLimited,
	ErrorCRM,
	ErrorNetwork,
	ErrorInvalidAddress,
	ErrorContentTooLong,
	ErrorUnknown,
}

// ErrorRecord is one failure occurrence for a request.
type ErrorRecord struct {
	ID          string     `json:"id"`
	Kind        ErrorKind  `json:"kind"`
	Message     string     `json:"message"`
	Timestamp   time.Time  `json:"timestamp"`
	RequestID   string     `json:"request_id"`
	LeadID      string     `json:"lead_id"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Resolved    bool       `json:"resolved"`
	Resolution  string     `json:"resolution,omitempty"`
}

// QueuedMessage is a durable queue entry awaiting (re)delivery.
type QueuedMessage struct {
	ID         string          `json:"id"`
	Request    OutreachRequest `json:"request"`
	Error      ErrorRecord     `json:"error"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	// Seq is the queue's insertion order, used to break enqueue-time ties.
	Seq uint64 `json:"-"`
}

// Due reports whether the entry may be retried at now.
func (m *QueuedMessage) Due(now time.Time) bool {
	return m.Error.NextRetryAt == nil || !m.Error.NextRetryAt.After(now)
}

// DeliveryConfirmation tracks one sent message through the transport's receipts.
type DeliveryConfirmation struct {
	MessageID   string         `json:"message_id"`
	LeadID      string         `json:"lead_id"`
	SentAt      time.Time      `json:"sent_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
	RepliedAt   *time.Time     `json:"replied_at,omitempty"`
	Status      OutreachStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastCheck   time.Time      `json:"last_check"`
}

// InteractionType labels an entry in a lead's timeline.
type InteractionType string

const (
	InteractionSent         InteractionType = "message_sent"
	InteractionDelivered    InteractionType = "delivered"
	InteractionRead         InteractionType = "read"
	InteractionReplied      InteractionType = "reply_received"
	InteractionStatusUpdate InteractionType = "status_update"
	InteractionError        InteractionType = "error_occurred"
)

// InteractionRecord is an immutable entry in the interaction history.
type InteractionRecord struct {
	ID           string          `json:"id"`
	LeadID       string          `json:"lead_id"`
	LeadName     string          `json:"lead_name,omitempty"`
	Company      string          `json:"company,omitempty"`
	Type         InteractionType `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	Details      map[string]any  `json:"details,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	CRMItemID    string          `json:"crm_item_id,omitempty"`
	StatusBefore OutreachStatus  `json:"status_before,omitempty"`
	StatusAfter  OutreachStatus  `json:"status_after,omitempty"`
}
