package domain

import (
	"context"
	"errors"
	"fmt"
)

// Transport is the external chat bridge messages are delivered through.
// Implementations report failures through result values; CheckConnection
// returns an error only when the probe itself could not be made.
type Transport interface {
	Name() string
	CheckConnection(ctx context.Context) (bool, error)
	Send(ctx context.Context, msg OutboundMessage) SendResult
	GetStatus(ctx context.Context, messageID string) StatusReport
}

// SendResult is the outcome of one send call.
type SendResult struct {
	MessageID string
	// Blocked is set when the recipient refused the message (opted out,
	// blocked the sender). It is never retried.
	Blocked bool
	Err     error
}

// OK reports whether the message was accepted by the transport.
func (r SendResult) OK() bool { return r.Err == nil && !r.Blocked && r.MessageID != "" }

// StatusReport is the receipt state of a sent message.
type StatusReport struct {
	Delivered bool
	Read      bool
	Replied   bool
	Err       error
}

// StatusSink receives one-way status updates for a lead (the CRM).
type StatusSink interface {
	UpdateStatus(ctx context.Context, leadID string, status OutreachStatus, note string) error
}

// ErrNotConnected is returned by transports that know they are offline.
var ErrNotConnected = errors.New("transport not connected")

// TransportError carries an explicit failure kind from a transport adapter.
type TransportError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
