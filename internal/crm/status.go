// Package crm mirrors outreach status into the CRM board.
package crm

import (
	"context"
	"log/slog"

	"outreach/internal/domain"
)

// Lead status labels on the CRM board.
const (
	LabelNewLead     = "New Lead"
	LabelAttempted   = "Attempted to contact"
	LabelContacted   = "Contacted"
	LabelQualified   = "Qualified"
	LabelUnqualified = "Unqualified"
)

// LabelFor maps an outreach status to the CRM lead status label.
func LabelFor(s domain.OutreachStatus) string {
	switch s {
	case domain.StatusQueued, domain.StatusSending:
		return LabelAttempted
	case domain.StatusSent, domain.StatusDelivered:
		return LabelContacted
	case domain.StatusRead, domain.StatusReplied:
		return LabelQualified
	case domain.StatusFailed, domain.StatusBlocked:
		return LabelUnqualified
	default:
		return LabelNewLead
	}
}

// LogSink writes status updates to the log. It is used when no CRM is
// configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) UpdateStatus(ctx context.Context, leadID string, status domain.OutreachStatus, note string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("lead status", "lead", leadID, "status", status, "label", LabelFor(status), "note", note)
	return nil
}
