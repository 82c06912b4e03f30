// Package notify delivers restoration lifecycle notifications.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BadgerOps/resurrect/internal/restoration"
)

// Kind distinguishes why a notification was sent.
type Kind string

const (
	KindMilestone Kind = "milestone"
	KindTerminal  Kind = "terminal"
	KindOverrun   Kind = "overrun"
)

// Notification carries a snapshot of the request at the moment of the event.
type Notification struct {
	Kind       Kind                 `json:"kind"`
	Status     restoration.Status   `json:"status"`
	Recipients []string             `json:"recipients,omitempty"`
	Request    *restoration.Request `json:"request"`
	At         time.Time            `json:"at"`
}

// Notifier is the outbound notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a notifier that only logs.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, n Notification) error {
	attrs := []any{"kind", n.Kind, "status", n.Status}
	if n.Request != nil {
		attrs = append(attrs, "request_id", n.Request.ID, "project_id", n.Request.ProjectID)
	}
	if len(n.Recipients) > 0 {
		attrs = append(attrs, "recipients", n.Recipients)
	}
	l.logger.InfoContext(ctx, "restoration notification", attrs...)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) error { return nil }
