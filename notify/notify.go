// Package notify delivers workflow notifications.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/georgepadayatti/signflow/workflow"
)

// Log writes notifications to a logger. It is the sender used when no
// delivery channel is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log sender. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, n workflow.Notification) error {
	l.logger.InfoContext(ctx, "notification",
		"sender_id", n.SenderID, "recipients", n.Recipients, "title", n.Title, "document_id", n.Data["document_id"])
	return nil
}

// DefaultOutboxCollection is where FirestoreOutbox writes.
const DefaultOutboxCollection = "notifications"

// FirestoreOutbox writes one outbox document per notification for a
// delivery worker to pick up.
type FirestoreOutbox struct {
	client     *firestore.Client
	collection string
	clock      func() time.Time
}

// NewFirestoreOutbox creates an outbox writing to collection, or to
// DefaultOutboxCollection when it is empty.
func NewFirestoreOutbox(client *firestore.Client, collection string) *FirestoreOutbox {
	if collection == "" {
		collection = DefaultOutboxCollection
	}
	return &FirestoreOutbox{client: client, collection: collection, clock: time.Now}
}

type outboxEntry struct {
	SenderID   string            `firestore:"sender_id"`
	Recipients []string          `firestore:"recipients"`
	Title      string            `firestore:"title"`
	Body       string            `firestore:"body"`
	Data       map[string]string `firestore:"data,omitempty"`
	Status     string            `firestore:"status"`
	CreatedAt  time.Time         `firestore:"created_at"`
}

func (f *FirestoreOutbox) Notify(ctx context.Context, n workflow.Notification) error {
	_, _, err := f.client.Collection(f.collection).Add(ctx, outboxEntry{
		SenderID:   n.SenderID,
		Recipients: n.Recipients,
		Title:      n.Title,
		Body:       n.Body,
		Data:       n.Data,
		Status:     "queued",
		CreatedAt:  f.clock(),
	})
	return err
}

// Multi sends every notification to all of its senders and joins their
// errors.
type Multi []workflow.Notifier

func (m Multi) Notify(ctx context.Context, n workflow.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ workflow.Notifier = (*Log)(nil)
	_ workflow.Notifier = (*FirestoreOutbox)(nil)
	_ workflow.Notifier = Multi(nil)
)
