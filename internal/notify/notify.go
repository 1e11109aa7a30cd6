// Package notify delivers push notifications to riders and drivers. Delivery
// is best effort; callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, userID string, ev models.Event) error
}

// LogNotifier records notifications instead of sending them. It is the
// fallback when no push provider is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, userID string, ev models.Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notify", "user_id", userID, "type", ev.Type)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID string, ev models.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
