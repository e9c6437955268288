package push

import (
	"context"
	"errors"

	"chatus/internal/core"
)

// Broadcaster posts a message to every window of a set.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg core.ClientMessage) int
}

// WindowNotifier asks windows to display notifications by posting
// SHOW_NOTIFICATION and CLOSE_NOTIFICATION messages to them.
type WindowNotifier struct{}

// Show implements Notifier. Having no window connected is not an error.
func (WindowNotifier) Show(ctx context.Context, to Windows, n Notification) error {
	to.Broadcast(ctx, core.ClientMessage{Type: core.MessageShowNotification, Payload: n})
	return nil
}

// Dismiss implements Notifier.
func (WindowNotifier) Dismiss(ctx context.Context, to Windows, n Notification) error {
	to.Broadcast(ctx, core.ClientMessage{
		Type:    core.MessageCloseNotification,
		Payload: map[string]string{"tag": n.Tag},
	})
	return nil
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier []Notifier

// Show implements Notifier. Every notifier is tried; errors are joined.
func (m MultiNotifier) Show(ctx context.Context, to Windows, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Show(ctx, to, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dismiss implements Notifier.
func (m MultiNotifier) Dismiss(ctx context.Context, to Windows, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Dismiss(ctx, to, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
