// Package notify relays chat notifications to operator channels (ntfy,
// Telegram, Slack, ...) through shoutrrr service URLs.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"chatus/internal/push"
)

// Sender delivers a message to every configured service.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// Relay is a push.Notifier that forwards notifications through shoutrrr.
type Relay struct {
	sender Sender
}

// NewRelay creates a relay for the given shoutrrr service URLs.
func NewRelay(urls []string) (*Relay, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one notification URL is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification sender: %w", err)
	}
	return &Relay{sender: sender}, nil
}

// NewRelayWithSender wraps an existing sender.
func NewRelayWithSender(sender Sender) *Relay {
	return &Relay{sender: sender}
}

// Show implements push.Notifier. The operator channel receives the
// notification whichever client it was addressed to.
func (r *Relay) Show(ctx context.Context, _ push.Windows, n push.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := types.Params{}
	params.SetTitle(n.Title)

	message := n.Body
	if room := n.RoomID(); room != "" {
		message = fmt.Sprintf("%s\n\n/chat/%s", n.Body, room)
	}

	var errs []error
	for _, err := range r.sender.Send(message, &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to relay notification: %w", errors.Join(errs...))
	}
	slog.Debug("notification relayed", "tag", n.Tag)
	return nil
}

// Dismiss implements push.Notifier. Relayed messages cannot be recalled.
func (r *Relay) Dismiss(context.Context, push.Windows, push.Notification) error {
	return nil
}

// RedactURL hides the credentials of a service URL for logging.
func RedactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "***"
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
