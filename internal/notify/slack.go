package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
)

// SlackNotifier posts notifications to a Slack channel via the Web API.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
}

func NewSlackNotifier(token, channelID string) *SlackNotifier {
	return &SlackNotifier{
		client:    slack.New(token),
		channelID: channelID,
	}
}

func (n *SlackNotifier) Deliver(ctx context.Context, executionID uuid.UUID, p Payload) (*Result, error) {
	_, ts, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(formatText(p), false),
	)
	if err != nil {
		return nil, classifySlackError(err)
	}
	return &Result{ProviderMessageID: ts}, nil
}

func classifySlackError(err error) error {
	msg := err.Error()
	// Slack API errors like channel_not_found or msg_too_long will not
	// succeed on retry; transport errors and rate limits will.
	switch {
	case strings.Contains(msg, "rate limited"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection"):
		return fmt.Errorf("%w: slack: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: slack: %v", ErrRejected, err)
	}
}
