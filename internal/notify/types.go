// Package notify defines the notification delivery port and the channel
// implementations the engine can route to. Transport details (SMTP, chat
// APIs) stay behind the Notifier interface; the workflow only sees a
// delivery result or a classified error.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/store"
)

var (
	// ErrUnavailable marks transient transport failures. The deliver
	// activity retries it with backoff.
	ErrUnavailable = errors.New("notifier unavailable")

	// ErrRejected means the provider refused the message. Recorded as a
	// failed delivery; the workflow continues.
	ErrRejected = errors.New("notifier rejected")
)

// Payload is the notification content handed to a channel.
type Payload struct {
	TaskID        uuid.UUID               `json:"task_id"`
	TaskName      string                  `json:"task_name"`
	UserID        string                  `json:"user_id"`
	SearchQuery   string                  `json:"search_query"`
	Condition     string                  `json:"condition_description"`
	ConditionMet  bool                    `json:"condition_met"`
	Answer        string                  `json:"answer"`
	ChangeSummary *string                 `json:"change_summary,omitempty"`
	Sources       []store.GroundingSource `json:"grounding_sources,omitempty"`
	ExecutedAt    time.Time               `json:"executed_at"`
}

// Result reports a completed delivery attempt.
type Result struct {
	ProviderMessageID string
}

// Notifier delivers one notification for an execution.
type Notifier interface {
	Deliver(ctx context.Context, executionID uuid.UUID, p Payload) (*Result, error)
}

// formatText renders the payload as plain text shared by the chat channels.
func formatText(p Payload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🔔 %s\n\n", p.TaskName)
	fmt.Fprintf(&sb, "%s\n", p.Answer)
	if p.ChangeSummary != nil && *p.ChangeSummary != "" {
		fmt.Fprintf(&sb, "\nWhat changed: %s\n", *p.ChangeSummary)
	}
	if len(p.Sources) > 0 {
		sb.WriteString("\nSources:\n")
		for _, s := range p.Sources {
			title := s.Title
			if title == "" {
				title = s.URI
			}
			fmt.Fprintf(&sb, "• %s — %s\n", title, s.URI)
		}
	}
	return sb.String()
}
