package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

// DiscordNotifier sends notifications to a Discord channel.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
}

func NewDiscordNotifier(botToken, channelID string) (*DiscordNotifier, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: s, channelID: channelID}, nil
}

func (n *DiscordNotifier) Deliver(ctx context.Context, executionID uuid.UUID, p Payload) (*Result, error) {
	msg, err := n.session.ChannelMessageSend(n.channelID, formatText(p),
		discordgo.WithContext(ctx))
	if err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil && restErr.Response.StatusCode < 500 && restErr.Response.StatusCode != 429 {
			return nil, fmt.Errorf("%w: discord: %v", ErrRejected, err)
		}
		return nil, fmt.Errorf("%w: discord: %v", ErrUnavailable, err)
	}
	return &Result{ProviderMessageID: msg.ID}, nil
}
