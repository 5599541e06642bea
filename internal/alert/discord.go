package alert

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/call-voice-lab/internal/logging"
)

// Discord rejects messages longer than this.
const maxMessageLen = 2000

type messageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts ops alerts to a single channel through the bot REST API.
// No gateway connection is opened.
type Discord struct {
	sender    messageSender
	channelID string
}

// NewDiscord returns nil when token or channel is empty so callers can treat
// alerting as optional.
func NewDiscord(token, channelID string) (*Discord, error) {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(channelID) == "" {
		return nil, nil
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &Discord{sender: dg, channelID: channelID}, nil
}

func (d *Discord) Alert(ctx context.Context, msg string) error {
	if d == nil || d.sender == nil {
		return errors.New("discord alerter not configured")
	}
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen-3] + "..."
	}
	if _, err := d.sender.ChannelMessageSend(d.channelID, msg, discordgo.WithContext(ctx)); err != nil {
		logging.Warnw("alert: discord send failed", "channel", d.channelID, "err", err)
		return err
	}
	logging.Infow("alert: sent", "channel", d.channelID)
	return nil
}
