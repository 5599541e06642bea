package alert

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

type fakeSender struct {
	channel string
	content string
	err     error
}

func (f *fakeSender) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel, f.content = channelID, content
	if f.err != nil {
		return nil, f.err
	}
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func TestDiscordAlertSends(t *testing.T) {
	fs := &fakeSender{}
	d := &Discord{sender: fs, channelID: "123"}
	if err := d.Alert(context.Background(), "call c1 ended: compliance_stop"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if fs.channel != "123" || fs.content != "call c1 ended: compliance_stop" {
		t.Fatalf("sent %q to %q", fs.content, fs.channel)
	}
}

func TestDiscordAlertTruncatesAndReportsErrors(t *testing.T) {
	fs := &fakeSender{err: errors.New("403")}
	d := &Discord{sender: fs, channelID: "123"}
	if err := d.Alert(context.Background(), strings.Repeat("x", 5000)); err == nil {
		t.Fatalf("send error swallowed")
	}
	if len(fs.content) != maxMessageLen {
		t.Fatalf("content length %d", len(fs.content))
	}
}

func TestNewDiscordOptional(t *testing.T) {
	d, err := NewDiscord("", "123")
	if err != nil || d != nil {
		t.Fatalf("d=%v err=%v", d, err)
	}
	var nilAlerter *Discord
	if err := nilAlerter.Alert(context.Background(), "x"); err == nil {
		t.Fatalf("nil alerter reported success")
	}
}
