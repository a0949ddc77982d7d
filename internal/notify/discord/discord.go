// Package discord forwards alert notifications to a Discord channel.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/datamind/internal/notify"
)

// alertColor is the embed sidebar color (#d9534f).
const alertColor = 0xd9534f

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Forwarder posts each notification as an embed. It only uses the REST API;
// no gateway connection is opened.
type Forwarder struct {
	sess      session
	channelID string
}

// Opts holds parameters for creating a Discord Forwarder.
type Opts struct {
	BotToken  string // Discord bot token
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Forwarder.
func New(opts Opts) (*Forwarder, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	sess := opts.Session
	if sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = dg
	}
	return &Forwarder{sess: sess, channelID: opts.ChannelID}, nil
}

// Forward posts ev to the channel. discordgo handles rate limits itself.
func (f *Forwarder) Forward(ctx context.Context, ev notify.Event) error {
	if _, err := f.sess.ChannelMessageSendEmbed(f.channelID, eventToEmbed(ev), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

// eventToEmbed converts a notification to a Discord embed.
func eventToEmbed(ev notify.Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       ev.AlertName,
		Description: ev.Message,
		Color:       alertColor,
		Footer:      &discordgo.MessageEmbedFooter{Text: "DataMind alerts"},
	}
	if v := ev.Value(); v != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Value", Value: v, Inline: true})
	}
	if !ev.CreatedAt.IsZero() {
		embed.Timestamp = ev.CreatedAt.UTC().Format(time.RFC3339)
	}
	return embed
}
