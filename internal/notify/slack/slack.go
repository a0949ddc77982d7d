// Package slack forwards alert notifications to a Slack channel.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/datamind/internal/notify"
)

const (
	// maxRetries is the max number of retries for rate-limited posts.
	maxRetries = 3
	// alertColor is the attachment sidebar color.
	alertColor = "#d9534f"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Forwarder posts each notification as a message with one attachment.
type Forwarder struct {
	client    slackClient
	channelID string
}

// Opts holds parameters for creating a Slack Forwarder.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Forwarder.
func New(opts Opts) (*Forwarder, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Forwarder{client: client, channelID: opts.ChannelID}, nil
}

// Forward posts ev to the channel, retrying when Slack rate limits.
func (f *Forwarder) Forward(ctx context.Context, ev notify.Event) error {
	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(fmt.Sprintf("Alert: %s", ev.AlertName), false),
		slackapi.MsgOptionAttachments(eventToAttachment(ev)),
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := f.client.PostMessageContext(ctx, f.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// eventToAttachment converts a notification to a Slack attachment.
func eventToAttachment(ev notify.Event) slackapi.Attachment {
	att := slackapi.Attachment{
		Color:    alertColor,
		Fallback: fmt.Sprintf("%s: %s", ev.AlertName, ev.Message),
		Title:    ev.AlertName,
		Text:     ev.Message,
		Footer:   "DataMind alerts",
	}
	if v := ev.Value(); v != "" {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: "Value", Value: v, Short: true})
	}
	if !ev.CreatedAt.IsZero() {
		att.Ts = json.Number(strconv.FormatInt(ev.CreatedAt.Unix(), 10))
	}
	return att
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
