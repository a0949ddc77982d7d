package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/datamind/internal/notify"
)

type mockSession struct {
	mu      sync.Mutex
	sent    []sentEmbed
	sendErr error
}

type sentEmbed struct {
	channelID string
	embed     *discordgo.MessageEmbed
}

func (m *mockSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentEmbed{channelID: channelID, embed: embed})
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "123"}); err == nil {
		t.Error("expected error for missing bot token")
	}
	if _, err := New(Opts{Session: &mockSession{}}); err == nil {
		t.Error("expected error for missing channel")
	}
	if _, err := New(Opts{BotToken: "token", ChannelID: "123"}); err != nil {
		t.Errorf("New: %v", err)
	}
}

func TestForward_SendsEmbed(t *testing.T) {
	mock := &mockSession{}
	f, err := New(Opts{ChannelID: "alerts", Session: mock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v := 3.5
	ev := notify.Event{ID: "e1", AlertName: "Refund spike", Message: "above threshold", TriggeredValue: &v,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	if err := f.Forward(context.Background(), ev); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if len(mock.sent) != 1 || mock.sent[0].channelID != "alerts" {
		t.Fatalf("sent = %+v", mock.sent)
	}
	embed := mock.sent[0].embed
	if embed.Title != "Refund spike" || embed.Description != "above threshold" || embed.Color != alertColor {
		t.Errorf("embed = %+v", embed)
	}
	if len(embed.Fields) != 1 || embed.Fields[0].Value != "3.5" {
		t.Errorf("fields = %+v", embed.Fields)
	}
	if embed.Timestamp != "2026-03-01T09:00:00Z" {
		t.Errorf("timestamp = %q", embed.Timestamp)
	}
}

func TestForward_Error(t *testing.T) {
	f, _ := New(Opts{ChannelID: "alerts", Session: &mockSession{sendErr: errors.New("403 Forbidden")}})
	if err := f.Forward(context.Background(), notify.Event{ID: "e1"}); err == nil {
		t.Fatal("expected error")
	}
}
