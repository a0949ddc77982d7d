package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/zulandar/datamind/internal/chat"
	"github.com/zulandar/datamind/internal/dashboard"
	"github.com/zulandar/datamind/internal/livechannel"
	"github.com/zulandar/datamind/internal/notify"
	"github.com/zulandar/datamind/internal/notify/discord"
	"github.com/zulandar/datamind/internal/notify/slack"
	"github.com/zulandar/datamind/internal/session"
)

// ErrUnknownDataSource is returned when a data source reference matches
// nothing the server lists.
var ErrUnknownDataSource = errors.New("unknown data source")

// ChatView is one conversation view with its own live channel.
type ChatView struct {
	Conversation *chat.Conversation
	Protocol     *chat.Protocol
	Channel      *livechannel.Channel

	app       *App
	closeOnce sync.Once
}

// ChatOpts selects how a chat view starts.
type ChatOpts struct {
	// DataSourceID overrides the remembered data source.
	DataSourceID string
	// Resume reopens the remembered conversation.
	Resume bool
	// Offline skips the live channel so every submission uses the
	// request/response endpoint.
	Offline bool
}

// OpenChat builds a conversation view and starts its live channel.
func (a *App) OpenChat(ctx context.Context, opts ChatOpts) (*ChatView, error) {
	store := a.session.Store()
	conv := chat.NewConversation()

	ds := opts.DataSourceID
	if ds == "" {
		ds, _ = store.Pref(session.KeyDataSource)
	} else if err := store.SetPref(session.KeyDataSource, ds); err != nil {
		log.Printf("app: remember data source: %v", err)
	}
	conv.SetDataSource(ds)

	var ch *livechannel.Channel
	if !opts.Offline {
		var err error
		ch, err = livechannel.New(livechannel.Opts{
			URL:            a.cfg.WSURL,
			Jar:            a.client.Jar(),
			Renewer:        a.client,
			ReconnectDelay: a.cfg.Chat.ReconnectDelay(),
			Heartbeat:      a.cfg.Chat.Heartbeat(),
		})
		if err != nil {
			return nil, fmt.Errorf("app: open chat: %w", err)
		}
	}

	popts := chat.ProtocolOpts{Conversation: conv, API: a.client, Endpoint: a.cfg.Chat.Endpoint}
	if ch != nil {
		popts.Channel = ch
	}
	proto, err := chat.NewProtocol(popts)
	if err != nil {
		return nil, fmt.Errorf("app: open chat: %w", err)
	}

	if opts.Resume {
		if id, _ := store.Pref(session.KeyConversation); id != "" {
			if err := proto.Open(ctx, id); err != nil {
				log.Printf("app: resume conversation %s: %v", id, err)
			}
		}
	}

	// Remember the conversation the server assigned so the next run can
	// resume it.
	conv.OnChange(func(ev chat.Event) {
		if ev.Kind != chat.EventTurn && ev.Kind != chat.EventReset {
			return
		}
		if !a.session.Authenticated() {
			return
		}
		if err := store.SetPref(session.KeyConversation, conv.ID()); err != nil {
			log.Printf("app: remember conversation: %v", err)
		}
	})

	v := &ChatView{Conversation: conv, Protocol: proto, Channel: ch, app: a}
	if ch != nil {
		ch.OnMessage(proto.HandleFrame)
		ch.Connect(context.WithoutCancel(ctx))
	}
	a.track(v.Close)
	return v, nil
}

// DataSources lists the data sources a conversation can query.
func (a *App) DataSources(ctx context.Context) ([]chat.DataSource, error) {
	return chat.DataSources(ctx, a.client)
}

// SelectDataSource resolves ref (an id or a name) against the server's
// data sources and remembers it for the next conversation.
func (a *App) SelectDataSource(ctx context.Context, ref string) (chat.DataSource, error) {
	list, err := a.DataSources(ctx)
	if err != nil {
		return chat.DataSource{}, fmt.Errorf("app: select data source: %w", err)
	}
	ds, ok := chat.FindDataSource(list, ref)
	if !ok {
		return chat.DataSource{}, fmt.Errorf("app: select data source: %w: %s", ErrUnknownDataSource, ref)
	}
	if err := a.session.Store().SetPref(session.KeyDataSource, ds.ID); err != nil {
		return chat.DataSource{}, fmt.Errorf("app: select data source: %w", err)
	}
	return ds, nil
}

// SetDataSource selects and remembers the data source for new submissions.
func (v *ChatView) SetDataSource(id string) {
	v.Conversation.SetDataSource(id)
	if err := v.app.session.Store().SetPref(session.KeyDataSource, id); err != nil {
		log.Printf("app: remember data source: %v", err)
	}
}

// Close shuts the live channel. Safe to call repeatedly.
func (v *ChatView) Close() {
	v.closeOnce.Do(func() {
		if v.Channel != nil {
			v.Channel.Close()
		}
	})
}

// Dashboards returns the dashboard endpoint set.
func (a *App) Dashboards() (*dashboard.API, error) {
	return dashboard.NewAPI(a.client)
}

// MountDashboard mounts a dashboard with live widget timers. The view is
// closed on session teardown.
func (a *App) MountDashboard(ctx context.Context, id string, timers dashboard.Timers) (*dashboard.View, error) {
	api, err := a.Dashboards()
	if err != nil {
		return nil, err
	}
	v, err := dashboard.Mount(ctx, dashboard.MountOpts{API: api, DashboardID: id, Timers: timers})
	if err != nil {
		return nil, fmt.Errorf("app: mount dashboard: %w", err)
	}
	if err := a.session.Store().SetPref(session.KeyDashboard, v.Dashboard.ID); err != nil {
		log.Printf("app: remember dashboard: %v", err)
	}
	a.track(v.Close)
	return v, nil
}

// Notifications returns a poller over the unread alert notifications,
// forwarding new ones to the configured chat channels.
func (a *App) Notifications() (*notify.Poller, error) {
	forwarders, err := a.forwarders()
	if err != nil {
		return nil, fmt.Errorf("app: notifications: %w", err)
	}
	return notify.New(notify.Opts{
		API:        a.client,
		Interval:   a.cfg.Notifications.PollInterval(),
		Hook:       notify.HookConfig{Command: a.cfg.Notifications.Command},
		Forwarders: forwarders,
	})
}

func (a *App) forwarders() ([]notify.Forwarder, error) {
	var out []notify.Forwarder
	if c := a.cfg.Notifications.Slack; c.Enabled() {
		f, err := slack.New(slack.Opts{BotToken: c.BotToken, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if c := a.cfg.Notifications.Discord; c.Enabled() {
		f, err := discord.New(discord.Opts{BotToken: c.BotToken, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// WatchNotifications runs p until ctx is done or the session ends.
func (a *App) WatchNotifications(ctx context.Context, p *notify.Poller) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.track(cancel)
	err := p.Run(ctx)
	p.Wait()
	return err
}
