// Package app wires the client together: one transport and one session per
// process, and the chat, dashboard and notification views built on them.
// When the session ends every open view is shut down.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/zulandar/datamind/internal/config"
	"github.com/zulandar/datamind/internal/db"
	"github.com/zulandar/datamind/internal/models"
	"github.com/zulandar/datamind/internal/session"
	"github.com/zulandar/datamind/internal/transport"
	"gorm.io/gorm"
)

// App is the composition root.
type App struct {
	cfg     *config.Config
	db      *gorm.DB
	ownDB   bool
	client  *transport.Client
	session *session.Session

	mu      sync.Mutex
	closers []func()
}

// Opts holds parameters for creating an App.
type Opts struct {
	Config    *config.Config
	DB        *gorm.DB          // optional; opened from Config.Store when nil
	Transport http.RoundTripper // optional
}

// New creates an App. It does not touch the network.
func New(opts Opts) (*App, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	gdb, ownDB := opts.DB, false
	if gdb == nil {
		var err error
		gdb, err = db.OpenAndMigrate(opts.Config.Store.Driver, opts.Config.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		ownDB = true
	}
	store, err := session.NewStore(gdb)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	sess, err := session.New(store)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	client, err := transport.New(transport.Opts{
		BaseURL:    opts.Config.APIURL,
		CookieFile: opts.Config.CookieFile,
		Transport:  opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		cfg:     opts.Config,
		db:      gdb,
		ownDB:   ownDB,
		client:  client,
		session: sess,
	}
	// An unrecoverable transport failure ends the session, which closes views.
	client.OnTeardown(sess.Teardown)
	sess.OnTeardown(a.closeViews)
	return a, nil
}

// Client returns the authenticated transport.
func (a *App) Client() *transport.Client {
	return a.client
}

// Session returns the local session.
func (a *App) Session() *session.Session {
	return a.session
}

// Config returns the configuration the App was built with.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Login signs in and records the profile locally.
func (a *App) Login(ctx context.Context, email, password string) (*models.Profile, error) {
	u, err := a.client.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("app: login: %w", err)
	}
	p := &models.Profile{
		UserID:   u.ID,
		Email:    u.Email,
		FullName: u.FullName,
		Role:     u.Role,
		OrgID:    u.OrgID,
	}
	if err := a.session.Begin(p); err != nil {
		return nil, fmt.Errorf("app: login: %w", err)
	}
	return p, nil
}

// Logout signs out. The session is torn down locally even when the server
// cannot be reached.
func (a *App) Logout(ctx context.Context) error {
	err := a.client.Logout(ctx)
	// A client that never signed in during this process still owns a
	// persisted session; make sure it ends too.
	a.session.Teardown()
	return err
}

// Whoami returns the signed-in user as the server sees it.
func (a *App) Whoami(ctx context.Context) (*transport.User, error) {
	return a.client.Me(ctx)
}

// track registers a closer run when the session ends or the App closes.
func (a *App) track(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// closeViews shuts down every open view. It never blocks on the network.
func (a *App) closeViews() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// Close shuts down views and releases the store.
func (a *App) Close() error {
	a.closeViews()
	if !a.ownDB {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("app: close: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		log.Printf("app: close store: %v", err)
	}
	return nil
}
