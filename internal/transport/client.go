// Package transport is the authenticated request layer. It attaches the
// session cookies to every call, renews them at most once per expiry no
// matter how many calls notice it, retries the failed call once, and tears
// the session down when renewal is impossible.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults for Client construction.
const (
	DefaultRenewPath = "/auth/refresh"
	DefaultTimeout   = 30 * time.Second
)

// Payload is a successful response. A 204 reply is an explicit empty
// success, distinguishable from a parsed body.
type Payload struct {
	Status int
	Body   json.RawMessage
}

// Empty reports whether the server answered with no content.
func (p *Payload) Empty() bool {
	return p == nil || p.Status == http.StatusNoContent
}

// Decode unmarshals the body into v.
func (p *Payload) Decode(v any) error {
	if p.Empty() {
		return fmt.Errorf("transport: decode: empty response")
	}
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("transport: decode: %w", err)
	}
	return nil
}

// Client performs authenticated JSON calls against the API base URL.
type Client struct {
	baseURL   string
	renewPath string
	http      *http.Client
	jar       *sessionJar

	renewals singleflight.Group

	mu          sync.Mutex
	generation  uint64 // bumped on every login and successful renewal
	renewFailed bool
	failedGen   uint64
	tornDown    bool
	onTeardown  []func()
}

// Opts holds parameters for creating a Client.
type Opts struct {
	BaseURL    string        // e.g. http://localhost:8000/api/v1
	RenewPath  string        // defaults to DefaultRenewPath
	CookieFile string        // optional; persists the session cookies between runs
	Timeout    time.Duration // defaults to DefaultTimeout
	Transport  http.RoundTripper
}

// New creates a Client.
func New(opts Opts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("transport: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("transport: invalid base url %q", opts.BaseURL)
	}
	renewPath := opts.RenewPath
	if renewPath == "" {
		renewPath = DefaultRenewPath
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	jar, err := newSessionJar(base, base.String()+renewPath, opts.CookieFile)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return &Client{
		baseURL:   base.String(),
		renewPath: renewPath,
		http: &http.Client{
			Timeout:   timeout,
			Jar:       jar,
			Transport: opts.Transport,
		},
		jar: jar,
	}, nil
}

// Jar exposes the cookie jar so the live channel handshake carries the same
// implicit credentials. Callers must not read cookie values from it.
func (c *Client) Jar() http.CookieJar {
	return c.jar
}

// OnTeardown registers a hook fired when the session becomes unrecoverable
// or the user signs out. Hooks fire at most once per signed-in session.
func (c *Client) OnTeardown(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTeardown = append(c.onTeardown, fn)
}

// Generation returns the credential generation. It changes whenever the
// session cookies are replaced.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// TornDown reports whether the session has been torn down.
func (c *Client) TornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tornDown
}

// Call issues method on endpoint (relative to the base URL) with body
// encoded as JSON. On 401 it shares a single renewal with every other call
// that noticed the expiry and retries exactly once.
func (c *Client) Call(ctx context.Context, method, endpoint string, body any) (*Payload, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", method, endpoint, err)
	}

	gen := c.Generation()
	resp, err := c.send(ctx, method, endpoint, data)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusUnauthorized {
		return finish(resp)
	}

	if err := c.renewSince(ctx, gen); err != nil {
		log.Printf("transport: renew after %s %s: %v", method, endpoint, err)
		c.teardown()
		return nil, ErrUnauthenticated
	}

	resp, err = c.send(ctx, method, endpoint, data)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusUnauthorized {
		c.teardown()
		return nil, ErrUnauthenticated
	}
	return finish(resp)
}

// Do is Call followed by decoding the reply into out. A nil out or an empty
// reply skips decoding.
func (c *Client) Do(ctx context.Context, method, endpoint string, in, out any) error {
	p, err := c.Call(ctx, method, endpoint, in)
	if err != nil {
		return err
	}
	if out == nil || p.Empty() {
		return nil
	}
	return p.Decode(out)
}

// Renew runs (or joins) the shared credential renewal. The live channel uses
// it when its handshake is rejected. A failed renewal tears the session down.
func (c *Client) Renew(ctx context.Context) error {
	if err := c.renewSince(ctx, c.Generation()); err != nil {
		log.Printf("transport: renew: %v", err)
		c.teardown()
		return ErrUnauthenticated
	}
	return nil
}

// renewSince renews the credentials a call sent at generation gen was
// rejected with. If a renewal already completed after gen, there is nothing
// to do; if one is in flight, the caller waits for it and shares its result.
func (c *Client) renewSince(ctx context.Context, gen uint64) error {
	if settled, err := c.renewSettled(gen); settled {
		return err
	}
	_, err, _ := c.renewals.Do("renew", func() (any, error) {
		// A flight that finished between the check above and Do must not
		// be repeated.
		if settled, err := c.renewSettled(gen); settled {
			return nil, err
		}
		// One caller's cancellation must not fail everyone sharing the renewal.
		return nil, c.renew(context.WithoutCancel(ctx))
	})
	return err
}

// renewSettled reports whether the outcome for credentials of generation gen
// is already known: renewed since, or beyond renewal.
func (c *Client) renewSettled(gen uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.generation > gen:
		return true, nil
	case c.tornDown, c.renewFailed && c.failedGen >= gen:
		return true, ErrUnauthenticated
	}
	return false, nil
}

// renew calls the renewal endpoint with no body, relying on the ambient
// refresh cookie.
func (c *Client) renew(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodPost, c.renewPath, nil)
	if err == nil && (resp.status < 200 || resp.status >= 300) {
		err = newRequestError(resp.status, resp.body)
	}

	c.mu.Lock()
	if err != nil {
		c.renewFailed = true
		c.failedGen = c.generation
		c.mu.Unlock()
		return err
	}
	c.generation++
	c.mu.Unlock()

	c.jar.save()
	return nil
}

// teardown clears the credentials and fires the teardown hooks, once.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	hooks := make([]func(), len(c.onTeardown))
	copy(hooks, c.onTeardown)
	c.mu.Unlock()

	c.jar.reset()
	for _, h := range hooks {
		h()
	}
}

// rawResponse is a fully-read HTTP response.
type rawResponse struct {
	status int
	body   []byte
}

func (c *Client) send(ctx context.Context, method, endpoint string, body []byte) (*rawResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Status: resp.StatusCode, Message: "read response: " + err.Error(), Err: err}
	}
	return &rawResponse{status: resp.StatusCode, body: data}, nil
}

func finish(resp *rawResponse) (*Payload, error) {
	if resp.status < 200 || resp.status >= 300 {
		return nil, newRequestError(resp.status, resp.body)
	}
	if resp.status == http.StatusNoContent {
		return &Payload{Status: resp.status}, nil
	}
	return &Payload{Status: resp.status, Body: resp.body}, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return data, nil
}
