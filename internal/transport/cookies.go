package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// sessionJar is a resettable cookie jar that can persist the session
// cookies to a private file. Only the transport reads or writes it.
type sessionJar struct {
	root     *url.URL // scheme://host/ of the API
	renewURL *url.URL // where the refresh cookie is scoped
	path     string   // optional persistence file

	mu  sync.Mutex
	jar *cookiejar.Jar
}

// savedCookie is the persisted form of one cookie.
type savedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Path  string `json:"path"`
}

func newSessionJar(base *url.URL, renewURL, path string) (*sessionJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	ru, err := url.Parse(renewURL)
	if err != nil {
		return nil, fmt.Errorf("renew url: %w", err)
	}
	j := &sessionJar{
		root:     &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"},
		renewURL: ru,
		path:     path,
		jar:      jar,
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

// SetCookies implements http.CookieJar.
func (j *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar.SetCookies(u, cookies)
}

// Cookies implements http.CookieJar.
func (j *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jar.Cookies(u)
}

// reset drops every cookie and removes the persistence file.
func (j *sessionJar) reset() {
	fresh, _ := cookiejar.New(nil)
	j.mu.Lock()
	j.jar = fresh
	j.mu.Unlock()

	if j.path == "" {
		return
	}
	if err := os.Remove(j.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("transport: remove cookie file: %v", err)
	}
}

// save writes the current session cookies to the persistence file.
// Best-effort: errors are logged, not returned.
func (j *sessionJar) save() {
	if j.path == "" {
		return
	}
	j.mu.Lock()
	rootCookies := j.jar.Cookies(j.root)
	renewCookies := j.jar.Cookies(j.renewURL)
	j.mu.Unlock()

	seen := make(map[string]bool, len(rootCookies))
	var out []savedCookie
	for _, c := range rootCookies {
		seen[c.Name] = true
		out = append(out, savedCookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	for _, c := range renewCookies {
		if seen[c.Name] {
			continue
		}
		out = append(out, savedCookie{Name: c.Name, Value: c.Value, Path: j.renewURL.Path})
	}

	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("transport: encode cookie file: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		log.Printf("transport: create cookie dir: %v", err)
		return
	}
	if err := os.WriteFile(j.path, data, 0600); err != nil {
		log.Printf("transport: write cookie file: %v", err)
	}
}

// load restores cookies saved by a previous run. A missing file is not an
// error.
func (j *sessionJar) load() error {
	if j.path == "" {
		return nil
	}
	data, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cookie file: %w", err)
	}
	var saved []savedCookie
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("parse cookie file %s: %w", j.path, err)
	}
	for _, s := range saved {
		u := j.root
		if s.Path != "/" {
			u = j.renewURL
		}
		j.jar.SetCookies(u, []*http.Cookie{{Name: s.Name, Value: s.Value, Path: s.Path}})
	}
	return nil
}
