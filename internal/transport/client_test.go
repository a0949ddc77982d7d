package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAPI is a minimal cookie-authenticated backend.
type fakeAPI struct {
	mu        sync.Mutex
	valid     string // access token accepted by protected endpoints
	issued    int
	renewOK   bool
	rejectAll bool

	renewals   atomic.Int32
	rejections atomic.Int32
	waitFor    atomic.Int32 // refresh holds until this many rejections were served
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{renewOK: true}
	srv := httptest.NewServer(api.routes())
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) issue(w http.ResponseWriter) {
	a.mu.Lock()
	a.issued++
	a.valid = fmt.Sprintf("tok-%d", a.issued)
	tok := a.valid
	a.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "access_token", Value: tok, Path: "/", HttpOnly: true})
}

// expire invalidates the current access token.
func (a *fakeAPI) expire() {
	a.mu.Lock()
	a.valid = "expired"
	a.mu.Unlock()
}

func (a *fakeAPI) authorized(r *http.Request) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejectAll {
		return false
	}
	c, err := r.Cookie("access_token")
	return err == nil && c.Value == a.valid
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *fakeAPI) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "pw" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid email or password"})
			return
		}
		a.issue(w)
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "r-1", Path: "/api/v1/auth/refresh", HttpOnly: true})
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{"id": "u1", "email": req.Email, "is_active": true}})
	})
	mux.HandleFunc("POST /api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		a.renewals.Add(1)
		deadline := time.Now().Add(2 * time.Second)
		for a.rejections.Load() < a.waitFor.Load() && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		a.mu.Lock()
		ok := a.renewOK
		a.mu.Unlock()
		if _, err := r.Cookie("refresh_token"); err != nil || !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid refresh token"})
			return
		}
		a.issue(w)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Token refreshed"})
	})
	mux.HandleFunc("POST /api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "access_token", Path: "/", MaxAge: -1})
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
	})
	mux.HandleFunc("GET /api/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			a.rejections.Add(1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "u1", "email": "ana@example.com", "role": "analyst"})
	})
	mux.HandleFunc("GET /api/v1/data", func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			a.rejections.Add(1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"value": 42})
	})
	mux.HandleFunc("DELETE /api/v1/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/broken", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom", "error_code": "E_BOOM"})
	})
	mux.HandleFunc("POST /api/v1/invalid", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": "field required"}, {"msg": "too long"}},
		})
	})
	mux.HandleFunc("GET /api/v1/teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return mux
}

func newTestClient(t *testing.T, srv *httptest.Server, cookieFile string) *Client {
	t.Helper()
	c, err := New(Opts{BaseURL: srv.URL + "/api/v1/", CookieFile: cookieFile, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func loggedIn(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := newTestClient(t, srv, "")
	if _, err := c.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error for missing base url")
	}
	if _, err := New(Opts{BaseURL: "not a url"}); err == nil {
		t.Fatal("expected error for base url without host")
	}
}

func TestDo_DecodesBody(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := loggedIn(t, srv)

	var out struct {
		Value int `json:"value"`
	}
	if err := c.Do(context.Background(), http.MethodGet, "/data", nil, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.Value != 42 {
		t.Errorf("Value = %d, want 42", out.Value)
	}
}

func TestCall_NoContentIsEmptySuccess(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := loggedIn(t, srv)

	p, err := c.Call(context.Background(), http.MethodDelete, "/data", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !p.Empty() {
		t.Errorf("Empty() = false, want true for 204")
	}
	if err := p.Decode(&struct{}{}); err == nil {
		t.Error("Decode of empty payload should fail")
	}
}

func TestCall_RequestErrors(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := loggedIn(t, srv)

	tests := []struct {
		name     string
		method   string
		endpoint string
		status   int
		message  string
		code     string
	}{
		{"detail string", http.MethodGet, "/broken", 500, "boom", "E_BOOM"},
		{"validation list", http.MethodPost, "/invalid", 422, "field required; too long", ""},
		{"no body", http.MethodGet, "/teapot", 418, "HTTP 418 I'm a teapot", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(context.Background(), tt.method, tt.endpoint, map[string]string{"a": "b"})
			var re *RequestError
			if !errors.As(err, &re) {
				t.Fatalf("err = %v, want *RequestError", err)
			}
			if re.Status != tt.status {
				t.Errorf("Status = %d, want %d", re.Status, tt.status)
			}
			if re.Message != tt.message {
				t.Errorf("Message = %q, want %q", re.Message, tt.message)
			}
			if re.Code != tt.code {
				t.Errorf("Code = %q, want %q", re.Code, tt.code)
			}
		})
	}
}

func TestCall_NetworkError(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := newTestClient(t, srv, "")
	srv.Close()

	_, err := c.Call(context.Background(), http.MethodGet, "/data", nil)
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RequestError", err)
	}
	if re.Status != 0 {
		t.Errorf("Status = %d, want 0 for a network failure", re.Status)
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Error("network failure must not read as unauthenticated")
	}
}

func TestCall_RenewsAndRetries(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := loggedIn(t, srv)
	api.expire()

	var out struct {
		Value int `json:"value"`
	}
	if err := c.Do(context.Background(), http.MethodGet, "/data", nil, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.Value != 42 {
		t.Errorf("Value = %d, want 42", out.Value)
	}
	if n := api.renewals.Load(); n != 1 {
		t.Errorf("renewals = %d, want 1", n)
	}
	if c.Generation() != 2 {
		t.Errorf("Generation = %d, want 2 after login and one renewal", c.Generation())
	}
}

func TestCall_ConcurrentExpiryRenewsOnce(t *testing.T) {
	const n = 8
	api, srv := newFakeAPI(t)
	c := loggedIn(t, srv)
	api.expire()
	api.waitFor.Store(n)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Call(context.Background(), http.MethodGet, "/data", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
	if got := api.renewals.Load(); got != 1 {
		t.Errorf("renewals = %d, want exactly 1", got)
	}
	if got := api.rejections.Load(); got != n {
		t.Errorf("rejections = %d, want %d", got, n)
	}
}

func TestCall_RenewalFailureTearsDownOnce(t *testing.T) {
	const n = 6
	api, srv := newFakeAPI(t)
	cookieFile := filepath.Join(t.TempDir(), "cookies.json")
	c := newTestClient(t, srv, cookieFile)
	if _, err := c.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	var teardowns atomic.Int32
	c.OnTeardown(func() { teardowns.Add(1) })

	api.expire()
	api.mu.Lock()
	api.renewOK = false
	api.mu.Unlock()
	api.waitFor.Store(n)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Call(context.Background(), http.MethodGet, "/data", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("call %d: err = %v, want ErrUnauthenticated", i, err)
		}
	}
	if got := api.renewals.Load(); got != 1 {
		t.Errorf("renewals = %d, want 1", got)
	}
	if got := teardowns.Load(); got != 1 {
		t.Errorf("teardowns = %d, want 1", got)
	}
	if !c.TornDown() {
		t.Error("TornDown() = false after failed renewal")
	}
	if _, err := os.Stat(cookieFile); !os.IsNotExist(err) {
		t.Errorf("cookie file should be removed on teardown, stat err = %v", err)
	}

	// Later calls fail fast without another renewal.
	if _, err := c.Call(context.Background(), http.MethodGet, "/data", nil); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
	if got := api.renewals.Load(); got != 1 {
		t.Errorf("renewals after teardown = %d, want 1", got)
	}
	if got := teardowns.Load(); got != 1 {
		t.Errorf("teardowns after repeat = %d, want 1", got)
	}
}

func TestCall_RetryRejectedTearsDown(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := loggedIn(t, srv)
	var teardowns atomic.Int32
	c.OnTeardown(func() { teardowns.Add(1) })

	api.mu.Lock()
	api.rejectAll = true
	api.mu.Unlock()

	_, err := c.Call(context.Background(), http.MethodGet, "/data", nil)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if got := api.renewals.Load(); got != 1 {
		t.Errorf("renewals = %d, want 1", got)
	}
	if got := api.rejections.Load(); got != 2 {
		t.Errorf("rejections = %d, want 2 (original and retry)", got)
	}
	if got := teardowns.Load(); got != 1 {
		t.Errorf("teardowns = %d, want 1", got)
	}
}

func TestRenew_SharedWithCalls(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := loggedIn(t, srv)
	api.expire()

	if err := c.Renew(context.Background()); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if _, err := c.Call(context.Background(), http.MethodGet, "/data", nil); err != nil {
		t.Fatalf("Call after Renew: %v", err)
	}
	if got := api.renewals.Load(); got != 1 {
		t.Errorf("renewals = %d, want 1", got)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newTestClient(t, srv, "")
	var teardowns atomic.Int32
	c.OnTeardown(func() { teardowns.Add(1) })

	_, err := c.Login(context.Background(), "ana@example.com", "wrong")
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RequestError", err)
	}
	if re.Status != http.StatusUnauthorized || re.Message != "Invalid email or password" {
		t.Errorf("RequestError = %+v", re)
	}
	if got := api.renewals.Load(); got != 0 {
		t.Errorf("renewals = %d, want 0 for a login failure", got)
	}
	if got := teardowns.Load(); got != 0 {
		t.Errorf("teardowns = %d, want 0", got)
	}
}

func TestLogin_RearmsTeardown(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := loggedIn(t, srv)
	var teardowns atomic.Int32
	c.OnTeardown(func() { teardowns.Add(1) })

	api.mu.Lock()
	api.renewOK = false
	api.mu.Unlock()
	api.expire()
	if _, err := c.Call(context.Background(), http.MethodGet, "/data", nil); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}

	u, err := c.Login(context.Background(), "ana@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.Email != "ana@example.com" {
		t.Errorf("Email = %q", u.Email)
	}
	if c.TornDown() {
		t.Error("TornDown() = true after login")
	}
	if _, err := c.Call(context.Background(), http.MethodGet, "/data", nil); err != nil {
		t.Fatalf("Call after re-login: %v", err)
	}

	api.expire()
	if _, err := c.Call(context.Background(), http.MethodGet, "/data", nil); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if got := teardowns.Load(); got != 2 {
		t.Errorf("teardowns = %d, want one per signed-in session", got)
	}
}

func TestCookieFile_PersistsSession(t *testing.T) {
	_, srv := newFakeAPI(t)
	cookieFile := filepath.Join(t.TempDir(), "dm", "cookies.json")

	first := newTestClient(t, srv, cookieFile)
	if _, err := first.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	data, err := os.ReadFile(cookieFile)
	if err != nil {
		t.Fatalf("read cookie file: %v", err)
	}
	if !strings.Contains(string(data), "access_token") || !strings.Contains(string(data), "refresh_token") {
		t.Errorf("cookie file = %s, want both session cookies", data)
	}
	info, err := os.Stat(cookieFile)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("cookie file mode = %v, want 0600", info.Mode().Perm())
	}

	second := newTestClient(t, srv, cookieFile)
	u, err := second.Me(context.Background())
	if err != nil {
		t.Fatalf("Me with restored cookies: %v", err)
	}
	if u.Role != "analyst" {
		t.Errorf("Role = %q, want analyst", u.Role)
	}

	if err := second.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := os.Stat(cookieFile); !os.IsNotExist(err) {
		t.Errorf("cookie file should be removed after logout, stat err = %v", err)
	}
}

func TestLogout_FiresTeardown(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := loggedIn(t, srv)
	fired := 0
	c.OnTeardown(func() { fired++ })

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if fired != 1 {
		t.Errorf("teardown fired %d times, want 1", fired)
	}
	if len(c.Jar().Cookies(mustURL(t, srv.URL+"/api/v1/data"))) != 0 {
		t.Error("jar should be empty after logout")
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}
