package devserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/datamind/internal/chat"
	"github.com/zulandar/datamind/internal/dashboard"
	"github.com/zulandar/datamind/internal/notify"
	"github.com/zulandar/datamind/internal/transport"
)

func setupServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(StartOpts{})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

// signedIn returns a transport client logged in to srv.
func signedIn(t *testing.T, srv *httptest.Server) *transport.Client {
	t.Helper()
	c, err := transport.New(transport.Opts{BaseURL: srv.URL + "/api/v1"})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	if _, err := c.Login(context.Background(), DefaultEmail, DefaultPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return c
}

func TestLogin_RejectsBadPassword(t *testing.T) {
	_, srv := setupServer(t)
	body := `{"email":"demo@datamind.dev","password":"nope"}`
	resp, err := http.Post(srv.URL+"/api/v1/auth/login", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestProtectedEndpoints_RequireCookie(t *testing.T) {
	_, srv := setupServer(t)
	for _, path := range []string{"/api/v1/auth/me", "/api/v1/dashboards", "/api/v1/alerts/events/unread", "/ws"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestMe(t *testing.T) {
	_, srv := setupServer(t)
	c := signedIn(t, srv)
	u, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if u.Email != DefaultEmail || u.ID != demoUserID {
		t.Errorf("user = %+v", u)
	}
}

func TestExpiredAccess_RenewedOnceForConcurrentCalls(t *testing.T) {
	s, srv := setupServer(t)
	c := signedIn(t, srv)
	s.ExpireAccess()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Me(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Me after expiry: %v", err)
		}
	}
	if n := s.Count("refresh"); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
}

func TestRevokeAll_TearsDown(t *testing.T) {
	s, srv := setupServer(t)
	c := signedIn(t, srv)
	torn := 0
	c.OnTeardown(func() { torn++ })
	s.RevokeAll()

	if _, err := c.Me(context.Background()); !errors.Is(err, transport.ErrUnauthenticated) {
		t.Fatalf("Me = %v, want ErrUnauthenticated", err)
	}
	if torn != 1 {
		t.Errorf("teardowns = %d, want 1", torn)
	}
}

func TestRefresh_RotatesAndRevokes(t *testing.T) {
	s, srv := setupServer(t)
	c := signedIn(t, srv)
	if err := c.Renew(context.Background()); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if err := c.Renew(context.Background()); err != nil {
		t.Fatalf("second Renew: %v", err)
	}
	if n := s.Count("refresh"); n != 2 {
		t.Errorf("refreshes = %d, want 2", n)
	}
}

func TestConnections(t *testing.T) {
	s, srv := setupServer(t)
	c := signedIn(t, srv)
	list, err := chat.DataSources(context.Background(), c)
	if err != nil {
		t.Fatalf("DataSources: %v", err)
	}
	if len(list) != 2 || list[0].ID != "ds-warehouse" || list[1].Name != "CRM" {
		t.Errorf("sources = %+v", list)
	}
	if s.Count("connections") != 1 {
		t.Errorf("connections = %d, want 1", s.Count("connections"))
	}
}

func TestChatMessage_RequestResponse(t *testing.T) {
	s, srv := setupServer(t)
	c := signedIn(t, srv)
	ctx := context.Background()

	var resp chat.Response
	req := chat.Request{Message: "revenue by region", DataSourceID: "ds-warehouse"}
	if err := c.Do(ctx, http.MethodPost, "/chat/message", req, &resp); err != nil {
		t.Fatalf("chat message: %v", err)
	}
	if resp.ConversationID == "" || resp.MessageID == "" || resp.GeneratedQuery == "" {
		t.Errorf("response = %+v", resp)
	}
	if resp.ResultPreview == nil || resp.ResultPreview.RowCount != 3 {
		t.Errorf("preview = %+v", resp.ResultPreview)
	}

	// Continuing the conversation appends to it.
	req.ConversationID = resp.ConversationID
	req.Message = "and last year?"
	if err := c.Do(ctx, http.MethodPost, "/chat/message", req, &resp); err != nil {
		t.Fatalf("second message: %v", err)
	}

	var sessions struct {
		Data []chat.Summary `json:"data"`
	}
	c.Do(ctx, http.MethodGet, "/chat/sessions", nil, &sessions)
	if len(sessions.Data) != 1 || sessions.Data[0].Title != "revenue by region" {
		t.Fatalf("sessions = %+v", sessions.Data)
	}
	var history struct {
		Data []chat.HistoryMessage `json:"data"`
	}
	c.Do(ctx, http.MethodGet, "/chat/history/"+resp.ConversationID, nil, &history)
	if len(history.Data) != 4 {
		t.Errorf("history = %d messages, want 4", len(history.Data))
	}
	if s.Count("chat_http") != 2 {
		t.Errorf("chat_http = %d", s.Count("chat_http"))
	}
}

func TestChatMessage_Errors(t *testing.T) {
	_, srv := setupServer(t)
	c := signedIn(t, srv)
	ctx := context.Background()

	err := c.Do(ctx, http.MethodPost, "/chat/message", chat.Request{Message: "hi"}, nil)
	var re *transport.RequestError
	if !errors.As(err, &re) || re.Status != http.StatusUnprocessableEntity {
		t.Fatalf("missing data source = %v, want 422", err)
	}

	err = c.Do(ctx, http.MethodPost, "/chat/message", chat.Request{Message: "error: warehouse timeout", DataSourceID: "ds"}, nil)
	if !errors.As(err, &re) || re.Status != http.StatusInternalServerError || re.Message != "warehouse timeout" {
		t.Fatalf("engine failure = %v", err)
	}
	if re.Code != "QUERY_FAILED" {
		t.Errorf("code = %q", re.Code)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, c *transport.Client) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Jar: c.Jar()}
	conn, resp, err := d.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWS_StreamsThenResponds(t *testing.T) {
	_, srv := setupServer(t)
	c := signedIn(t, srv)
	conn := dialWS(t, srv, c)

	conn.WriteJSON(chat.Request{Type: chat.FrameChatMessage, Message: "revenue by region", DataSourceID: "ds-warehouse"})

	var types []string
	var streamed strings.Builder
	var final chat.Response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f struct {
			chat.Response
			Chunk string `json:"chunk"`
			Phase string `json:"phase"`
		}
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(types) == 0 || types[len(types)-1] != f.Type {
			types = append(types, f.Type)
		}
		if f.Type == chat.FrameStream && f.Phase == chat.PhaseAnalyzing {
			streamed.WriteString(f.Chunk)
		}
		if f.Type == chat.FrameChatResponse {
			final = f.Response
			break
		}
	}

	want := []string{chat.FrameStreamStart, chat.FrameStream, chat.FrameChatResponse}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("frame sequence = %v, want %v", types, want)
	}
	if streamed.String() != final.Content {
		t.Errorf("streamed %q, final %q", streamed.String(), final.Content)
	}

	// The request/response endpoint answers with the same content.
	var viaHTTP chat.Response
	c.Do(context.Background(), http.MethodPost, "/chat/message",
		chat.Request{Message: "revenue by region", DataSourceID: "ds-warehouse"}, &viaHTTP)
	if viaHTTP.Content != final.Content || viaHTTP.GeneratedQuery != final.GeneratedQuery {
		t.Errorf("http content %q differs from live %q", viaHTTP.Content, final.Content)
	}
}

func TestWS_PingAndErrors(t *testing.T) {
	_, srv := setupServer(t)
	c := signedIn(t, srv)
	conn := dialWS(t, srv, c)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	conn.WriteJSON(map[string]string{"type": "ping"})
	var pong map[string]string
	if err := conn.ReadJSON(&pong); err != nil || pong["type"] != "pong" {
		t.Fatalf("pong = %v, %v", pong, err)
	}

	conn.WriteJSON(chat.Request{Type: chat.FrameChatMessage, Message: "error: bad column", DataSourceID: "ds"})
	var ef chat.ErrorFrame
	if err := conn.ReadJSON(&ef); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ef.Type != chat.FrameError || ef.Content != "bad column" {
		t.Errorf("error frame = %+v", ef)
	}
}

func TestDashboards(t *testing.T) {
	s, srv := setupServer(t)
	c := signedIn(t, srv)
	api, _ := dashboard.NewAPI(c)
	ctx := context.Background()

	list, err := api.List(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("List = %d, %v", len(list), err)
	}
	d, err := api.Get(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(d.Widgets) != 3 || len(d.LayoutConfig) != 3 {
		t.Fatalf("widgets = %d, layout = %d", len(d.Widgets), len(d.LayoutConfig))
	}

	w, err := api.RefreshWidget(ctx, d.ID, d.Widgets[0].ID)
	if err != nil || w.Result == nil || w.LastRefreshedAt == nil {
		t.Fatalf("RefreshWidget = %+v, %v", w, err)
	}

	moved := dashboard.Position{X: 6, Y: 6, W: 4, H: 2}
	if err := api.SaveWidgetPosition(ctx, d.ID, d.Widgets[0].ID, moved); err != nil {
		t.Fatalf("SaveWidgetPosition: %v", err)
	}
	if err := api.SaveLayout(ctx, d.ID, dashboard.Layout(d.Widgets)); err != nil {
		t.Fatalf("SaveLayout: %v", err)
	}
	if err := api.SetShared(ctx, d.ID, true); err != nil {
		t.Fatalf("SetShared: %v", err)
	}
	d, _ = api.Get(ctx, d.ID)
	if d.Widgets[0].Position != moved || !d.IsShared {
		t.Errorf("after patches: %+v shared=%v", d.Widgets[0].Position, d.IsShared)
	}
	if s.Count("position_save") != 1 || s.Count("layout_save") != 1 || s.Count("share") != 1 {
		t.Errorf("counts: position %d layout %d share %d",
			s.Count("position_save"), s.Count("layout_save"), s.Count("share"))
	}

	// The freshness dashboard's widget always fails.
	ops, _ := api.Get(ctx, list[1].ID)
	w, err = api.RefreshWidget(ctx, ops.ID, ops.Widgets[0].ID)
	if err != nil || w.LastError == "" {
		t.Errorf("failing refresh = %+v, %v", w, err)
	}

	var re *transport.RequestError
	if _, err := api.Get(ctx, "missing"); !errors.As(err, &re) || re.Status != http.StatusNotFound {
		t.Errorf("Get missing = %v", err)
	}
}

func TestAlerts(t *testing.T) {
	s, srv := setupServer(t)
	c := signedIn(t, srv)
	p, err := notify.New(notify.Opts{API: c})
	if err != nil {
		t.Fatalf("notify.New: %v", err)
	}
	ctx := context.Background()

	if err := p.Poll(ctx); err != nil || p.Count() != 2 {
		t.Fatalf("Poll = %v, count %d", err, p.Count())
	}
	first := p.Unread()[0].ID
	p.Acknowledge(first)
	p.Wait()
	p.Poll(ctx)
	if p.Count() != 1 {
		t.Errorf("count after ack = %d, want 1", p.Count())
	}

	s.Trigger("Churn", "Churn above 5%", nil)
	p.Poll(ctx)
	if p.Count() != 2 {
		t.Errorf("count after trigger = %d, want 2", p.Count())
	}
	p.AcknowledgeAll()
	p.Wait()
	p.Poll(ctx)
	if p.Count() != 0 || s.Count("ack_all") != 1 {
		t.Errorf("count = %d, ack_all = %d", p.Count(), s.Count("ack_all"))
	}
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	var out bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Start(ctx, StartOpts{Port: port, Out: &out}) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/auth/me", port)
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	if !strings.Contains(out.String(), "dev server running") {
		t.Errorf("output = %q", out.String())
	}
}
