package main

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/zulandar/datamind/internal/devserver"
)

// setupCLI starts a development API and writes a config pointing at it.
func setupCLI(t *testing.T) (string, *devserver.Server) {
	t.Helper()
	dev := devserver.New(devserver.StartOpts{})
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`
api_url: %s/api/v1
cookie_file: %s
store:
  driver: sqlite
  dsn: %s
chat:
  heartbeat_sec: -1
`, srv.URL, filepath.Join(dir, "cookies.json"), filepath.Join(dir, "session.db"))
	path := filepath.Join(dir, "datamind.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dev
}

// runCLI executes one dm command against the config at configPath.
func runCLI(t *testing.T, configPath, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--config", configPath))
	err := cmd.Execute()
	return buf.String(), err
}

func mustRun(t *testing.T, configPath, stdin string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, configPath, stdin, args...)
	if err != nil {
		t.Fatalf("dm %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func loginCLI(t *testing.T, configPath string) {
	t.Helper()
	out := mustRun(t, configPath, "", "login", "--email", devserver.DefaultEmail, "--password", devserver.DefaultPassword)
	if !strings.Contains(out, "Signed in as") {
		t.Fatalf("login output = %q", out)
	}
}

func TestCLI_LoginStatusLogout(t *testing.T) {
	cfg, dev := setupCLI(t)

	if out := mustRun(t, cfg, "", "status"); !strings.Contains(out, "Not signed in") {
		t.Errorf("status before login = %q", out)
	}

	loginCLI(t, cfg)
	out := mustRun(t, cfg, "", "status")
	if !strings.Contains(out, devserver.DefaultEmail) {
		t.Errorf("status after login = %q", out)
	}

	if out := mustRun(t, cfg, "", "logout"); !strings.Contains(out, "Signed out") {
		t.Errorf("logout = %q", out)
	}
	if dev.Count("logout") != 1 {
		t.Errorf("logout calls = %d, want 1", dev.Count("logout"))
	}
	if out := mustRun(t, cfg, "", "status"); !strings.Contains(out, "Not signed in") {
		t.Errorf("status after logout = %q", out)
	}
}

func TestCLI_LoginPasswordFromStdin(t *testing.T) {
	cfg, _ := setupCLI(t)
	out := mustRun(t, cfg, devserver.DefaultPassword+"\n", "login", "--email", devserver.DefaultEmail)
	if !strings.Contains(out, "Signed in as") {
		t.Errorf("login output = %q", out)
	}
}

func TestCLI_LoginWrongPassword(t *testing.T) {
	cfg, _ := setupCLI(t)
	_, err := runCLI(t, cfg, "", "login", "--email", devserver.DefaultEmail, "--password", "nope")
	if err == nil || !strings.Contains(err.Error(), "login failed") {
		t.Fatalf("login with wrong password = %v", err)
	}
	if out := mustRun(t, cfg, "", "status"); !strings.Contains(out, "Not signed in") {
		t.Errorf("status = %q", out)
	}
}

func TestCLI_ExpiredSessionIsCleared(t *testing.T) {
	cfg, dev := setupCLI(t)
	loginCLI(t, cfg)
	dev.RevokeAll()

	if out := mustRun(t, cfg, "", "status"); !strings.Contains(out, "expired") {
		t.Errorf("status with revoked session = %q", out)
	}
	if out := mustRun(t, cfg, "", "status"); !strings.Contains(out, "Not signed in") {
		t.Errorf("second status = %q", out)
	}
}

func TestCLI_CommandsRequireLogin(t *testing.T) {
	cfg, _ := setupCLI(t)
	for _, args := range [][]string{
		{"ask", "--offline", "-d", "ds", "hello"},
		{"dashboard", "list"},
		{"alerts", "list"},
		{"sources"},
	} {
		if _, err := runCLI(t, cfg, "", args...); err == nil || !strings.Contains(err.Error(), "not signed in") {
			t.Errorf("dm %s = %v, want not signed in", strings.Join(args, " "), err)
		}
	}
}

func TestCLI_AskOneShot(t *testing.T) {
	cfg, dev := setupCLI(t)
	loginCLI(t, cfg)

	out := mustRun(t, cfg, "", "ask", "--offline", "-d", "ds-warehouse", "revenue", "by", "region")
	for _, want := range []string{"EMEA leads", "SELECT region", "REGION", "1200000"} {
		if !strings.Contains(out, want) {
			t.Errorf("ask output missing %q:\n%s", want, out)
		}
	}
	if dev.Count("chat_http") != 1 {
		t.Errorf("chat_http = %d, want 1", dev.Count("chat_http"))
	}

	// The data source is remembered.
	if out := mustRun(t, cfg, "", "status"); !strings.Contains(out, "Data source: ds-warehouse") {
		t.Errorf("status = %q", out)
	}
}

func TestCLI_AskStreamsOverLiveChannel(t *testing.T) {
	cfg, dev := setupCLI(t)
	loginCLI(t, cfg)

	out := mustRun(t, cfg, "", "ask", "-d", "ds-warehouse", "revenue by region")
	if !strings.Contains(out, "EMEA leads") {
		t.Errorf("ask output = %q", out)
	}
	if dev.Count("chat_ws")+dev.Count("chat_http") != 1 {
		t.Errorf("chat_ws = %d, chat_http = %d", dev.Count("chat_ws"), dev.Count("chat_http"))
	}
}

func TestCLI_AskFailureIsShown(t *testing.T) {
	cfg, _ := setupCLI(t)
	loginCLI(t, cfg)
	out := mustRun(t, cfg, "", "ask", "--offline", "-d", "ds", "error: warehouse timeout")
	if !strings.Contains(out, "! ") || !strings.Contains(out, "warehouse timeout") {
		t.Errorf("ask output = %q", out)
	}
}

func TestCLI_AskInteractive(t *testing.T) {
	cfg, _ := setupCLI(t)
	loginCLI(t, cfg)

	script := strings.Join([]string{
		"/sources",
		"/source missing",
		"/source crm",
		"top accounts",
		"/history",
		"/bogus",
		"/quit",
		"never asked",
	}, "\n")
	out := mustRun(t, cfg, script, "ask", "--offline", "-d", "ds-warehouse")
	for _, want := range []string{"Warehouse", "unknown data source missing", "Data source: CRM (ds-crm)", "EMEA leads", "TITLE", "unknown command /bogus"} {
		if !strings.Contains(out, want) {
			t.Errorf("interactive output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "never asked") {
		t.Errorf("input after /quit was submitted:\n%s", out)
	}

	resumed := mustRun(t, cfg, "/quit\n", "ask", "--offline", "--resume")
	if !strings.Contains(resumed, "Resumed conversation") || !strings.Contains(resumed, "(2 messages)") {
		t.Errorf("resume output = %q", resumed)
	}
}

func TestCLI_Sources(t *testing.T) {
	cfg, dev := setupCLI(t)
	loginCLI(t, cfg)

	// Without a selection ask points at the lister.
	if _, err := runCLI(t, cfg, "", "ask", "--offline", "hello"); err == nil || !strings.Contains(err.Error(), "dm sources use") {
		t.Fatalf("ask without source = %v", err)
	}

	list := mustRun(t, cfg, "", "sources")
	for _, want := range []string{"NAME", "ds-warehouse", "Warehouse", "postgresql", "ds-crm"} {
		if !strings.Contains(list, want) {
			t.Errorf("sources output missing %q:\n%s", want, list)
		}
	}

	if out := mustRun(t, cfg, "", "sources", "use", "Warehouse"); !strings.Contains(out, "Data source: Warehouse (ds-warehouse)") {
		t.Errorf("sources use = %q", out)
	}
	if _, err := runCLI(t, cfg, "", "sources", "use", "nope"); err == nil || !strings.Contains(err.Error(), "unknown data source") {
		t.Errorf("sources use nope = %v", err)
	}
	if out := mustRun(t, cfg, "", "sources"); !strings.Contains(out, "*  ds-warehouse") {
		t.Errorf("selected source not marked:\n%s", out)
	}

	if out := mustRun(t, cfg, "", "ask", "--offline", "revenue by region"); !strings.Contains(out, "EMEA leads") {
		t.Errorf("ask after selecting = %q", out)
	}
	if dev.Count("connections") != 4 {
		t.Errorf("connections = %d, want 4", dev.Count("connections"))
	}
}

var widgetLine = regexp.MustCompile(`\[([^\]]+)\] Revenue by region`)

func TestCLI_Dashboards(t *testing.T) {
	cfg, dev := setupCLI(t)
	loginCLI(t, cfg)

	list := mustRun(t, cfg, "", "dashboard", "list")
	if !strings.Contains(list, "Sales overview") || !strings.Contains(list, "Data freshness") {
		t.Fatalf("dashboard list = %q", list)
	}
	lines := strings.Split(strings.TrimSpace(list), "\n")
	dashID := strings.Fields(lines[1])[0]

	shown := mustRun(t, cfg, "", "dashboard", "watch", dashID, "--once")
	m := widgetLine.FindStringSubmatch(shown)
	if m == nil {
		t.Fatalf("watch --once output = %q", shown)
	}
	widgetID := m[1]
	if dev.Count("widget_refresh") != 3 {
		t.Errorf("widget_refresh = %d, want 3", dev.Count("widget_refresh"))
	}

	// The mounted dashboard is remembered.
	if out := mustRun(t, cfg, "", "dashboard", "watch", "--once"); !strings.Contains(out, "Sales overview") {
		t.Errorf("watch without id = %q", out)
	}

	if out := mustRun(t, cfg, "", "dashboard", "refresh", dashID, widgetID); !strings.Contains(out, "Refresh applied") {
		t.Errorf("refresh = %q", out)
	}

	moved := mustRun(t, cfg, "", "dashboard", "move", dashID, widgetID, "0,6,12,4")
	if !strings.Contains(moved, "to 0,6 12x4") {
		t.Errorf("move = %q", moved)
	}
	if dev.Count("layout_save") != 1 || dev.Count("position_save") != 1 {
		t.Errorf("layout_save = %d, position_save = %d", dev.Count("layout_save"), dev.Count("position_save"))
	}
	if out := mustRun(t, cfg, "", "dashboard", "move", dashID, widgetID, "0,6,12,4"); !strings.Contains(out, "already at") {
		t.Errorf("second move = %q", out)
	}

	if out := mustRun(t, cfg, "", "dashboard", "share", dashID); !strings.Contains(out, "now shared") {
		t.Errorf("share = %q", out)
	}
	if out := mustRun(t, cfg, "", "dashboard", "list"); !strings.Contains(out, "yes") {
		t.Errorf("list after share = %q", out)
	}
}

func TestCLI_Alerts(t *testing.T) {
	cfg, dev := setupCLI(t)
	loginCLI(t, cfg)

	list := mustRun(t, cfg, "", "alerts", "list")
	if !strings.Contains(list, "Daily signups") || !strings.Contains(list, "Warehouse load") {
		t.Fatalf("alerts list = %q", list)
	}

	v := 42.0
	id := dev.Trigger("Refund spike", "Refunds above threshold", &v)
	if out := mustRun(t, cfg, "", "alerts", "ack", id); !strings.Contains(out, "Marked 1") {
		t.Errorf("ack = %q", out)
	}
	if dev.Count("ack") != 1 {
		t.Errorf("ack calls = %d", dev.Count("ack"))
	}

	if _, err := runCLI(t, cfg, "", "alerts", "ack"); err == nil {
		t.Error("ack without ids should fail")
	}
	mustRun(t, cfg, "", "alerts", "ack", "--all")
	if out := mustRun(t, cfg, "", "alerts", "list"); !strings.Contains(out, "No unread notifications") {
		t.Errorf("alerts list after ack-all = %q", out)
	}
}
