package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/testutil"
)

func testConfig(t *testing.T, target string) *config.Config {
	t.Helper()
	cfg := testutil.NewTestConfig(t)
	cfg.Upstream.Target = target
	return cfg
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestApp_EndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer backend.Close()

	cfg := testConfig(t, backend.URL)
	cfg.Metrics.AdminTokenRef = "env:ADMIN"
	app, err := NewApp(cfg, testutil.Secrets{"env:ADMIN": "admin-token"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer app.Close()

	proxyLn, metricsLn := listen(t), listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, proxyLn, metricsLn) }()

	resp, err := http.Get("http://" + proxyLn.Addr().String() + "/greet")
	if err != nil {
		t.Fatalf("proxy GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello /greet" || resp.Header.Get("X-Backend") != "yes" {
		t.Errorf("proxied response = %q, headers %v", body, resp.Header)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("access log middleware did not set X-Request-Id")
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+metricsLn.Addr().String()+"/api/requests", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("admin GET: %v", err)
	}
	var page struct {
		Total    int64 `json:"total"`
		Requests []struct {
			Path       string `json:"path"`
			StatusCode int    `json:"status_code"`
			Outcome    string `json:"outcome"`
		} `json:"requests"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if page.Total != 1 || page.Requests[0].Path != "/greet" || page.Requests[0].Outcome != "success" {
		t.Errorf("journal page = %+v", page)
	}

	resp, err = http.Get("http://" + metricsLn.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("metrics GET: %v", err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(metricsBody), `hookproxy_requests_total{code="200",method="GET",outcome="success"} 1`) {
		t.Error("metrics exposition missing the proxied request")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestNewApp_WithoutJournalOrMetrics(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Journal.Enabled = false
	cfg.Metrics.Enabled = false

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer app.Close()

	if app.store != nil || app.metrics != nil {
		t.Error("store and metrics server should be disabled")
	}
	for _, mw := range app.Chain().Middlewares() {
		if mw.Name() == "journal" || mw.Name() == "metrics" {
			t.Errorf("unexpected middleware %q in chain", mw.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.Server.DataDir, dbFilename)); !os.IsNotExist(err) {
		t.Error("database should not be created with the journal disabled")
	}
}

func TestNewApp_Errors(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Metrics.AdminTokenRef = "env:MISSING"
	if _, err := NewApp(cfg, nil); err == nil {
		t.Error("expected error for admin token without resolver")
	}
	if _, err := NewApp(cfg, testutil.Secrets{}); err == nil {
		t.Error("expected error for unresolvable admin token")
	}

	cfg = testConfig(t, "")
	cfg.Auth.Enabled = true
	if _, err := NewApp(cfg, testutil.Secrets{}); err == nil {
		t.Error("expected error for unresolvable auth secret")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestProxyMode(t *testing.T) {
	cfg := config.DefaultConfig()
	if proxyMode(cfg) != "forward" {
		t.Error("empty target should be forward mode")
	}
	cfg.Upstream.Target = "http://backend:8080"
	if proxyMode(cfg) != "reverse" {
		t.Error("target should select reverse mode")
	}
}

func TestRenderUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), unitName)
	err := renderUnit(path, unitData{
		ProgramPath: "/usr/local/bin/hookproxy",
		ConfigPath:  "/etc/hookproxy.toml",
		WorkingDir:  "/var/lib/hookproxy",
	})
	if err != nil {
		t.Fatalf("renderUnit: %v", err)
	}
	data, _ := os.ReadFile(path)
	unit := string(data)

	for _, want := range []string{
		"ExecStart=/usr/local/bin/hookproxy start --foreground --config /etc/hookproxy.toml\n",
		"WorkingDirectory=/var/lib/hookproxy\n",
		"WantedBy=default.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
}

func TestSetupLogger_WritesFile(t *testing.T) {
	dir := t.TempDir()
	closeLog, err := setupLogger(dir, "info", false)
	if err != nil {
		t.Fatalf("setupLogger: %v", err)
	}
	defer closeLog()

	if _, err := os.Stat(filepath.Join(dir, logFilename)); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}
