package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RowanDark/Seidr/internal/config"
	"github.com/RowanDark/Seidr/internal/gate"
	"github.com/RowanDark/Seidr/internal/scripts"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(scriptsDir string) config.Config {
	cfg := config.Default()
	cfg.Proxy.BindAddress = "127.0.0.1"
	cfg.Proxy.Port = 0
	cfg.Scripts.Directory = scriptsDir
	return cfg
}

func writeScript(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
}

func loadStore(t *testing.T, dir string) *scripts.Store {
	t.Helper()
	store, err := scripts.NewStore(dir, newTestLogger(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Load(); err != nil {
		t.Fatalf("load scripts: %v", err)
	}
	return store
}

// startProxy runs the proxy until test cleanup and returns a client routed
// through it.
func startProxy(t *testing.T, cfg Config) (*Proxy, *http.Client) {
	t.Helper()
	proxy, err := New(cfg)
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- proxy.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("proxy exited with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("timeout waiting for proxy shutdown")
		}
	})

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readyCancel()
	if err := proxy.WaitUntilReady(readyCtx); err != nil {
		t.Fatalf("proxy not ready: %v", err)
	}

	proxyURL, err := url.Parse("http://" + proxy.Addr())
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	return proxy, client
}

func TestProxyInjectsRequestHeaders(t *testing.T) {
	t.Parallel()

	received := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	writeScript(t, dir, "debug.json", `{"name":"debug","inject_type":"Header","target_domains":["*"],"headers":{"X-Debug":"true","X-Proxy":"seidr"},"enabled":true}`)

	historyPath := filepath.Join(t.TempDir(), "history.jsonl")
	_, client := startProxy(t, Config{
		Settings:    testSettings(dir),
		Store:       loadStore(t, dir),
		Logger:      newTestLogger(),
		HistoryPath: historyPath,
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request via proxy: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	header := <-received
	if header.Get("X-Debug") != "true" || header.Get("X-Proxy") != "seidr" {
		t.Fatalf("upstream did not see injected headers: %v", header)
	}
}

func TestProxyResponseHTMLInjection(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head></head><body></body></html>"))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	writeScript(t, dir, "10-style.json", `{"name":"style","inject_type":"CSS","target_domains":["*"],"script_content":"body{color:red}","enabled":true}`)
	writeScript(t, dir, "20-alert.json", `{"name":"alert","inject_type":"JavaScript","target_domains":["*"],"script_content":"alert(1)","enabled":true}`)

	_, client := startProxy(t, Config{
		Settings: testSettings(dir),
		Store:    loadStore(t, dir),
		Logger:   newTestLogger(),
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request via proxy: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	want := "<html><head><style>body{color:red}</style></head><body><script>alert(1)</script></body></html>"
	if string(body) != want {
		t.Fatalf("body = %q\nwant %q", body, want)
	}
	if got := resp.ContentLength; got != int64(len(want)) {
		t.Fatalf("content length = %d, want %d", got, len(want))
	}
}

func TestProxyBlockedDomainDisablesAllScripts(t *testing.T) {
	t.Parallel()

	received := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	writeScript(t, dir, "all.json", `{"name":"all","inject_type":"Header","target_domains":["*"],"headers":{"X-Everywhere":"1"},"enabled":true}`)

	settings := testSettings(dir)
	settings.Scripts.BlockedDomains = []string{"127.0.0.1"}

	_, client := startProxy(t, Config{
		Settings: settings,
		Store:    loadStore(t, dir),
		Logger:   newTestLogger(),
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request via proxy: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	header := <-received
	if header.Get("X-Everywhere") != "" {
		t.Fatal("script ran for a blocked domain")
	}
}

func TestProxyLoadOrderHeaderPrecedence(t *testing.T) {
	t.Parallel()

	received := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	writeScript(t, dir, "10-first.json", `{"name":"first","inject_type":"Header","target_domains":["*"],"headers":{"X-Tag":"alpha"},"enabled":true}`)
	writeScript(t, dir, "20-second.json", `{"name":"second","inject_type":"Header","target_domains":["*"],"headers":{"X-Tag":"beta"},"enabled":true}`)

	_, client := startProxy(t, Config{
		Settings: testSettings(dir),
		Store:    loadStore(t, dir),
		Logger:   newTestLogger(),
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request via proxy: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if got := (<-received).Get("X-Tag"); got != "beta" {
		t.Fatalf("X-Tag = %q, later-loaded script should win", got)
	}
}

func TestProxyDisabledScriptIsNoOp(t *testing.T) {
	t.Parallel()

	received := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	writeScript(t, dir, "off.json", `{"name":"off","inject_type":"Header","target_domains":["*"],"headers":{"X-Off":"1"},"enabled":false}`)

	_, client := startProxy(t, Config{
		Settings: testSettings(dir),
		Store:    loadStore(t, dir),
		Logger:   newTestLogger(),
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request via proxy: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if got := (<-received).Get("X-Off"); got != "" {
		t.Fatal("disabled script modified the request")
	}
}

func TestProxyRateLimitDeniesWith429(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	settings := testSettings(dir)
	settings.Security.RateLimit = 3

	_, client := startProxy(t, Config{
		Settings: settings,
		Store:    loadStore(t, dir),
		Logger:   newTestLogger(),
		Gate:     gate.New(settings.Security, gate.WithClock(clock)),
	})

	for i := 1; i <= 3; i++ {
		resp, err := client.Get(upstream.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		_, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("4th request: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("4th request status = %d, want 429", resp.StatusCode)
	}
}

func TestProxyAuthTokenRequired(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	settings := testSettings(dir)
	settings.Security.RequireAuth = true
	settings.Security.AuthToken = "seidr-secret"

	proxy, client := startProxy(t, Config{
		Settings: settings,
		Store:    loadStore(t, dir),
		Logger:   newTestLogger(),
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("unauthenticated request: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unauthenticated status = %d, want 403", resp.StatusCode)
	}

	proxyURL, _ := url.Parse("http://" + proxy.Addr())
	authed := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	req, _ := http.NewRequest(http.MethodGet, upstream.URL, nil)
	req.Header.Set("X-Seidr-Token", "seidr-secret")
	resp, err = authed.Do(req)
	if err != nil {
		t.Fatalf("authenticated request: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestProxyUpstreamTimeoutAnswers504(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	settings := testSettings(dir)
	settings.Proxy.UpstreamTimeout = 1

	_, client := startProxy(t, Config{
		Settings: settings,
		Store:    loadStore(t, dir),
		Logger:   newTestLogger(),
	})

	start := time.Now()
	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request via proxy: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Fatalf("timeout answer took %v, want <= 1.5s", elapsed)
	}
}

func TestProxyUnreachableUpstreamAnswers502(t *testing.T) {
	t.Parallel()

	// Reserve a port, then close it so nothing listens there.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	dir := t.TempDir()
	_, client := startProxy(t, Config{
		Settings: testSettings(dir),
		Store:    loadStore(t, dir),
		Logger:   newTestLogger(),
	})

	resp, err := client.Get(deadURL)
	if err != nil {
		t.Fatalf("request via proxy: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestProxyHistoryRecordsFlow(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	writeScript(t, dir, "tag.json", `{"name":"tag","inject_type":"Header","target_domains":["*"],"headers":{"X-Tag":"1"},"enabled":true}`)

	historyPath := filepath.Join(t.TempDir(), "history.jsonl")
	_, client := startProxy(t, Config{
		Settings:    testSettings(dir),
		Store:       loadStore(t, dir),
		Logger:      newTestLogger(),
		HistoryPath: historyPath,
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request via proxy: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	data, err := os.ReadFile(historyPath)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		t.Fatal("history file empty")
	}
	if !strings.Contains(line, `"matched_scripts":["tag"]`) {
		t.Fatalf("history missing matched script: %s", line)
	}
	if !strings.Contains(line, `"status_code":200`) {
		t.Fatalf("history missing status: %s", line)
	}
	if !strings.Contains(line, `"flow_id":`) {
		t.Fatalf("history missing flow id: %s", line)
	}
}

func TestProxyStreamsNonHTMLWithResponseHeaderScript(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("data,", 4096)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	writeScript(t, dir, "cors.json", `{"name":"cors","inject_type":"ResponseHeader","target_domains":["*"],"headers":{"Access-Control-Allow-Origin":"*"},"enabled":true}`)

	_, client := startProxy(t, Config{
		Settings: testSettings(dir),
		Store:    loadStore(t, dir),
		Logger:   newTestLogger(),
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request via proxy: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("response header script did not run on streamed flow")
	}
	if string(body) != payload {
		t.Fatalf("streamed body corrupted: %d bytes", len(body))
	}
}
