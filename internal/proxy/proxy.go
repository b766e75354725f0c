// Package proxy implements the Seidr forward proxy: per-connection
// orchestration of the security gate, script registry, injection pipeline,
// and upstream forwarding.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/RowanDark/Seidr/internal/config"
	"github.com/RowanDark/Seidr/internal/gate"
	"github.com/RowanDark/Seidr/internal/inject"
	"github.com/RowanDark/Seidr/internal/logging"
	"github.com/RowanDark/Seidr/internal/scripts"
)

// Config assembles the proxy's collaborators. Settings is the resolved
// application configuration; Store must already be loaded.
type Config struct {
	Settings    config.Config
	Store       *scripts.Store
	Logger      *slog.Logger
	Audit       *logging.AuditLogger
	HistoryPath string
	// Transport overrides the upstream round tripper, for tests.
	Transport http.RoundTripper
	// Gate overrides the default gate built from Settings.Security, for
	// tests needing a deterministic clock.
	Gate *gate.Gate
}

// Proxy intercepts HTTP traffic, applies injection scripts, and relays flows
// to their origin.
type Proxy struct {
	cfg        Config
	logger     *slog.Logger
	audit      *logging.AuditLogger
	server     *http.Server
	store      *scripts.Store
	gate       *gate.Gate
	pipeline   *inject.Pipeline
	upstream   *upstream
	history    *historyWriter
	bufferSize int
	ready      chan struct{}
	readyOnce  sync.Once
	addr       atomic.Value
	shutdownMu sync.Mutex
	closed     bool
}

// New creates a proxy using the provided configuration.
func New(cfg Config) (*Proxy, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if cfg.Store == nil {
		return nil, errors.New("script store is required")
	}

	var history *historyWriter
	if strings.TrimSpace(cfg.HistoryPath) != "" {
		var err error
		history, err = newHistoryWriter(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("initialise history writer: %w", err)
		}
	}

	g := cfg.Gate
	if g == nil {
		g = gate.New(cfg.Settings.Security, gate.WithAuditLogger(cfg.Audit))
	}

	timeout := time.Duration(cfg.Settings.Proxy.UpstreamTimeout) * time.Second
	p := &Proxy{
		cfg:        cfg,
		logger:     logger,
		audit:      cfg.Audit,
		store:      cfg.Store,
		gate:       g,
		pipeline:   inject.NewPipeline(cfg.Settings.Scripts, logger, cfg.Audit),
		upstream:   newUpstream(timeout, cfg.Transport),
		history:    history,
		bufferSize: cfg.Settings.Proxy.BufferSize,
		ready:      make(chan struct{}),
	}
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return p, nil
}

// Run starts the proxy server and blocks until the context is cancelled or
// the server stops. A bind failure is returned immediately.
func (p *Proxy) Run(ctx context.Context) error {
	inner, err := net.Listen("tcp", p.cfg.Settings.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.cfg.Settings.Addr(), err)
	}
	listener := newLimitListener(inner, p.cfg.Settings.Proxy.MaxConnections)
	p.addr.Store(listener.Addr().String())
	p.signalReady()
	p.logger.Info("seidr proxy listening",
		"address", listener.Addr().String(),
		"scripts", p.store.Dir(),
		"max_connections", p.cfg.Settings.Proxy.MaxConnections,
	)
	p.auditLifecycle("started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("proxy shutdown error", "error", err)
		}
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Shutdown gracefully stops the proxy server and flushes history.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.shutdownMu.Lock()
	if p.closed {
		p.shutdownMu.Unlock()
		return nil
	}
	p.closed = true
	p.shutdownMu.Unlock()

	p.auditLifecycle("stopping")
	if err := p.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if closer, ok := p.upstream.transport.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
	return p.history.Close()
}

// WaitUntilReady blocks until the proxy listener is active or the context is
// cancelled.
func (p *Proxy) WaitUntilReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ready:
		return nil
	}
}

func (p *Proxy) signalReady() {
	p.readyOnce.Do(func() {
		close(p.ready)
	})
}

// Addr returns the bound address for the running proxy.
func (p *Proxy) Addr() string {
	if v := p.addr.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (p *Proxy) auditLifecycle(state string) {
	if p.audit == nil {
		return
	}
	_ = p.audit.Emit(logging.AuditEvent{
		EventType: logging.EventProxyLifecycle,
		Decision:  logging.DecisionInfo,
		Metadata:  map[string]any{"state": state, "address": p.Addr()},
	})
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Method, http.MethodConnect) {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	flowID := uuid.NewString()
	ip := clientIP(r.RemoteAddr)

	targetURL := copyURL(r.URL)
	if targetURL.Scheme == "" {
		targetURL.Scheme = "http"
	}
	if targetURL.Host == "" {
		targetURL.Host = r.Host
	}
	if targetURL.Host == "" {
		http.Error(w, "malformed proxy request", http.StatusBadRequest)
		return
	}

	decision := p.gate.Authorize(ip, clientToken(r))
	if !decision.Allowed() {
		p.logger.Warn("client denied", "client_ip", ip, "reason", decision.Reason)
		http.Error(w, string(decision.Reason), decision.StatusCode())
		p.recordHistory(HistoryEntry{
			FlowID:     flowID,
			ClientIP:   ip,
			Method:     r.Method,
			URL:        targetURL.String(),
			StatusCode: decision.StatusCode(),
			Denied:     string(decision.Reason),
		}, start)
		return
	}

	host := scripts.StripPort(targetURL.Host)
	registry := p.store.Snapshot()

	var matched []*scripts.InjectionScript
	if scripts.DomainAllowed(p.cfg.Settings.Scripts.AllowedDomains, p.cfg.Settings.Scripts.BlockedDomains, host) {
		matched = registry.Match(host)
	}

	reqHeader := r.Header.Clone()
	sanitizeProxyHeaders(reqHeader)

	// The request body is buffered only when a matched script needs to see
	// or grow it; everything else streams straight through.
	var reqBody []byte
	var outBody io.Reader = r.Body
	outLength := r.ContentLength
	if needsRequestBuffer(matched) {
		var err error
		reqBody, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
	}
	matched = filterByConditions(matched, r.Method, targetURL.String(), reqBody)

	if len(matched) > 0 {
		reqBody = p.pipeline.ApplyRequest(r.Context(), reqHeader, reqBody, matched)
	}
	if reqBody != nil {
		outBody = bytes.NewReader(reqBody)
		outLength = int64(len(reqBody))
	}

	outboundReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), outBody)
	if err != nil {
		http.Error(w, "malformed proxy request", http.StatusBadRequest)
		return
	}
	outboundReq.Header = reqHeader
	outboundReq.Host = targetURL.Host
	outboundReq.ContentLength = outLength
	if outLength == 0 {
		outboundReq.Body = http.NoBody
	}

	resp, err := p.upstream.roundTrip(outboundReq)
	if err != nil {
		p.answerUpstreamFailure(w, flowID, ip, r.Method, targetURL.String(), err, start)
		return
	}
	defer resp.Body.Close()

	respHeader := resp.Header.Clone()
	responseSize := 0
	if inject.NeedsBuffering(respHeader.Get("Content-Type"), matched) {
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			p.answerUpstreamFailure(w, flowID, ip, r.Method, targetURL.String(), classifyUpstreamError(err), start)
			return
		}
		respBody = p.pipeline.ApplyResponse(r.Context(), respHeader, respBody, matched)
		respHeader.Del("Transfer-Encoding")
		respHeader.Set("Content-Length", strconv.Itoa(len(respBody)))
		copyHeaders(w.Header(), respHeader)
		w.WriteHeader(resp.StatusCode)
		if len(respBody) > 0 {
			if _, err := w.Write(respBody); err != nil {
				p.logger.Warn("failed to write response to client", "error", err)
			}
		}
		responseSize = len(respBody)
	} else {
		// Header-only scripts still run; the body streams through in
		// buffer-sized chunks.
		p.pipeline.ApplyResponse(r.Context(), respHeader, nil, headerOnly(matched))
		copyHeaders(w.Header(), respHeader)
		w.WriteHeader(resp.StatusCode)
		n, err := io.CopyBuffer(w, resp.Body, make([]byte, p.bufferSize))
		if err != nil {
			p.logger.Warn("response stream interrupted", "error", err)
		}
		responseSize = int(n)
	}

	p.recordHistory(HistoryEntry{
		FlowID:         flowID,
		ClientIP:       ip,
		Method:         r.Method,
		URL:            targetURL.String(),
		StatusCode:     resp.StatusCode,
		RequestSize:    len(reqBody),
		ResponseSize:   responseSize,
		MatchedScripts: scriptNames(matched),
	}, start)
}

// handleConnect tunnels HTTPS traffic opaquely. The gate still runs; no
// script ever sees a tunnelled byte.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	flowID := uuid.NewString()
	ip := clientIP(r.RemoteAddr)

	decision := p.gate.Authorize(ip, clientToken(r))
	if !decision.Allowed() {
		p.logger.Warn("client denied", "client_ip", ip, "reason", decision.Reason)
		http.Error(w, string(decision.Reason), decision.StatusCode())
		return
	}

	target := r.Host
	if !strings.Contains(target, ":") {
		target = net.JoinHostPort(target, "443")
	}

	upstreamConn, err := p.upstream.dial(r.Context(), target)
	if err != nil {
		p.answerUpstreamFailure(w, flowID, ip, r.Method, target, err, start)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = upstreamConn.Close()
		http.Error(w, "connect not supported", http.StatusInternalServerError)
		return
	}
	clientConn, rw, err := hijacker.Hijack()
	if err != nil {
		_ = upstreamConn.Close()
		http.Error(w, "failed to hijack connection", http.StatusInternalServerError)
		return
	}

	_, _ = rw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := rw.Flush(); err != nil {
		_ = upstreamConn.Close()
		_ = clientConn.Close()
		return
	}

	go func() {
		_, _ = io.Copy(upstreamConn, clientConn)
		_ = upstreamConn.Close()
	}()
	_, _ = io.Copy(clientConn, upstreamConn)
	_ = upstreamConn.Close()
	_ = clientConn.Close()

	p.recordHistory(HistoryEntry{
		FlowID:     flowID,
		ClientIP:   ip,
		Method:     r.Method,
		URL:        target,
		StatusCode: http.StatusOK,
	}, start)
}

func (p *Proxy) answerUpstreamFailure(w http.ResponseWriter, flowID, ip, method, target string, err error, start time.Time) {
	status := http.StatusBadGateway
	if errors.Is(err, ErrUpstreamTimeout) {
		status = http.StatusGatewayTimeout
	}
	p.logger.Warn("upstream failure", "target", target, "error", err)
	if p.audit != nil {
		_ = p.audit.Emit(logging.AuditEvent{
			EventType: logging.EventUpstreamFailure,
			Decision:  logging.DecisionDeny,
			Reason:    err.Error(),
			Metadata:  map[string]any{"target": target, "status": status},
		})
	}
	http.Error(w, http.StatusText(status), status)
	p.recordHistory(HistoryEntry{
		FlowID:     flowID,
		ClientIP:   ip,
		Method:     method,
		URL:        target,
		StatusCode: status,
	}, start)
}

func (p *Proxy) recordHistory(entry HistoryEntry, start time.Time) {
	if p.history == nil {
		return
	}
	entry.Timestamp = time.Now().UTC()
	entry.LatencyMillis = time.Since(start).Milliseconds()
	if err := p.history.Write(entry); err != nil {
		p.logger.Warn("failed to persist history", "error", err)
	}
}

// needsRequestBuffer reports whether any matched script must observe the full
// request body: Body injection appends to it, json_path conditions read it.
func needsRequestBuffer(matched []*scripts.InjectionScript) bool {
	for _, script := range matched {
		if script.InjectType == scripts.InjectBody {
			return true
		}
		if script.Match != nil && script.Match.JSONPath != "" {
			return true
		}
	}
	return false
}

func filterByConditions(matched []*scripts.InjectionScript, method, url string, body []byte) []*scripts.InjectionScript {
	var out []*scripts.InjectionScript
	for _, script := range matched {
		if script.Match != nil && !script.Match.Matches(method, url, body) {
			continue
		}
		out = append(out, script)
	}
	return out
}

// headerOnly narrows a matched set to scripts that never touch the body, for
// the streaming response path.
func headerOnly(matched []*scripts.InjectionScript) []*scripts.InjectionScript {
	var out []*scripts.InjectionScript
	for _, script := range matched {
		if script.InjectType == scripts.InjectResponseHeader {
			out = append(out, script)
		}
	}
	return out
}

func scriptNames(matched []*scripts.InjectionScript) []string {
	if len(matched) == 0 {
		return nil
	}
	names := make([]string, 0, len(matched))
	for _, script := range matched {
		names = append(names, script.Name)
	}
	return names
}

// clientToken extracts the auth token presented by the client, either as a
// Proxy-Authorization bearer credential or the X-Seidr-Token header.
func clientToken(r *http.Request) string {
	if raw := r.Header.Get("Proxy-Authorization"); raw != "" {
		if token, found := strings.CutPrefix(raw, "Bearer "); found {
			return strings.TrimSpace(token)
		}
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(r.Header.Get("X-Seidr-Token"))
}

func sanitizeProxyHeaders(h http.Header) {
	h.Del("Proxy-Connection")
	h.Del("Proxy-Authenticate")
	h.Del("Proxy-Authorization")
	h.Del("X-Seidr-Token")
}

func copyHeaders(dst, src http.Header) {
	for k := range dst {
		dst.Del(k)
	}
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func copyURL(u *url.URL) *url.URL {
	if u == nil {
		return &url.URL{}
	}
	copied := *u
	return &copied
}

func clientIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
