// Package gate authorizes proxy clients: IP allow/deny lists, token auth,
// and per-IP fixed-window rate limiting.
package gate

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/RowanDark/Seidr/internal/config"
	"github.com/RowanDark/Seidr/internal/logging"
)

// Reason identifies why a client was denied. An empty reason means allowed.
type Reason string

const (
	ReasonBlacklisted    Reason = "blacklisted"
	ReasonNotWhitelisted Reason = "not_whitelisted"
	ReasonUnauthorized   Reason = "unauthorized"
	ReasonRateLimited    Reason = "rate_limited"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Reason Reason
}

// Allowed reports whether the client may proceed.
func (d Decision) Allowed() bool {
	return d.Reason == ""
}

// StatusCode maps a denial to the HTTP status the proxy answers with.
func (d Decision) StatusCode() int {
	switch d.Reason {
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case "":
		return http.StatusOK
	default:
		return http.StatusForbidden
	}
}

// Option customises gate behaviour.
type Option func(*Gate)

// WithClock substitutes the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.limiter.now = now
		}
	}
}

// WithAuditLogger configures the gate to emit audit entries for denials.
func WithAuditLogger(logger *logging.AuditLogger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.audit = logger
		}
	}
}

// Gate evaluates every inbound request before any proxying work happens.
// Checks run in a fixed order: blacklist, whitelist, auth token, rate limit.
type Gate struct {
	requireAuth bool
	authToken   string
	whitelist   map[string]struct{}
	blacklist   map[string]struct{}
	limiter     *rateLimiter
	audit       *logging.AuditLogger
}

// New creates a gate from the security section of the configuration.
func New(cfg config.SecurityConfig, opts ...Option) *Gate {
	g := &Gate{
		requireAuth: cfg.RequireAuth,
		authToken:   strings.TrimSpace(cfg.AuthToken),
		whitelist:   ipSet(cfg.WhitelistIPs),
		blacklist:   ipSet(cfg.BlacklistIPs),
		limiter:     newRateLimiter(cfg.RateLimit, time.Minute),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize evaluates one request from clientIP carrying the given token.
func (g *Gate) Authorize(clientIP, token string) Decision {
	if _, denied := g.blacklist[clientIP]; denied {
		return g.deny(clientIP, ReasonBlacklisted)
	}
	if len(g.whitelist) > 0 {
		if _, ok := g.whitelist[clientIP]; !ok {
			return g.deny(clientIP, ReasonNotWhitelisted)
		}
	}
	if g.requireAuth {
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.authToken)) != 1 {
			return g.deny(clientIP, ReasonUnauthorized)
		}
	}
	if !g.limiter.allow(clientIP) {
		return g.deny(clientIP, ReasonRateLimited)
	}
	return Decision{}
}

func (g *Gate) deny(clientIP string, reason Reason) Decision {
	if g.audit != nil {
		eventType := logging.EventAuthDenied
		if reason == ReasonRateLimited {
			eventType = logging.EventRateLimited
		}
		_ = g.audit.Emit(logging.AuditEvent{
			EventType: eventType,
			Decision:  logging.DecisionDeny,
			Reason:    string(reason),
			Metadata:  map[string]any{"client_ip": clientIP},
		})
	}
	return Decision{Reason: reason}
}

func ipSet(ips []string) map[string]struct{} {
	if len(ips) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		set[ip] = struct{}{}
	}
	return set
}
