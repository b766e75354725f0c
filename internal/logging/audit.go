// Package logging provides the structured JSONL audit sink used by the proxy
// for security-relevant events: script load failures, execution timeouts,
// denied clients, upstream failures, and lifecycle transitions.
package logging

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/RowanDark/Seidr/internal/redact"
)

type EventType string

const (
	EventScriptLoadError EventType = "script_load_error"
	EventScriptTimeout   EventType = "script_timeout"
	EventRegistryReload  EventType = "registry_reload"
	EventAuthDenied      EventType = "auth_denied"
	EventRateLimited     EventType = "rate_limited"
	EventUpstreamFailure EventType = "upstream_failure"
	EventProxyLifecycle  EventType = "proxy_lifecycle"
)

type Decision string

const (
	DecisionInfo  Decision = "info"
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// AuditEvent is one JSONL record emitted to the configured sinks.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	EventType EventType      `json:"event_type"`
	Decision  Decision       `json:"decision,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Option func(*config) error

type config struct {
	writers          []io.Writer
	closers          []io.Closer
	useDefaultWriter bool
}

func defaultConfig() *config {
	return &config{writers: []io.Writer{os.Stdout}, useDefaultWriter: true}
}

// WithWriter appends an additional sink for audit events.
func WithWriter(w io.Writer) Option {
	return func(cfg *config) error {
		if w == nil {
			return errors.New("writer cannot be nil")
		}
		cfg.writers = append(cfg.writers, w)
		return nil
	}
}

// WithFile appends a file sink, created if absent.
func WithFile(path string) Option {
	return func(cfg *config) error {
		if strings.TrimSpace(path) == "" {
			return errors.New("file path cannot be empty")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		cfg.writers = append(cfg.writers, f)
		cfg.closers = append(cfg.closers, f)
		return nil
	}
}

// WithoutStdout removes the default stdout sink.
func WithoutStdout() Option {
	return func(cfg *config) error {
		cfg.useDefaultWriter = false
		filtered := cfg.writers[:0]
		for _, w := range cfg.writers {
			if w == os.Stdout {
				continue
			}
			filtered = append(filtered, w)
		}
		cfg.writers = filtered
		return nil
	}
}

type auditCore struct {
	mu      sync.Mutex
	encoder *json.Encoder
	closers []io.Closer
}

// AuditLogger serialises audit events to one or more sinks. Component
// sub-loggers share the underlying encoder and file handles.
type AuditLogger struct {
	component   string
	core        *auditCore
	ownsClosers bool
}

func NewAuditLogger(component string, opts ...Option) (*AuditLogger, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			for _, closer := range cfg.closers {
				_ = closer.Close()
			}
			return nil, err
		}
	}
	if !cfg.useDefaultWriter && len(cfg.writers) == 0 {
		return nil, errors.New("no writers configured for audit logger")
	}
	enc := json.NewEncoder(io.MultiWriter(cfg.writers...))
	enc.SetEscapeHTML(false)
	return &AuditLogger{
		component:   component,
		core:        &auditCore{encoder: enc, closers: cfg.closers},
		ownsClosers: true,
	}, nil
}

func MustNewAuditLogger(component string, opts ...Option) *AuditLogger {
	logger, err := NewAuditLogger(component, opts...)
	if err != nil {
		panic(err)
	}
	return logger
}

// Close releases any file sinks owned by this logger.
func (l *AuditLogger) Close() error {
	if l == nil || !l.ownsClosers || l.core == nil {
		return nil
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	var firstErr error
	for _, closer := range l.core.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.core.closers = nil
	return firstErr
}

// Emit writes one audit event. Reasons and metadata are passed through the
// redaction filter so credentials never land in a sink verbatim.
func (l *AuditLogger) Emit(event AuditEvent) error {
	if l == nil || l.core == nil {
		return errors.New("nil audit logger")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	if event.Component == "" {
		event.Component = l.component
	}
	event.Reason = redact.String(event.Reason)
	if len(event.Metadata) > 0 {
		event.Metadata = redact.Map(event.Metadata)
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	return l.core.encoder.Encode(event)
}

// WithComponent derives a logger that stamps a different component name while
// sharing sinks with its parent.
func (l *AuditLogger) WithComponent(component string) *AuditLogger {
	if l == nil || l.core == nil {
		return nil
	}
	return &AuditLogger{component: component, core: l.core, ownsClosers: false}
}
