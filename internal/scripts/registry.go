package scripts

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/RowanDark/Seidr/internal/logging"
)

// Registry is one immutable, fully-loaded snapshot of the script set. Load
// order is preserved (files sorted by name) and drives pipeline precedence.
type Registry struct {
	scripts []*InjectionScript
}

// Scripts returns the snapshot's scripts in load order.
func (r *Registry) Scripts() []*InjectionScript {
	if r == nil {
		return nil
	}
	return r.scripts
}

// Len reports the number of loaded scripts.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.scripts)
}

// Match returns the enabled scripts targeting the given host, in load order.
// The host is compared with any port stripped.
func (r *Registry) Match(host string) []*InjectionScript {
	if r == nil {
		return nil
	}
	host = StripPort(host)
	var matched []*InjectionScript
	for _, script := range r.scripts {
		if script.Enabled && script.TargetsDomain(host) {
			matched = append(matched, script)
		}
	}
	return matched
}

// MatchRequest narrows Match by each script's optional condition block.
func (r *Registry) MatchRequest(host, method, url string, body []byte) []*InjectionScript {
	var matched []*InjectionScript
	for _, script := range r.Match(host) {
		if script.Match != nil && !script.Match.Matches(method, url, body) {
			continue
		}
		matched = append(matched, script)
	}
	return matched
}

// StripPort removes a trailing :port from a host if present.
func StripPort(host string) string {
	if stripped, _, err := net.SplitHostPort(host); err == nil {
		return stripped
	}
	return strings.Trim(host, "[]")
}

// Store owns the live registry snapshot and performs atomic hot reload.
// Readers call Snapshot once per request and keep that reference for the
// request's lifetime; Reload never mutates a published snapshot.
type Store struct {
	dir      string
	logger   *slog.Logger
	audit    *logging.AuditLogger
	snapshot atomic.Pointer[Registry]
}

// NewStore creates a store for the given scripts directory. The directory is
// created if it does not exist.
func NewStore(dir string, logger *slog.Logger, audit *logging.AuditLogger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("scripts directory must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts directory: %w", err)
	}
	s := &Store{dir: dir, logger: logger, audit: audit}
	s.snapshot.Store(&Registry{})
	return s, nil
}

// Dir reports the scripts directory backing this store.
func (s *Store) Dir() string {
	return s.dir
}

// Snapshot returns the current registry. The returned value is immutable.
func (s *Store) Snapshot() *Registry {
	return s.snapshot.Load()
}

// Load performs the initial registry load. Unlike Reload it accepts a result
// with zero valid scripts, since a fresh deployment starts empty.
func (s *Store) Load() error {
	registry, _, err := s.loadDir()
	if err != nil {
		return err
	}
	s.snapshot.Store(registry)
	s.logger.Info("loaded injection scripts", "count", registry.Len(), "dir", s.dir)
	return nil
}

// Reload builds a fresh registry and installs it atomically. The swap is
// fail-safe: a directory read failure, or a load where every candidate file
// was rejected, leaves the previous snapshot active and returns an error.
func (s *Store) Reload() error {
	registry, candidates, err := s.loadDir()
	if err != nil {
		s.auditReload(logging.DecisionDeny, err.Error(), registry.Len())
		return err
	}
	if candidates > 0 && registry.Len() == 0 {
		err := fmt.Errorf("reload rejected: all %d script files invalid", candidates)
		s.auditReload(logging.DecisionDeny, err.Error(), 0)
		return err
	}
	s.snapshot.Store(registry)
	s.logger.Info("reloaded injection scripts", "count", registry.Len(), "dir", s.dir)
	s.auditReload(logging.DecisionAllow, "", registry.Len())
	return nil
}

func (s *Store) auditReload(decision logging.Decision, reason string, count int) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Emit(logging.AuditEvent{
		EventType: logging.EventRegistryReload,
		Decision:  decision,
		Reason:    reason,
		Metadata:  map[string]any{"script_count": count, "dir": s.dir},
	})
}

func (s *Store) loadDir() (*Registry, int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return &Registry{}, 0, fmt.Errorf("read scripts directory %s: %w", s.dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	registry := &Registry{}
	seen := make(map[string]string, len(names))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		script, err := s.loadFile(path)
		if err != nil {
			s.logger.Warn("skipping invalid script file", "file", name, "error", err)
			s.auditLoadError(name, err)
			continue
		}
		if prev, dup := seen[script.Name]; dup {
			err := fmt.Errorf("duplicate script name %q (already loaded from %s)", script.Name, prev)
			s.logger.Warn("skipping duplicate script", "file", name, "error", err)
			s.auditLoadError(name, err)
			continue
		}
		seen[script.Name] = name
		registry.scripts = append(registry.scripts, script)
	}
	return registry, len(names), nil
}

func (s *Store) loadFile(path string) (*InjectionScript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(data, filepath.Ext(path))
}

func (s *Store) auditLoadError(file string, err error) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Emit(logging.AuditEvent{
		EventType: logging.EventScriptLoadError,
		Decision:  logging.DecisionDeny,
		Reason:    err.Error(),
		Metadata:  map[string]any{"file": file},
	})
}
