// Package scripts loads, validates, and indexes injection scripts, and serves
// immutable registry snapshots to concurrent readers with atomic hot reload.
package scripts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// InjectType selects how a script's payload is applied to a flow.
type InjectType string

const (
	InjectHeader         InjectType = "Header"
	InjectBody           InjectType = "Body"
	InjectResponseHeader InjectType = "ResponseHeader"
	InjectResponseBody   InjectType = "ResponseBody"
	InjectJavaScript     InjectType = "JavaScript"
	InjectCSS            InjectType = "CSS"
)

var canonicalTypes = map[string]InjectType{
	"header":         InjectHeader,
	"body":           InjectBody,
	"responseheader": InjectResponseHeader,
	"responsebody":   InjectResponseBody,
	"javascript":     InjectJavaScript,
	"css":            InjectCSS,
}

// ParseInjectType normalises a raw inject_type value to its canonical form.
func ParseInjectType(raw string) (InjectType, error) {
	t, ok := canonicalTypes[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("unrecognised inject_type %q", raw)
	}
	return t, nil
}

// RequestPhase reports whether the inject type mutates the outgoing request.
func (t InjectType) RequestPhase() bool {
	return t == InjectHeader || t == InjectBody
}

// ResponsePhase reports whether the inject type mutates the response.
func (t InjectType) ResponsePhase() bool {
	return !t.RequestPhase()
}

// Match narrows a script to a subset of requests beyond its target domains.
// All populated fields must hold for the script to apply.
type Match struct {
	URLContains string   `json:"url_contains,omitempty" yaml:"url_contains,omitempty"`
	Methods     []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	JSONPath    string   `json:"json_path,omitempty" yaml:"json_path,omitempty"`
}

// Matches evaluates the condition block against one request. JSONPath is
// checked for existence within a JSON request body.
func (m Match) Matches(method, url string, body []byte) bool {
	if m.URLContains != "" && !strings.Contains(url, m.URLContains) {
		return false
	}
	if len(m.Methods) > 0 {
		found := false
		for _, candidate := range m.Methods {
			if strings.EqualFold(candidate, method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.JSONPath != "" {
		if len(body) == 0 || !gjson.GetBytes(body, m.JSONPath).Exists() {
			return false
		}
	}
	return true
}

// InjectionScript is one user-supplied transformation rule. Scripts are
// immutable once loaded; a reload replaces the whole registry.
type InjectionScript struct {
	Name          string            `json:"name" yaml:"name"`
	Description   string            `json:"description" yaml:"description"`
	Version       string            `json:"version" yaml:"version"`
	Author        string            `json:"author" yaml:"author"`
	TargetDomains []string          `json:"target_domains" yaml:"target_domains"`
	InjectType    InjectType        `json:"inject_type" yaml:"inject_type"`
	ScriptContent string            `json:"script_content" yaml:"script_content"`
	Headers       map[string]string `json:"headers" yaml:"headers"`
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	Match         *Match            `json:"match,omitempty" yaml:"match,omitempty"`
}

// Validate rejects scripts the pipeline cannot apply.
func (s *InjectionScript) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("script missing name")
	}
	normalized, err := ParseInjectType(string(s.InjectType))
	if err != nil {
		return fmt.Errorf("script %q: %w", s.Name, err)
	}
	s.InjectType = normalized
	return nil
}

// TargetsDomain reports whether any of the script's target domain patterns
// match the given host. Matching is case-insensitive; patterns use `*` as a
// wildcard matching any run of characters.
func (s *InjectionScript) TargetsDomain(host string) bool {
	for _, pattern := range s.TargetDomains {
		if MatchDomain(pattern, host) {
			return true
		}
	}
	return false
}

// MatchDomain evaluates one glob pattern against a host. The only
// metacharacter is `*`; everything else compares literally, ignoring case.
func MatchDomain(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSpace(host))
	if pattern == "" {
		return false
	}
	return globMatch(pattern, host)
}

func globMatch(pattern, s string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, segments[0]) {
		return false
	}
	s = s[len(segments[0]):]
	for _, segment := range segments[1 : len(segments)-1] {
		if segment == "" {
			continue
		}
		idx := strings.Index(s, segment)
		if idx < 0 {
			return false
		}
		s = s[idx+len(segment):]
	}
	return strings.HasSuffix(s, segments[len(segments)-1])
}

// DomainAllowed applies the global allow/block gate, evaluated before any
// per-script match. A blocked pattern wins outright; when the allow list is
// anything other than a bare wildcard, the host must match one of its
// patterns. The gate is independent of individual scripts' target_domains.
func DomainAllowed(allowed, blocked []string, host string) bool {
	for _, pattern := range blocked {
		if MatchDomain(pattern, host) {
			return false
		}
	}
	if len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		if MatchDomain(pattern, host) {
			return true
		}
	}
	return false
}

// ParseScript decodes a single script record from JSON or YAML, selected by
// file extension, and validates it.
func ParseScript(data []byte, ext string) (*InjectionScript, error) {
	var script InjectionScript
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &script); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &script); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported script extension %q", ext)
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	return &script, nil
}
