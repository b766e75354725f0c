package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEmitWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewAuditLogger("proxy", WithWriter(&buf), WithoutStdout())
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	if err := logger.Emit(AuditEvent{
		EventType: EventAuthDenied,
		Decision:  DecisionDeny,
		Reason:    "ip blacklisted",
		Metadata:  map[string]any{"client_ip": "203.0.113.7"},
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	var event AuditEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Component != "proxy" {
		t.Fatalf("component = %q", event.Component)
	}
	if event.EventType != EventAuthDenied {
		t.Fatalf("event type = %q", event.EventType)
	}
	if event.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
	if event.Metadata["client_ip"] != "203.0.113.7" {
		t.Fatalf("metadata = %v", event.Metadata)
	}
}

func TestEmitRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewAuditLogger("gate", WithWriter(&buf), WithoutStdout())
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	if err := logger.Emit(AuditEvent{
		EventType: EventAuthDenied,
		Reason:    "token mismatch: token=verysecretvalue99",
		Metadata:  map[string]any{"auth_token": "verysecretvalue99"},
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "verysecretvalue99") {
		t.Fatalf("secret leaked into audit output: %s", out)
	}
}

func TestWithComponentSharesSink(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewAuditLogger("proxy", WithWriter(&buf), WithoutStdout())
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	child := logger.WithComponent("registry")
	if err := child.Emit(AuditEvent{EventType: EventRegistryReload, Decision: DecisionInfo}); err != nil {
		t.Fatalf("emit via child: %v", err)
	}
	if !strings.Contains(buf.String(), `"component":"registry"`) {
		t.Fatalf("child component not stamped: %s", buf.String())
	}
}

func TestNewAuditLoggerRejectsEmptySinkSet(t *testing.T) {
	if _, err := NewAuditLogger("proxy", WithoutStdout()); err == nil {
		t.Fatal("expected error with no writers")
	}
}
