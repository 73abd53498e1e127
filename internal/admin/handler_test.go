package admin

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stratahq/strata/internal/repository"
)

func TestRenderAPIKeysTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "api_keys.html", map[string]any{
		"User":      repository.AdminUser{Username: "admin"},
		"Project":   repository.Project{ID: "proj-1", Name: "Test Project"},
		"APIKeys":   []repository.APIKeyMeta{{ID: "key-1", CreatedAt: time.Now()}},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "API Keys") {
		t.Error("expected 'API Keys' in output")
	}
	if !strings.Contains(out, "key-1") {
		t.Error("expected key ID in output")
	}
	if !strings.Contains(out, "Create API Key") {
		t.Error("expected create button")
	}
}

func TestRenderAPIKeysTemplate_NewSecret(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "api_keys.html", map[string]any{
		"User":      repository.AdminUser{Username: "admin"},
		"Project":   repository.Project{ID: "proj-1", Name: "Test Project"},
		"APIKeys":   []repository.APIKeyMeta{},
		"NewKeyID":  "abc123",
		"NewSecret": "secret456",
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "abc123.secret456") {
		t.Error("expected full token in output")
	}
	if !strings.Contains(out, "will not be shown again") {
		t.Error("expected warning about secret visibility")
	}
}

func TestRenderAuditLogTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "audit_log.html", map[string]any{
		"User":    repository.AdminUser{Username: "admin"},
		"Project": repository.Project{ID: "proj-1", Name: "Test Project"},
		"Entries": []repository.AuditLogEntry{
			{Action: "layer_create", EntityType: "layer", EntityID: "homepage", CreatedAt: time.Now()},
			{Action: "layer_toggle", EntityType: "layer", EntityID: "homepage", CreatedAt: time.Now()},
		},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Audit Log") {
		t.Error("expected 'Audit Log' in output")
	}
	if !strings.Contains(out, "homepage") {
		t.Error("expected entity id in output")
	}
	if !strings.Contains(out, "layer_create") {
		t.Error("expected action in output")
	}
}

func TestRenderAuditLogTemplate_Empty(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "audit_log.html", map[string]any{
		"User":      repository.AdminUser{Username: "admin"},
		"Project":   repository.Project{ID: "proj-1", Name: "Test Project"},
		"Entries":   []repository.AuditLogEntry{},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(buf.String(), "No audit log entries found") {
		t.Error("expected empty state message")
	}
}

func TestRenderProjectTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "project.html", map[string]any{
		"User":        repository.AdminUser{Username: "admin"},
		"Project":     repository.Project{ID: "proj-1", Name: "Test Project"},
		"Layers":      nil,
		"Experiments": nil,
		"FieldTypes":  nil,
		"CSRFToken":   "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "No layers yet") {
		t.Error("expected empty layers state")
	}
	if !strings.Contains(out, "No experiments yet") {
		t.Error("expected empty experiments state")
	}
}
