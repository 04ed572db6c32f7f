package providers

import (
	"os"
	"path/filepath"
	"testing"

	"toolgate/pkg/types"
)

func TestDefaultsAreValid(t *testing.T) {
	r, err := NewRegistry(Defaults())
	if err != nil {
		t.Fatalf("NewRegistry(Defaults()): %v", err)
	}
	if len(r.All()) == 0 {
		t.Fatal("default registry is empty")
	}
	for _, p := range r.All() {
		if p.AuthConfigID == "" {
			t.Errorf("provider %s has no auth config id", p.ID)
		}
	}
}

func TestGetIsCaseInsensitive(t *testing.T) {
	r, err := NewRegistry(Defaults())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	p, ok := r.Get("GMAIL")
	if !ok || p.ID != "gmail" {
		t.Errorf("Get(GMAIL) = %+v, %v", p, ok)
	}
}

func TestProviderForAction(t *testing.T) {
	r, err := NewRegistry(Defaults())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	tests := []struct {
		name   string
		action string
		wantID string
		wantOK bool
	}{
		{"registered action", "GMAIL_SEND_EMAIL", "gmail", true},
		{"lowercase input", "gmail_send_email", "gmail", true},
		{"unregistered action falls back to prefix", "SLACK_UPLOAD_FILE", "slack", true},
		{"compound provider prefix", "GOOGLECALENDAR_DELETE_EVENT", "googlecalendar", true},
		{"unknown provider prefix", "LINEAR_CREATE_TICKET", "", false},
		{"no underscore", "PING", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := r.ProviderForAction(tt.action)
			if ok != tt.wantOK {
				t.Fatalf("ProviderForAction(%q) ok = %v, want %v", tt.action, ok, tt.wantOK)
			}
			if ok && p.ID != tt.wantID {
				t.Errorf("ProviderForAction(%q) = %s, want %s", tt.action, p.ID, tt.wantID)
			}
		})
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	doc := `providers:
  - id: gmail
    auth_config_id: ac_prod_gmail
    description: Gmail (production)
    category: communication
    actions:
      - name: GMAIL_SEND_EMAIL
        description: Send an email
        params:
          type: object
          properties:
            to:
              type: string
          required: [to]
  - id: linear
    auth_config_id: ac_prod_linear
    description: Linear issue tracking
    category: development
    actions:
      - name: LINEAR_CREATE_ISSUE
        description: Create an issue
        params:
          type: object
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	gmail, ok := r.Get("gmail")
	if !ok || gmail.AuthConfigID != "ac_prod_gmail" {
		t.Errorf("gmail override not applied: %+v", gmail)
	}
	if _, ok := r.Get("linear"); !ok {
		t.Error("YAML-added provider missing")
	}
	if p, ok := r.ProviderForAction("LINEAR_CREATE_ISSUE"); !ok || p.ID != "linear" {
		t.Errorf("action from YAML provider not resolvable: %+v, %v", p, ok)
	}
	// Other defaults survive the overlay.
	if _, ok := r.Get("slack"); !ok {
		t.Error("default provider slack lost after overlay")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/providers.yaml"); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}

func TestNewRegistryRejectsBadInput(t *testing.T) {
	if _, err := NewRegistry([]Provider{{ID: "", AuthConfigID: "ac_x"}}); err == nil {
		t.Error("accepted empty provider id")
	}
	if _, err := NewRegistry([]Provider{{ID: "x", AuthConfigID: ""}}); err == nil {
		t.Error("accepted missing auth config id")
	}
	dup := []Provider{
		{ID: "a", AuthConfigID: "ac_a", Actions: []Action{{Name: "SHARED_ACTION", Params: types.ParamSchema{Type: "object"}}}},
		{ID: "b", AuthConfigID: "ac_b", Actions: []Action{{Name: "SHARED_ACTION", Params: types.ParamSchema{Type: "object"}}}},
	}
	if _, err := NewRegistry(dup); err == nil {
		t.Error("accepted duplicate action across providers")
	}
}
