package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"toolgate/pkg/types"
)

func TestEntityID(t *testing.T) {
	if got := EntityID("abc-123"); got != "user_abc-123" {
		t.Errorf("EntityID = %q, want user_abc-123", got)
	}
}

func TestBeginAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/connections/initiate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["entity_id"] != "user_u1" || body["auth_config_id"] != "ac_x" {
			t.Errorf("unexpected body: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"redirect_url": "https://broker.example.com/authorize/xyz",
			"status":       "initiated",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second)
	res, err := c.BeginAuth(context.Background(), "user_u1", "ac_x", "https://gw/callback?session=t")
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}
	if res.RedirectURL != "https://broker.example.com/authorize/xyz" || res.AlreadyConnected {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestBeginAuthAlreadyConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "already_connected"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	res, err := c.BeginAuth(context.Background(), "user_u1", "ac_x", "cb")
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}
	if !res.AlreadyConnected {
		t.Error("AlreadyConnected = false, want true")
	}
}

func TestFinalizeAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"connection_id":           "conn_9",
			"connected_account_label": "u1@example.com",
			"status":                  "active",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	res, err := c.FinalizeAuth(context.Background(), "user_u1", "ac_x")
	if err != nil {
		t.Fatalf("FinalizeAuth: %v", err)
	}
	if res.ConnectionID != "conn_9" {
		t.Errorf("connection id = %q, want conn_9", res.ConnectionID)
	}
	if res.AccountLabel != "u1@example.com" {
		t.Errorf("account label = %q, want u1@example.com", res.AccountLabel)
	}
}

func TestFinalizeAuthNotActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "failed"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	if _, err := c.FinalizeAuth(context.Background(), "user_u1", "ac_x"); !types.IsCode(err, types.CodeBroker) {
		t.Errorf("error = %v, want %s", err, types.CodeBroker)
	}
}

func TestExecuteAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["action"] != "GMAIL_SEND_EMAIL" || body["connection_id"] != "conn_9" {
			t.Errorf("unexpected body: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"successful": true,
			"data":       map[string]string{"message_id": "m1"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	out, err := c.ExecuteAction(context.Background(), ExecuteInput{
		EntityID:     "user_u1",
		ConnectionID: "conn_9",
		Action:       "GMAIL_SEND_EMAIL",
		Params:       json.RawMessage(`{"to":"a@b.c"}`),
	})
	if err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal(out, &data); err != nil || data["message_id"] != "m1" {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestExecuteActionUnsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"successful": false, "error": "rate limited upstream"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	_, err := c.ExecuteAction(context.Background(), ExecuteInput{EntityID: "user_u1", Action: "X_Y"})
	if !types.IsCode(err, types.CodeQueryFailed) {
		t.Errorf("error = %v, want %s", err, types.CodeQueryFailed)
	}
}

func TestExecuteActionAuthInvalidation(t *testing.T) {
	for _, code := range []string{"token_expired", "token_revoked", "invalid_credentials", "unauthorized"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"successful": false,
				"error":      "connected account is no longer authorized",
				"error_code": code,
			})
		}))

		c := NewClient(srv.URL, "k", time.Second)
		_, err := c.ExecuteAction(context.Background(), ExecuteInput{EntityID: "user_u1", Action: "GMAIL_SEND_EMAIL"})
		if !types.IsCode(err, types.CodeAuthFailed) {
			t.Errorf("error_code %s: error = %v, want %s", code, err, types.CodeAuthFailed)
		}
		srv.Close()
	}
}

func TestNon200IsBrokerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	_, err := c.BeginAuth(context.Background(), "user_u1", "ac_x", "cb")
	if !types.IsCode(err, types.CodeBroker) {
		t.Errorf("error = %v, want %s", err, types.CodeBroker)
	}
}

func TestRevokeToleratesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	if err := c.Revoke(context.Background(), "conn_gone"); err != nil {
		t.Errorf("Revoke on missing connection = %v, want nil", err)
	}
}
