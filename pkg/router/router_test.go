package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"toolgate/pkg/broker"
	"toolgate/pkg/dbexec"
	"toolgate/pkg/lifecycle"
	"toolgate/pkg/providers"
	"toolgate/pkg/store"
	"toolgate/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

type fakeStore struct {
	oauth         map[string]*store.OAuthConnection    // key: userID + "/" + provider
	dbs           map[string]*store.DatabaseConnection // key: userID + "/" + id
	statusUpdates []string                             // connection ids flipped to error
	oauthUpdates  []string                             // "provider:status" moves applied
}

func (f *fakeStore) GetOAuth(_ context.Context, userID, provider string) (*store.OAuthConnection, error) {
	return f.oauth[userID+"/"+provider], nil
}

func (f *fakeStore) UpdateOAuthStatus(_ context.Context, _, provider string, to lifecycle.OAuthStatus) (bool, error) {
	f.oauthUpdates = append(f.oauthUpdates, provider+":"+string(to))
	return true, nil
}

func (f *fakeStore) GetDatabase(_ context.Context, userID, id string) (*store.DatabaseConnection, error) {
	return f.dbs[userID+"/"+id], nil
}

func (f *fakeStore) UpdateDatabaseStatus(_ context.Context, _, id string, to lifecycle.DatabaseStatus, _ string) (bool, error) {
	if to == lifecycle.DatabaseError {
		f.statusUpdates = append(f.statusUpdates, id)
	}
	return true, nil
}

type fakeBroker struct {
	lastInput broker.ExecuteInput
	output    json.RawMessage
	err       error
	calls     int
}

func (f *fakeBroker) ExecuteAction(_ context.Context, in broker.ExecuteInput) (json.RawMessage, error) {
	f.calls++
	f.lastInput = in
	return f.output, f.err
}

type passthroughDecryptor struct{}

func (passthroughDecryptor) Decrypt(ct []byte) ([]byte, error) { return ct, nil }

type failingDecryptor struct{}

func (failingDecryptor) Decrypt([]byte) ([]byte, error) {
	return nil, types.ErrCrypto("decryption failed")
}

type fakeExecutor struct {
	lastQuery string
	output    json.RawMessage
	err       error
	calls     int
}

func (f *fakeExecutor) Test(context.Context, dbexec.Credentials) error { return f.err }

func (f *fakeExecutor) Execute(_ context.Context, _ dbexec.Credentials, query string) (json.RawMessage, error) {
	f.calls++
	f.lastQuery = query
	return f.output, f.err
}

func testRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	r, err := providers.NewRegistry(providers.Defaults())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func newTestRouter(t *testing.T, fs *fakeStore, fb *fakeBroker, dec Decryptor) *Router {
	t.Helper()
	return New(fs, fb, testRegistry(t), dbexec.NewRegistry(), dec, nil)
}

// credsJSON is a decryptable postgres credential blob for the passthrough
// decryptor.
const credsJSON = `{"host":"h","database":"d","user":"u","password":"p"}`

// ──────────────────────────────────────────────────────────────────────────────
// Broker routing
// ──────────────────────────────────────────────────────────────────────────────

func TestExecuteBrokerAction(t *testing.T) {
	fs := &fakeStore{oauth: map[string]*store.OAuthConnection{
		"u1/gmail": {UserID: "u1", Provider: "gmail", Status: lifecycle.OAuthActive, BrokerConnectionID: "conn_1"},
	}}
	fb := &fakeBroker{output: json.RawMessage(`{"ok":true}`)}
	r := newTestRouter(t, fs, fb, passthroughDecryptor{})

	res, err := r.Execute(context.Background(), types.ExecuteRequest{
		UserID: "u1", Tool: "GMAIL_SEND_EMAIL", Params: json.RawMessage(`{"to":"a@b.c"}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if fb.lastInput.EntityID != "user_u1" || fb.lastInput.ConnectionID != "conn_1" || fb.lastInput.Action != "GMAIL_SEND_EMAIL" {
		t.Errorf("broker input = %+v", fb.lastInput)
	}
}

func TestExecuteBrokerNotConnected(t *testing.T) {
	tests := []struct {
		name  string
		oauth map[string]*store.OAuthConnection
	}{
		{"no record", nil},
		{"pending record", map[string]*store.OAuthConnection{
			"u1/gmail": {UserID: "u1", Provider: "gmail", Status: lifecycle.OAuthPending},
		}},
		{"revoked record", map[string]*store.OAuthConnection{
			"u1/gmail": {UserID: "u1", Provider: "gmail", Status: lifecycle.OAuthRevoked},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBroker{}
			r := newTestRouter(t, &fakeStore{oauth: tt.oauth}, fb, passthroughDecryptor{})

			res, err := r.Execute(context.Background(), types.ExecuteRequest{UserID: "u1", Tool: "GMAIL_SEND_EMAIL"})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Success || res.ErrorCode != types.CodeNotConnected {
				t.Errorf("result = %+v, want NOT_CONNECTED", res)
			}
			if fb.calls != 0 {
				t.Error("broker was called for a non-usable connection")
			}
		})
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := newTestRouter(t, &fakeStore{}, &fakeBroker{}, passthroughDecryptor{})
	res, err := r.Execute(context.Background(), types.ExecuteRequest{UserID: "u1", Tool: "NOPE"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.ErrorCode != types.CodeNotConnected {
		t.Errorf("result = %+v, want NOT_CONNECTED", res)
	}
}

func TestExecuteValidation(t *testing.T) {
	r := newTestRouter(t, &fakeStore{}, &fakeBroker{}, passthroughDecryptor{})
	if _, err := r.Execute(context.Background(), types.ExecuteRequest{Tool: "X_Y"}); err == nil {
		t.Error("missing user_id accepted")
	}
	if _, err := r.Execute(context.Background(), types.ExecuteRequest{UserID: "u1"}); err == nil {
		t.Error("missing tool accepted")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Database routing
// ──────────────────────────────────────────────────────────────────────────────

func dbStore(status lifecycle.DatabaseStatus) *fakeStore {
	return &fakeStore{dbs: map[string]*store.DatabaseConnection{
		"u1/db-1": {
			ID: "db-1", UserID: "u1", DBType: "postgresql", Name: "main",
			Status: status, Ciphertext: []byte(credsJSON),
		},
	}}
}

func TestExecuteDatabaseQuery(t *testing.T) {
	fs := dbStore(lifecycle.DatabaseConnected)
	fe := &fakeExecutor{output: json.RawMessage(`{"rows":[],"row_count":0}`)}
	r := newTestRouter(t, fs, &fakeBroker{}, passthroughDecryptor{})
	r.executors = registryWith(t, "postgresql", fe)

	res, err := r.Execute(context.Background(), types.ExecuteRequest{
		UserID: "u1", Tool: "db_query_db-1", Params: json.RawMessage(`{"query":"SELECT 1"}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if fe.lastQuery != "SELECT 1" {
		t.Errorf("executor query = %q", fe.lastQuery)
	}
}

func TestExecuteDatabaseCrossUserIsNotConnected(t *testing.T) {
	fs := dbStore(lifecycle.DatabaseConnected)
	fe := &fakeExecutor{}
	r := newTestRouter(t, fs, &fakeBroker{}, passthroughDecryptor{})
	r.executors = registryWith(t, "postgresql", fe)

	res, err := r.Execute(context.Background(), types.ExecuteRequest{
		UserID: "u2", Tool: "db_query_db-1", Params: json.RawMessage(`{"query":"SELECT 1"}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ErrorCode != types.CodeNotConnected {
		t.Errorf("cross-user access = %+v, want NOT_CONNECTED", res)
	}
	if fe.calls != 0 {
		t.Error("executor ran for another user's connection")
	}
}

func TestExecuteDatabaseUnusableStatus(t *testing.T) {
	for _, status := range []lifecycle.DatabaseStatus{lifecycle.DatabaseError, lifecycle.DatabaseDisconnected} {
		fe := &fakeExecutor{}
		r := newTestRouter(t, dbStore(status), &fakeBroker{}, passthroughDecryptor{})
		r.executors = registryWith(t, "postgresql", fe)

		res, err := r.Execute(context.Background(), types.ExecuteRequest{
			UserID: "u1", Tool: "db_query_db-1", Params: json.RawMessage(`{"query":"SELECT 1"}`),
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if res.ErrorCode != types.CodeNotConnected {
			t.Errorf("status %s = %+v, want NOT_CONNECTED", status, res)
		}
		if fe.calls != 0 {
			t.Errorf("executor ran for %s connection", status)
		}
	}
}

func TestExecuteDatabaseMissingQuery(t *testing.T) {
	r := newTestRouter(t, dbStore(lifecycle.DatabaseConnected), &fakeBroker{}, passthroughDecryptor{})
	r.executors = registryWith(t, "postgresql", &fakeExecutor{})

	res, err := r.Execute(context.Background(), types.ExecuteRequest{
		UserID: "u1", Tool: "db_query_db-1", Params: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Errorf("empty query accepted: %+v", res)
	}
}

func TestExecuteDatabaseDecryptFailure(t *testing.T) {
	r := newTestRouter(t, dbStore(lifecycle.DatabaseConnected), &fakeBroker{}, failingDecryptor{})
	r.executors = registryWith(t, "postgresql", &fakeExecutor{})

	res, err := r.Execute(context.Background(), types.ExecuteRequest{
		UserID: "u1", Tool: "db_query_db-1", Params: json.RawMessage(`{"query":"SELECT 1"}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ErrorCode != types.CodeCrypto {
		t.Errorf("result = %+v, want CRYPTO_ERROR", res)
	}
}

func TestConnectFailureFlipsStatus(t *testing.T) {
	fs := dbStore(lifecycle.DatabaseConnected)
	fe := &fakeExecutor{err: types.ErrConnectFailed("postgres", "host unreachable")}
	r := newTestRouter(t, fs, &fakeBroker{}, passthroughDecryptor{})
	r.executors = registryWith(t, "postgresql", fe)

	res, err := r.Execute(context.Background(), types.ExecuteRequest{
		UserID: "u1", Tool: "db_query_db-1", Params: json.RawMessage(`{"query":"SELECT 1"}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ErrorCode != types.CodeConnectFailed {
		t.Errorf("result = %+v, want CONNECT_FAILED", res)
	}
	if len(fs.statusUpdates) != 1 || fs.statusUpdates[0] != "db-1" {
		t.Errorf("status updates = %v, want [db-1]", fs.statusUpdates)
	}
}

func TestQueryFailureKeepsStatus(t *testing.T) {
	fs := dbStore(lifecycle.DatabaseConnected)
	fe := &fakeExecutor{err: types.ErrQueryFailed("syntax error")}
	r := newTestRouter(t, fs, &fakeBroker{}, passthroughDecryptor{})
	r.executors = registryWith(t, "postgresql", fe)

	res, err := r.Execute(context.Background(), types.ExecuteRequest{
		UserID: "u1", Tool: "db_query_db-1", Params: json.RawMessage(`{"query":"SELEC"}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ErrorCode != types.CodeQueryFailed {
		t.Errorf("result = %+v, want QUERY_FAILED", res)
	}
	if len(fs.statusUpdates) != 0 {
		t.Errorf("query failure flipped status: %v", fs.statusUpdates)
	}
}

func TestProvenance(t *testing.T) {
	if Provenance("db_query_x") != types.ProvenanceConnector {
		t.Error("db_query_ tool not classified as direct connector")
	}
	if Provenance("GMAIL_SEND_EMAIL") != types.ProvenanceBroker {
		t.Error("action not classified as broker")
	}
}

func TestExecuteReportsDuration(t *testing.T) {
	fs := &fakeStore{oauth: map[string]*store.OAuthConnection{
		"u1/gmail": {UserID: "u1", Provider: "gmail", Status: lifecycle.OAuthActive, BrokerConnectionID: "c"},
	}}
	r := newTestRouter(t, fs, &fakeBroker{output: json.RawMessage(`{}`)}, passthroughDecryptor{})

	res, err := r.Execute(context.Background(), types.ExecuteRequest{UserID: "u1", Tool: "GMAIL_SEND_EMAIL"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.DurationMS < 0 {
		t.Errorf("duration = %d", res.DurationMS)
	}
}

func TestBrokerErrorBecomesResult(t *testing.T) {
	fs := &fakeStore{oauth: map[string]*store.OAuthConnection{
		"u1/gmail": {UserID: "u1", Provider: "gmail", Status: lifecycle.OAuthActive, BrokerConnectionID: "c"},
	}}
	fb := &fakeBroker{err: types.ErrBroker("gmail", errors.New("upstream 503"))}
	r := newTestRouter(t, fs, fb, passthroughDecryptor{})

	res, err := r.Execute(context.Background(), types.ExecuteRequest{UserID: "u1", Tool: "GMAIL_SEND_EMAIL"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.ErrorCode != types.CodeBroker {
		t.Errorf("result = %+v, want BROKER_ERROR", res)
	}
	if len(fs.oauthUpdates) != 0 {
		t.Errorf("transient broker failure moved oauth status: %v", fs.oauthUpdates)
	}
}

func TestBrokerAuthInvalidationExpiresConnection(t *testing.T) {
	fs := &fakeStore{oauth: map[string]*store.OAuthConnection{
		"u1/gmail": {UserID: "u1", Provider: "gmail", Status: lifecycle.OAuthActive, BrokerConnectionID: "c"},
	}}
	fb := &fakeBroker{err: types.ErrAuthFailed("the connected account")}
	r := newTestRouter(t, fs, fb, passthroughDecryptor{})

	res, err := r.Execute(context.Background(), types.ExecuteRequest{UserID: "u1", Tool: "GMAIL_SEND_EMAIL"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.ErrorCode != types.CodeAuthFailed {
		t.Errorf("result = %+v, want AUTH_FAILED", res)
	}
	if len(fs.oauthUpdates) != 1 || fs.oauthUpdates[0] != "gmail:expired" {
		t.Errorf("oauth updates = %v, want [gmail:expired]", fs.oauthUpdates)
	}
}

// fakeExecutorSource serves one fake executor for one database type.
type fakeExecutorSource struct {
	dbType string
	ex     dbexec.Executor
}

func (f *fakeExecutorSource) Executor(dbType string) (dbexec.Executor, bool) {
	if dbType == f.dbType {
		return f.ex, true
	}
	return nil, false
}

func registryWith(t *testing.T, dbType string, ex dbexec.Executor) ExecutorSource {
	t.Helper()
	return &fakeExecutorSource{dbType: dbType, ex: ex}
}
