package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/store"
)

const testSecret = "test-secret"

func testConfig() config.Config {
	return config.Config{
		TokenSecret: testSecret,
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
	}
}

func testBearer(t *testing.T, user store.User) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      "jti-test",
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(testConfig(), newMemStore(), nil), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := decodeResponse(t, rr); payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("CORS origin = %q", origin)
	}
}

func TestReadyEndpointDatabaseFailure(t *testing.T) {
	m := newMemStore()
	m.failOn["Ping"] = errors.New("connection refused")
	server := NewHTTPServer(newTestService(testConfig(), m, nil), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "not_ready" {
		t.Fatalf("status = %v", payload["status"])
	}
	checks := payload["checks"].(map[string]any)
	db := checks["database"].(map[string]any)
	if db["error"] != "connection refused" {
		t.Fatalf("database check = %v", db)
	}
}

func TestOptionsRequestShortCircuits(t *testing.T) {
	server := NewHTTPServer(newTestService(testConfig(), newMemStore(), nil), "*")

	req := httptest.NewRequest(http.MethodOptions, "/api/channels", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS, got %d", rr.Code)
	}
}

func TestSignUpThenSignIn(t *testing.T) {
	m := newMemStore()
	server := NewHTTPServer(newTestService(testConfig(), m, nil), "*")

	signup := bytes.NewBufferString(`{"username":"Avery","email":"avery@example.com","password":"hunter2hunter2"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", signup)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["token"] == "" || payload["refreshToken"] == "" {
		t.Fatalf("missing tokens: %v", payload)
	}
	if payload["username"] != "avery" {
		t.Fatalf("username = %v, want normalized avery", payload["username"])
	}

	signin := bytes.NewBufferString(`{"email":"avery@example.com","password":"hunter2hunter2"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/auth/signin", signin)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("signin: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	bad := bytes.NewBufferString(`{"email":"avery@example.com","password":"wrong-password"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/auth/signin", bad)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: expected 401, got %d", rr.Code)
	}
	if payload := decodeResponse(t, rr); payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestProtectedRouteWithoutBearer(t *testing.T) {
	server := NewHTTPServer(newTestService(testConfig(), newMemStore(), nil), "*")

	req := httptest.NewRequest(http.MethodPost, "/api/channels", bytes.NewBufferString(`{"name":"general"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if payload := decodeResponse(t, rr); payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestCreateMessageEndpoint(t *testing.T) {
	m := newMemStore()
	user := seedUser(m, "usr_alice", "alice")
	seedChannel(m, "ch_general", false, true)
	server := NewHTTPServer(newTestService(testConfig(), m, newFakePublisher()), "*")

	body := bytes.NewBufferString(`{"body":"hello *there*","stagedId":"staged-9"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/channels/ch_general/messages", body)
	req.Header.Set("Authorization", "Bearer "+testBearer(t, user))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	msg := payload["message"].(map[string]any)
	if msg["stagedId"] != "staged-9" {
		t.Fatalf("stagedId = %v", msg["stagedId"])
	}
	if msg["cooked"] == "" {
		t.Fatal("expected cooked body")
	}
	if _, hasThread := payload["thread"]; hasThread {
		t.Fatal("plain message should carry no thread")
	}
}

func TestCreateMessageEndpointReplyReturnsThread(t *testing.T) {
	m := newMemStore()
	seedUser(m, "usr_alice", "alice")
	bob := seedUser(m, "usr_bob", "bob")
	seedChannel(m, "ch_general", false, true)
	seedMessage(m, "msg_root", "ch_general", "usr_alice", nil, nil)
	server := NewHTTPServer(newTestService(testConfig(), m, newFakePublisher()), "*")

	body := bytes.NewBufferString(`{"body":"reply","inReplyToId":"msg_root"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/channels/ch_general/messages", body)
	req.Header.Set("Authorization", "Bearer "+testBearer(t, bob))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	thread, ok := payload["thread"].(map[string]any)
	if !ok {
		t.Fatalf("expected thread in response: %v", payload)
	}
	if thread["originalMessageId"] != "msg_root" {
		t.Fatalf("thread root = %v", thread["originalMessageId"])
	}
	if payload["threadCreated"] != true {
		t.Fatalf("threadCreated = %v", payload["threadCreated"])
	}
}

func TestCreateMessageEndpointPolicyFailureShape(t *testing.T) {
	m := newMemStore()
	user := seedUser(m, "usr_alice", "alice")
	user.Silenced = true
	m.users[user.ID] = user
	seedChannel(m, "ch_general", false, true)
	server := NewHTTPServer(newTestService(testConfig(), m, nil), "*")

	body := bytes.NewBufferString(`{"body":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/channels/ch_general/messages", body)
	req.Header.Set("Authorization", "Bearer "+testBearer(t, user))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "POLICY_VIOLATION" {
		t.Fatalf("code = %v", payload["code"])
	}
	details := payload["details"].(map[string]any)
	if details["policy"] != "no_silenced_user" {
		t.Fatalf("details = %v", details)
	}
}

func TestWebhookMessageEndpoint(t *testing.T) {
	m := newMemStore()
	seedUser(m, "usr_alice", "alice")
	seedChannel(m, "ch_general", false, true)
	m.webhooks["wh_ci"] = store.IncomingWebhook{ID: "wh_ci", ChannelID: "ch_general", Name: "ci", SecretKey: "s3cret"}
	server := NewHTTPServer(newTestService(testConfig(), m, newFakePublisher()), "*")

	body := bytes.NewBufferString(`{"text":"build passed","username":"alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/wh_ci/messages", body)
	req.Header.Set("X-Parley-Webhook-Token", "s3cret")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(m.webhookEvents) != 1 {
		t.Fatalf("webhook events = %d", len(m.webhookEvents))
	}

	// Missing token never reaches the service.
	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/wh_ci/messages", bytes.NewBufferString(`{"text":"x","username":"alice"}`))
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
}

func TestDraftEndpoint(t *testing.T) {
	m := newMemStore()
	user := seedUser(m, "usr_alice", "alice")
	seedChannel(m, "ch_general", false, true)
	server := NewHTTPServer(newTestService(testConfig(), m, nil), "*")

	body := bytes.NewBufferString(`{"body":"half-written"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/channels/ch_general/draft", body)
	req.Header.Set("Authorization", "Bearer "+testBearer(t, user))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if draft, ok := m.drafts["ch_general/usr_alice"]; !ok || draft.Body != "half-written" {
		t.Fatalf("draft = %+v", draft)
	}

	// Blank body clears the draft.
	req = httptest.NewRequest(http.MethodPut, "/api/channels/ch_general/draft", bytes.NewBufferString(`{"body":""}`))
	req.Header.Set("Authorization", "Bearer "+testBearer(t, user))
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := m.drafts["ch_general/usr_alice"]; ok {
		t.Fatal("draft should be deleted")
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	m := newMemStore()
	user := seedUser(m, "usr_alice", "alice")
	server := NewHTTPServer(newTestService(testConfig(), m, nil), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	req.Header.Set("Authorization", "Bearer "+testBearer(t, user))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
