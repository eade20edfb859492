package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/searchchat/internal/auth"
	"github.com/hitoshi/searchchat/internal/model"
)

// --- モック定義 ---

type mockSessionEnsurer struct {
	ensureSessionFn func(ctx context.Context, rawToken string) (*auth.Session, error)
	lastToken       string
}

func (m *mockSessionEnsurer) EnsureSession(ctx context.Context, rawToken string) (*auth.Session, error) {
	m.lastToken = rawToken
	if m.ensureSessionFn != nil {
		return m.ensureSessionFn(ctx, rawToken)
	}
	return nil, errors.New("not configured")
}

func sessionFor(accountID, token string, issued bool) *auth.Session {
	return &auth.Session{
		Token:  token,
		Claims: &auth.SessionToken{AccountID: accountID},
		Issued: issued,
	}
}

func sessionCookieFrom(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

var testCookieConfig = CookieConfig{Secure: true, Domain: "chat.example.com", MaxAge: time.Hour}

// --- テスト ---

func TestSessionMiddleware_ValidToken_InjectsAccountID(t *testing.T) {
	ensurer := &mockSessionEnsurer{
		ensureSessionFn: func(ctx context.Context, rawToken string) (*auth.Session, error) {
			return sessionFor("account-123", rawToken, false), nil
		},
	}

	var captured string
	handler := NewSessionMiddleware(ensurer, testCookieConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := AccountIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		captured = id
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "signed-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if ensurer.lastToken != "signed-token" {
		t.Errorf("token passed = %q, want %q", ensurer.lastToken, "signed-token")
	}
	if captured != "account-123" {
		t.Errorf("accountID = %q, want %q", captured, "account-123")
	}
	if sessionCookieFrom(w.Result()) != nil {
		t.Error("cookie should not be rewritten for an existing session")
	}
}

func TestSessionMiddleware_NoCookie_IssuesAnonymousSession(t *testing.T) {
	ensurer := &mockSessionEnsurer{
		ensureSessionFn: func(ctx context.Context, rawToken string) (*auth.Session, error) {
			if rawToken != "" {
				t.Errorf("rawToken = %q, want empty", rawToken)
			}
			return sessionFor("anon-1", "new-token", true), nil
		},
	}

	handler := NewSessionMiddleware(ensurer, testCookieConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	c := sessionCookieFrom(w.Result())
	if c == nil {
		t.Fatal("expected session cookie to be set")
	}
	if c.Value != "new-token" {
		t.Errorf("cookie value = %q, want %q", c.Value, "new-token")
	}
	if !c.HttpOnly || !c.Secure {
		t.Errorf("cookie should be HttpOnly and Secure: %+v", c)
	}
	if c.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", c.MaxAge)
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", c.SameSite)
	}
}

func TestSessionMiddleware_ProvisioningFailure_Returns503(t *testing.T) {
	ensurer := &mockSessionEnsurer{
		ensureSessionFn: func(ctx context.Context, rawToken string) (*auth.Session, error) {
			return nil, model.ErrProvisioningFailed
		},
	}

	handler := NewSessionMiddleware(ensurer, testCookieConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeProvisioningFailed {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeProvisioningFailed)
	}
}

func TestSessionMiddleware_UnexpectedError_Returns500(t *testing.T) {
	ensurer := &mockSessionEnsurer{
		ensureSessionFn: func(ctx context.Context, rawToken string) (*auth.Session, error) {
			return nil, errors.New("signing failed")
		},
	}

	handler := NewSessionMiddleware(ensurer, testCookieConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestClearSessionCookie_Expires(t *testing.T) {
	w := httptest.NewRecorder()
	ClearSessionCookie(w, testCookieConfig)

	c := sessionCookieFrom(w.Result())
	if c == nil {
		t.Fatal("expected cookie header")
	}
	if c.MaxAge >= 0 || c.Value != "" {
		t.Errorf("cookie should be expired: %+v", c)
	}
}

func TestAccountIDFromContext(t *testing.T) {
	if _, err := AccountIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}

	ctx := ContextWithAccountID(context.Background(), "account-9")
	got, err := AccountIDFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "account-9" {
		t.Errorf("accountID = %q, want %q", got, "account-9")
	}
}
