// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/searchchat/internal/auth"
	"github.com/hitoshi/searchchat/internal/middleware"
	"github.com/hitoshi/searchchat/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, cred auth.Credential) (*auth.Session, error)
	Login(ctx context.Context, cred auth.Credential) (*auth.Session, error)
	CurrentAccount(ctx context.Context, accountID string) (*model.Account, error)
}

var _ AuthServiceInterface = (*auth.Service)(nil)

// AuthHandler はアカウント登録とログインのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	cookie  middleware.CookieConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, cookie middleware.CookieConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		cookie:  cookie,
	}
}

type credentialRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// accountResponse はアカウント情報のレスポンス。
type accountResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Anonymous bool   `json:"anonymous"`
}

// Register はアカウントを登録し、セッションCookieを発行する。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.Register(r.Context(), auth.Credential{Email: req.Email, Password: req.Password})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.SetSessionCookie(w, session.Token, h.cookie)
	writeJSON(w, http.StatusCreated, sessionAccount(session))
}

// Login はメールアドレスとパスワードで認証し、セッションCookieを発行する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.Login(r.Context(), auth.Credential{Email: req.Email, Password: req.Password})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.SetSessionCookie(w, session.Token, h.cookie)
	writeJSON(w, http.StatusOK, sessionAccount(session))
}

// Logout はセッションCookieを削除する。
// 次のリクエストでは新しい匿名アカウントが割り当てられる。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	middleware.ClearSessionCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のアカウント情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	account, err := h.service.CurrentAccount(r.Context(), acct)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		ID:        account.ID,
		Email:     account.Email,
		Anonymous: account.IsAnonymous(),
	})
}

func sessionAccount(s *auth.Session) accountResponse {
	return accountResponse{
		ID:    s.Claims.AccountID,
		Email: s.Claims.Email,
	}
}
