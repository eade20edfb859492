package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/searchchat/internal/logger"
	"github.com/hitoshi/searchchat/internal/middleware"
)

const healthCheckTimeout = 2 * time.Second

// HealthChecker はヘルスチェックで疎通を確認する依存先。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionEnsurer    middleware.SessionEnsurer
	Cookie            middleware.CookieConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 認証
	AuthService AuthServiceInterface

	// チャット
	ChatService ChatServiceInterface
	// HeartbeatInterval はSSEのハートビート間隔。0の場合は既定値を使う。
	HeartbeatInterval time.Duration
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS → CSRF
//	→ (認証が必要なルート) Session → RateLimit(General)
//
// /health と /api/csrf-token はセッションを要求しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(base))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookie)
	chatHandler := NewChatHandler(deps.ChatService)
	if deps.HeartbeatInterval > 0 {
		chatHandler.heartbeat = deps.HeartbeatInterval
	}

	// --- セッション不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	r.Route("/api/auth", func(r chi.Router) {
		r.With(deps.RateLimiter.LoginMiddleware()).Post("/register", authHandler.Register)
		r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
	})

	// --- セッションが必要なルート ---
	// 有効なセッションがなければ匿名アカウントが割り当てられる。
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionEnsurer, deps.Cookie))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/api/models", chatHandler.Models)

		r.Route("/api/chats", func(r chi.Router) {
			r.Get("/", chatHandler.ListChats)
			r.Post("/", chatHandler.CreateChat)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", chatHandler.GetChat)
				r.Post("/messages", chatHandler.SendMessage)
				r.Post("/retry", chatHandler.Retry)
				r.Post("/stop", chatHandler.Stop)
				r.Post("/artifact/dismiss", chatHandler.DismissArtifact)
				r.Put("/mode", chatHandler.SetMode)
				r.Get("/votes", chatHandler.ListVotes)
				r.Post("/votes", chatHandler.Vote)
			})
		})
	})

	return r
}

// healthHandler はDBへの疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				logger.FromContext(r.Context()).Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
