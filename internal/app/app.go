// Package app はアプリケーションの初期化と起動モードごとの実行を提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/searchchat/internal/admission"
	"github.com/hitoshi/searchchat/internal/auth"
	"github.com/hitoshi/searchchat/internal/chat"
	"github.com/hitoshi/searchchat/internal/config"
	"github.com/hitoshi/searchchat/internal/database"
	"github.com/hitoshi/searchchat/internal/handler"
	"github.com/hitoshi/searchchat/internal/llm"
	"github.com/hitoshi/searchchat/internal/logger"
	"github.com/hitoshi/searchchat/internal/metrics"
	"github.com/hitoshi/searchchat/internal/middleware"
	"github.com/hitoshi/searchchat/internal/repository"
	"github.com/hitoshi/searchchat/internal/security"
	"github.com/hitoshi/searchchat/internal/worker/cleanup"
)

const (
	shutdownTimeout        = 30 * time.Second
	sessionCleanupInterval = 5 * time.Minute
	pingTimeout            = 5 * time.Second
)

// startupTimeout は依存サービスの起動を待つ最大時間。
var startupTimeout = 60 * time.Second

// Init はアプリケーションの初期化を行う。
// .envがあれば読み込み、JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		Usage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("llm_provider", cfg.LLMProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DBとRedisの起動を待ち、全依存関係をワイヤリングしてAPIサーバーとメトリクスサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := waitFor(ctx, "database", db.PingContext); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. アドミッション制御
	counters, closeCounters, err := newCounterStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCounters()

	admitter := admission.NewController(counters, admission.Config{
		Limit:         cfg.RequestLimit,
		Window:        cfg.RateWindow,
		FailurePolicy: admission.FailurePolicy(cfg.CounterFailurePolicy),
	}, collector)

	// 4. モデルプロバイダ
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}

	// 5. リポジトリとドメインサービス
	accountRepo := repository.NewPostgresAccountRepo(db)
	chatRepo := repository.NewPostgresChatRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)
	voteRepo := repository.NewPostgresVoteRepo(db)

	sessionMaxAge := time.Duration(cfg.SessionMaxAge) * time.Second
	tokens := auth.NewTokenIssuer(cfg.SessionSecret, sessionMaxAge)
	resolver := auth.NewResolver(accountRepo, auth.ResolverConfig{Recorder: collector})
	authService := auth.NewService(resolver, tokens, accountRepo)

	chatService := chat.NewService(chat.ServiceDeps{
		Chats:     chatRepo,
		Messages:  messageRepo,
		Votes:     voteRepo,
		Admitter:  admitter,
		Provider:  provider,
		Sanitizer: security.NewArtifactSanitizer(),
		Verifier:  security.NewAttachmentVerifier(security.NewURLGuard(), cfg.AttachmentVerify),
		Recorder:  collector,
	}, chat.ServiceConfig{IdleStreamTimeout: cfg.IdleStreamTimeout})

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.LoginRatePerMinute))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:  db,
		SessionEnsurer: authService,
		Cookie: middleware.CookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
			MaxAge: sessionMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		AuthService:       authService,
		ChatService:       chatService,
	})

	// 7. サーバーとバックグラウンドジョブの起動
	// SSEの応答は長時間続くため、WriteTimeoutは設定しない。
	apiServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanupJob := cleanup.NewCleanupJob(chatService, collector, slog.Default())
	cleanupJob.IdleTTL = cfg.SessionIdleTTL

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", apiServer.Addr))
		return listen(apiServer)
	})
	g.Go(func() error {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		return listen(metricsServer)
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, sessionCleanupInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 評価や未保存のターンはDBを閉じる前に書き出す。
		return errors.Join(
			apiServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
			chatService.Drain(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}

	slog.Info("servers stopped gracefully")
	return nil
}

// listen はサーバーを起動する。Shutdownによる終了はエラーとして扱わない。
func listen(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", server.Addr, err)
	}
	return nil
}

// newCounterStore はアドミッション制御のカウンタストアを生成する。
// REDIS_URLが未設定の場合はプロセス内のストアを使う。
func newCounterStore(ctx context.Context, cfg *config.Config) (admission.CounterStore, func(), error) {
	if cfg.RedisURL == "" {
		store := admission.NewMemoryCounterStore(0)
		slog.Info("using in-memory counter store")
		return store, store.Stop, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	closeClient := func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}

	// fail-open/fail-closedで扱えるため、起動時に到達できなくても続行する
	if err := waitFor(ctx, "redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}); err != nil {
		if ctx.Err() != nil {
			closeClient()
			return nil, nil, ctx.Err()
		}
		slog.Warn("redis is unreachable, continuing with failure policy",
			slog.String("policy", cfg.CounterFailurePolicy),
			slog.String("error", err.Error()),
		)
	} else {
		slog.Info("redis connection established")
	}
	return admission.NewRedisCounterStore(client), closeClient, nil
}

// newProvider は設定に応じたモデルプロバイダを生成する。
func newProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLMProvider {
	case config.ProviderGemini:
		p, err := llm.NewGeminiProvider(ctx, llm.GeminiOptions{
			APIKey:        cfg.GeminiAPIKey,
			ChatModel:     cfg.GeminiModel,
			ResearchModel: cfg.GeminiResearchModel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini provider: %w", err)
		}
		return p, nil
	default:
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	}
}

// waitFor は依存サービスが応答するまで指数バックオフで ping を繰り返す。
func waitFor(ctx context.Context, name string, ping func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return struct{}{}, ping(pingCtx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(startupTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("waiting for dependency",
				slog.String("dependency", name),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	return err
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
