package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLMプロバイダ名
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// カウンタストア障害時のポリシー名
const (
	FailOpen   = "fail-open"
	FailClosed = "fail-closed"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（空の場合はインメモリのカウンタストアを使用する）
	RedisURL string

	// Session
	SessionSecret  string
	SessionMaxAge  int
	SessionIdleTTL time.Duration

	// Admission
	RequestLimit         int
	RateWindow           time.Duration
	CounterFailurePolicy string

	// Login throttling
	LoginRatePerMinute int

	// LLM
	LLMProvider         string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	GeminiAPIKey        string
	GeminiModel         string
	GeminiResearchModel string
	IdleStreamTimeout   time.Duration

	// Attachments
	AttachmentVerify bool

	// Server
	ServerPort  string
	MetricsPort string
	BaseURL     string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.LLMProvider = strings.ToLower(getEnvString("LLM_PROVIDER", ProviderOpenAI))
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	switch cfg.LLMProvider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	default:
		return nil, fmt.Errorf("unsupported LLM_PROVIDER: %q", cfg.LLMProvider)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.CounterFailurePolicy = strings.ToLower(getEnvString("COUNTER_STORE_FAILURE_POLICY", FailOpen))
	if cfg.CounterFailurePolicy != FailOpen && cfg.CounterFailurePolicy != FailClosed {
		return nil, fmt.Errorf("invalid COUNTER_STORE_FAILURE_POLICY: %q", cfg.CounterFailurePolicy)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 2592000)
	cfg.SessionIdleTTL = getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute)
	cfg.RequestLimit = getEnvInt("REQUEST_LIMIT", 5)
	cfg.RateWindow = time.Duration(getEnvInt("RATE_WINDOW_SECONDS", 60)) * time.Second
	cfg.LoginRatePerMinute = getEnvInt("LOGIN_RATE_PER_MINUTE", 10)
	cfg.OpenAIBaseURL = getEnvString("OPENAI_BASE_URL", "")
	cfg.GeminiModel = getEnvString("GEMINI_MODEL", "gemini-2.5-flash")
	cfg.GeminiResearchModel = getEnvString("GEMINI_RESEARCH_MODEL", "gemini-2.5-pro")
	cfg.IdleStreamTimeout = getEnvDuration("IDLE_STREAM_TIMEOUT", 30*time.Second)
	cfg.AttachmentVerify = getEnvBool("ATTACHMENT_VERIFY", false)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:"+cfg.ServerPort)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.RequestLimit < 1 {
		return nil, fmt.Errorf("REQUEST_LIMIT must be positive: %d", cfg.RequestLimit)
	}
	if cfg.RateWindow <= 0 {
		return nil, fmt.Errorf("RATE_WINDOW_SECONDS must be positive: %s", cfg.RateWindow)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
