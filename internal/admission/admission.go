// Package admission はアカウント単位のスライディングウィンドウ方式のリクエスト制限を提供する。
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// FailurePolicy はカウンタストアに到達できない場合の判定方針を表す。
type FailurePolicy string

const (
	// FailOpen はストア障害時にリクエストを許可する。
	FailOpen FailurePolicy = "fail-open"
	// FailClosed はストア障害時にリクエストを拒否する。
	FailClosed FailurePolicy = "fail-closed"
)

// ParseFailurePolicy は文字列をFailurePolicyに変換する。
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(s)) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown failure policy: %q", s)
	}
}

// Result はカウンタストアの判定結果を表す。
type Result struct {
	Allowed   bool
	Remaining int
	// ResetAt はウィンドウ内の最古の記録が期限切れになる時刻。
	ResetAt time.Time
}

// CounterStore はキーごとのリクエスト記録を保持するストア。
// IncrementAndCheck はキー単位で原子的に動作し、拒否したリクエストは記録しない。
type CounterStore interface {
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Recorder はアドミッション判定のメトリクスを記録する。
type Recorder interface {
	RecordAdmission(result string)
	RecordCounterStoreFailure(policy string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAdmission(string)           {}
func (noopRecorder) RecordCounterStoreFailure(string) {}

// Config はアドミッション制御の設定を保持する。
type Config struct {
	Limit         int
	Window        time.Duration
	FailurePolicy FailurePolicy
	KeyPrefix     string
}

// DefaultConfig はデフォルト設定（60秒あたり5リクエスト、fail-open）を返す。
func DefaultConfig() Config {
	return Config{
		Limit:         5,
		Window:        60 * time.Second,
		FailurePolicy: FailOpen,
		KeyPrefix:     "admission",
	}
}

// Decision はアドミッション判定の結果を表す。
// 拒否はエラーではなく値として返す。
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Degraded はストア障害によりポリシーで判定したことを示す。
	Degraded bool
}

// Controller はアカウントごとのリクエスト数を制限する。
type Controller struct {
	store    CounterStore
	config   Config
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewController はControllerを生成する。recorderがnilの場合は記録しない。
func NewController(store CounterStore, cfg Config, recorder Recorder) *Controller {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailOpen
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Controller{
		store:    store,
		config:   cfg,
		recorder: recorder,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// Admit はidentityKeyのリクエストを許可するかを判定する。
// ストアに到達できない場合は設定されたポリシーに従い、その旨をWARNで記録する。
func (c *Controller) Admit(ctx context.Context, identityKey string) Decision {
	key := c.config.KeyPrefix + ":" + identityKey

	res, err := c.store.IncrementAndCheck(ctx, key, c.config.Limit, c.config.Window)
	if err != nil {
		return c.degraded(identityKey, err)
	}

	if res.Allowed {
		c.recorder.RecordAdmission("allowed")
		return Decision{Allowed: true, Remaining: res.Remaining}
	}

	retryAfter := res.ResetAt.Sub(c.now())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	c.recorder.RecordAdmission("denied")
	c.logger.Info("request denied by admission control",
		slog.String("account_id", identityKey),
		slog.Int("limit", c.config.Limit),
		slog.Duration("retry_after", retryAfter),
	)
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

func (c *Controller) degraded(identityKey string, err error) Decision {
	policy := c.config.FailurePolicy
	c.recorder.RecordCounterStoreFailure(string(policy))
	c.logger.Warn("counter store unavailable, applying failure policy",
		slog.String("policy", string(policy)),
		slog.String("account_id", identityKey),
		slog.String("error", err.Error()),
	)

	if policy == FailClosed {
		c.recorder.RecordAdmission("denied")
		return Decision{Allowed: false, RetryAfter: c.config.Window, Degraded: true}
	}
	c.recorder.RecordAdmission("allowed")
	return Decision{Allowed: true, Degraded: true}
}
