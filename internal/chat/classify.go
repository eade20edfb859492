package chat

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/hitoshi/searchchat/internal/llm"
	"github.com/hitoshi/searchchat/internal/model"
)

// DefaultQuotaCooldown はプロバイダが待機時間を示さなかった場合のクールダウン。
const DefaultQuotaCooldown = 10 * time.Second

var (
	// errIdleTimeout はアイドル時間内にチャンクを受信できなかったことを示す。
	errIdleTimeout = errors.New("no chunk received within the idle window")
	// errStopped は利用者の停止操作によるキャンセル原因。
	errStopped = errors.New("stopped by caller")
	// errSessionRetired はレジストリから取り除かれたセッションへの操作を示す。
	errSessionRetired = errors.New("chat session was evicted")
)

// classify は失敗したターンのエラーをクォータ超過・通信エラー・プロバイダエラーに分類する。
// 構造化されたプロバイダエラーを先に調べ、判別できないものはプロバイダエラーとする。
func classify(err error) *model.TurnError {
	var turnErr *model.TurnError
	if errors.As(err, &turnErr) {
		return turnErr
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsRateLimit() {
			retryAfter := apiErr.RetryAfter
			if retryAfter <= 0 {
				retryAfter = DefaultQuotaCooldown
			}
			return &model.TurnError{Kind: model.TurnErrorQuota, RetryAfter: retryAfter, Err: err}
		}
		return &model.TurnError{Kind: model.TurnErrorProvider, Err: err}
	}

	if isTransport(err) {
		return &model.TurnError{Kind: model.TurnErrorTransport, Err: err}
	}
	return &model.TurnError{Kind: model.TurnErrorProvider, Err: err}
}

func isTransport(err error) bool {
	if errors.Is(err, errIdleTimeout) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
