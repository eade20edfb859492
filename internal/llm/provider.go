// Package llm はモデルプロバイダとのストリーミング通信を抽象化する。
//
// Provider は会話履歴とモードを受け取り、テキスト断片・アーティファクト・終端・エラーを
// 順に返す Stream を開く。Stream は再開できないため、再試行では新しい Stream を開く。
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/searchchat/internal/model"
)

// EventKind はストリームイベントの種類を表す。
type EventKind string

const (
	EventText     EventKind = "text"
	EventArtifact EventKind = "artifact"
	EventEnd      EventKind = "end"
	EventError    EventKind = "error"
)

// Event はストリームから受け取る1件のイベント。
type Event struct {
	Kind     EventKind
	Text     string
	Artifact *model.Artifact
	Err      error
}

// Request はプロバイダへの生成リクエスト。
// 添付ファイルは History 内の各メッセージが保持する。
type Request struct {
	RequestID string
	ChatID    string
	Model     string
	Mode      model.Mode
	History   []model.Message
}

// Stream はプロバイダの応答を逐次読み出すイテレータ。
// エラーは EventError として1度だけ通知され、その後 Next は false を返す。
// Next と Close は同じゴルーチンから呼び出すこと。
type Stream interface {
	Next() bool
	Current() Event
	Err() error
	Close() error
}

// Provider はモデルプロバイダのインターフェースを定義する。
type Provider interface {
	// Name はメトリクスやログに使うプロバイダ名を返す。
	Name() string
	// Catalog は選択可能なモデルの一覧を返す。
	Catalog() Catalog
	// Stream は生成ストリームを開く。接続前に失敗した場合はエラーを返す。
	Stream(ctx context.Context, req Request) (Stream, error)
}

// APIError はプロバイダが返した構造化エラーを表す。
type APIError struct {
	Provider   string
	StatusCode int
	Code       string
	Type       string
	Message    string
	RetryAfter time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(" api error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// IsRateLimit はレート制限またはクォータ枯渇を示すエラーかどうかを返す。
func (e *APIError) IsRateLimit() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	switch strings.ToLower(e.Code) {
	case "rate_limit_exceeded", "insufficient_quota", "resource_exhausted":
		return true
	}
	switch strings.ToLower(e.Type) {
	case "rate_limit_error", "insufficient_quota", "resource_exhausted":
		return true
	}
	return false
}

// ParseRetryAfter はRetry-Afterヘッダの値（秒数またはHTTP日付）を解釈する。
// 解釈できない場合は0を返す。
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// eventQueue はプロバイダのチャンクを複数イベントに展開するためのFIFO。
type eventQueue struct {
	pending []Event
	current Event
	err     error
	done    bool
}

func (q *eventQueue) push(ev Event) {
	q.pending = append(q.pending, ev)
}

// fail はエラーイベントを積み、以降のチャンク読み出しを止める。
func (q *eventQueue) fail(err error) {
	q.err = err
	q.done = true
	q.push(Event{Kind: EventError, Err: err})
}

func (q *eventQueue) pop() bool {
	if len(q.pending) == 0 {
		return false
	}
	q.current = q.pending[0]
	q.pending = q.pending[1:]
	return true
}
