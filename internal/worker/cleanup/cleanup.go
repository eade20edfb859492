// Package cleanup はメモリ上のチャットセッションの定期削除ジョブを提供する。
// 一定時間操作されていないセッションを取り除き、セッション数をメトリクスに記録する。
// 取り除いたセッションの履歴はDBに残っており、次のアクセス時に再読み込みされる。
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// DefaultIdleTTL はセッションを保持する既定の時間。
const DefaultIdleTTL = 30 * time.Minute

// SessionEvictor はメモリ上のセッションを管理するレジストリ。
type SessionEvictor interface {
	FlushPending(ctx context.Context) (int, error)
	EvictIdle(idleTTL time.Duration) int
	SessionCount() int
}

// Recorder はジョブの結果をメトリクスに記録する。
type Recorder interface {
	RecordActiveSessions(n int)
	RecordEvictedSessions(n int)
}

type noopRecorder struct{}

func (noopRecorder) RecordActiveSessions(int)  {}
func (noopRecorder) RecordEvictedSessions(int) {}

// CleanupJob はアイドルセッションの削除ジョブ。
// 処理中のセッションは削除対象にならないため、何度実行しても安全。
type CleanupJob struct {
	sessions SessionEvictor
	recorder Recorder
	logger   *slog.Logger
	IdleTTL  time.Duration // セッションの保持時間（デフォルト: 30分）
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderがnilの場合は記録しない。
func NewCleanupJob(sessions SessionEvictor, recorder Recorder, logger *slog.Logger) *CleanupJob {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &CleanupJob{
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
		IdleTTL:  DefaultIdleTTL,
	}
}

// Run はIdleTTL以上操作されていないセッションを削除し、残りのセッション数を記録する。
func (j *CleanupJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	// 未保存のメッセージが残るセッションは追い出されないため、先に保存を再試行する。
	flushed, err := j.sessions.FlushPending(ctx)
	if err != nil {
		j.logger.Warn("未保存のメッセージを保存できませんでした",
			slog.String("error", err.Error()),
		)
	}

	evicted := j.sessions.EvictIdle(j.IdleTTL)
	active := j.sessions.SessionCount()

	j.recorder.RecordEvictedSessions(evicted)
	j.recorder.RecordActiveSessions(active)

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int("flushed_count", flushed),
		slog.Int("evicted_count", evicted),
		slog.Int("active_count", active),
		slog.Duration("idle_ttl", j.IdleTTL),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
