package admission

import (
	"context"
	"sync"
	"time"
)

// hitLog はキーごとの許可済みリクエスト時刻の記録。
type hitLog struct {
	hits       []time.Time
	lastAccess time.Time
}

// MemoryCounterStore はプロセス内で記録を保持するCounterStore。
// 単一インスタンス構成とテストで使用する。
type MemoryCounterStore struct {
	mu        sync.Mutex
	logs      map[string]*hitLog
	maxWindow time.Duration

	cleanupInterval time.Duration
	now             func() time.Time
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewMemoryCounterStore は新しいMemoryCounterStoreを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewMemoryCounterStore(cleanupInterval time.Duration) *MemoryCounterStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	s := &MemoryCounterStore{
		logs:            make(map[string]*hitLog),
		cleanupInterval: cleanupInterval,
		now:             time.Now,
		stopCh:          make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (s *MemoryCounterStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// IncrementAndCheck はウィンドウ外の記録を破棄したうえで、上限未満なら記録して許可する。
func (s *MemoryCounterStore) IncrementAndCheck(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if window > s.maxWindow {
		s.maxWindow = window
	}

	log, ok := s.logs[key]
	if !ok {
		log = &hitLog{}
		s.logs[key] = log
	}
	log.lastAccess = now

	cutoff := now.Add(-window)
	i := 0
	for i < len(log.hits) && !log.hits[i].After(cutoff) {
		i++
	}
	log.hits = log.hits[i:]

	if len(log.hits) >= limit {
		resetAt := now.Add(window)
		if len(log.hits) > 0 {
			resetAt = log.hits[0].Add(window)
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	log.hits = append(log.hits, now)
	return Result{
		Allowed:   true,
		Remaining: limit - len(log.hits),
		ResetAt:   log.hits[0].Add(window),
	}, nil
}

// KeyCount は現在管理されているキーの数を返す。
// テストおよびメトリクス用。
func (s *MemoryCounterStore) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (s *MemoryCounterStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスから最大ウィンドウ幅以上経過したキーを削除する。
func (s *MemoryCounterStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := s.maxWindow
	if ttl < s.cleanupInterval {
		ttl = s.cleanupInterval
	}
	for key, log := range s.logs {
		if now.Sub(log.lastAccess) > ttl {
			delete(s.logs, key)
		}
	}
}

// compile-time interface check
var _ CounterStore = (*MemoryCounterStore)(nil)
