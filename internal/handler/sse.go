package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/searchchat/internal/chat"
	"github.com/hitoshi/searchchat/internal/model"
)

// SSEイベント名
const (
	sseEventText      = "text"
	sseEventArtifact  = "artifact"
	sseEventError     = "error"
	sseEventCancelled = "cancelled"
	sseEventDone      = "done"
)

const defaultHeartbeatInterval = 15 * time.Second

// sseStream は chat.Sink を実装し、ストリーミングイベントをServer-Sent Eventsとして書き出す。
//
// レスポンスヘッダーは最初のイベントまたはハートビートの時点で送信する。
// それより前に失敗した場合、呼び出し側は通常のJSONエラーレスポンスを返せる。
type sseStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu      sync.Mutex
	started bool
	broken  bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ chat.Sink = (*sseStream)(nil)

// newSSEStream はハートビートを開始したsseStreamを返す。
func newSSEStream(w http.ResponseWriter, heartbeat time.Duration) *sseStream {
	s := &sseStream{
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	s.wg.Add(1)
	go s.heartbeat(heartbeat)
	return s
}

func (s *sseStream) heartbeat(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.writeLocked(": ping\n\n")
			s.mu.Unlock()
		}
	}
}

// stopHeartbeat はハートビートを止め、終了を待つ。
func (s *sseStream) stopHeartbeat() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// Started はレスポンスヘッダーを送信済みかどうかを返す。
func (s *sseStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// OnText はテキスト断片をtextイベントとして送る。
func (s *sseStream) OnText(chunk string) {
	s.event(sseEventText, textPayload{Delta: chunk})
}

// OnArtifact はアーティファクトをartifactイベントとして送る。
func (s *sseStream) OnArtifact(a *model.Artifact) {
	s.event(sseEventArtifact, a)
}

// event は名前付きイベントを1件書き出す。
func (s *sseStream) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

func (s *sseStream) writeLocked(frame string) {
	if s.broken {
		return
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		s.broken = true
		return
	}
	if err := s.rc.Flush(); err != nil {
		s.broken = true
	}
}

// textPayload はtextイベントのデータ。
type textPayload struct {
	Delta string `json:"delta"`
}

// turnPayload はdone・cancelledイベントのデータ。
type turnPayload struct {
	RequestID string            `json:"requestId"`
	State     chat.RequestState `json:"state"`
	Message   *model.Message    `json:"message,omitempty"`
	Artifact  *model.Artifact   `json:"artifact,omitempty"`
}

func newTurnPayload(result *chat.TurnResult) turnPayload {
	return turnPayload{
		RequestID: result.RequestID,
		State:     result.State,
		Message:   result.Message,
		Artifact:  result.Artifact,
	}
}
