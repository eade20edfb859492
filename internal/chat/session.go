package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/searchchat/internal/admission"
	"github.com/hitoshi/searchchat/internal/llm"
	"github.com/hitoshi/searchchat/internal/logger"
	"github.com/hitoshi/searchchat/internal/model"
)

// RequestState は進行中リクエストの状態を表す。
type RequestState string

const (
	StateIdle      RequestState = "idle"
	StateStreaming RequestState = "streaming"
	StateCompleted RequestState = "completed"
	StateErrored   RequestState = "errored"
	StateCancelled RequestState = "cancelled"
)

// PanelState はアーティファクトパネルの表示状態を表す。
type PanelState string

const (
	PanelHidden  PanelState = "hidden"
	PanelVisible PanelState = "visible"
)

// Admitter はアカウント単位のリクエスト可否を判定する。
type Admitter interface {
	Admit(ctx context.Context, identityKey string) admission.Decision
}

// TurnStore は確定したターンを保存する。
type TurnStore interface {
	SaveTurn(ctx context.Context, chatID string, replaced []string, messages []model.Message) error
}

// VoteStore はメッセージ評価を読み書きする。
type VoteStore interface {
	ListByChatID(ctx context.Context, chatID string) ([]model.Vote, error)
	Upsert(ctx context.Context, vote model.Vote) error
}

// ArtifactSanitizer はプロバイダから受け取ったアーティファクトを表示用に無害化する。
type ArtifactSanitizer interface {
	SanitizeArtifact(a *model.Artifact) *model.Artifact
}

// Recorder はターンの結果をメトリクスに記録する。
type Recorder interface {
	RecordTurn(provider, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) RecordTurn(string, string) {}

// Sink はストリーミング中のイベントを呼び出し側へ届ける。
// 呼び出しはターンを処理するゴルーチンから受信順に行われる。
type Sink interface {
	OnText(chunk string)
	OnArtifact(a *model.Artifact)
}

type discardSink struct{}

func (discardSink) OnText(string)              {}
func (discardSink) OnArtifact(*model.Artifact) {}

// SubmitInput は送信するメッセージの内容。
type SubmitInput struct {
	Text        string
	Attachments []model.Attachment
	// Mode が空でなければ、このターンから適用する。
	Mode           model.Mode
	ChatModel      string
	ReasoningModel string
}

// TurnResult はターンの終了状態を表す。
type TurnResult struct {
	RequestID string
	State     RequestState
	// Message は確定したアシスタントメッセージ、またはキャンセル時の暫定メッセージ。
	Message  *model.Message
	Artifact *model.Artifact
}

// View はセッション状態のスナップショット。
type View struct {
	ChatID          string           `json:"id"`
	AccountID       string           `json:"accountId"`
	Title           string           `json:"title"`
	Messages        []model.Message  `json:"messages"`
	Provisional     *model.Message   `json:"provisional,omitempty"`
	Mode            model.Mode       `json:"mode"`
	ChatModel       string           `json:"chatModel,omitempty"`
	ReasoningModel  string           `json:"reasoningModel,omitempty"`
	State           RequestState     `json:"state"`
	ArtifactVisible bool             `json:"artifactVisible"`
	Artifact        *model.Artifact  `json:"artifact,omitempty"`
	LastError       *model.TurnError `json:"-"`
	CanRetry        bool             `json:"canRetry"`
}

// SessionDeps はSessionが利用する外部コンポーネント。
type SessionDeps struct {
	Admitter    Admitter
	Provider    llm.Provider
	Turns       TurnStore
	Votes       VoteStore
	Sanitizer   ArtifactSanitizer
	Recorder    Recorder
	IdleTimeout time.Duration
	// Background は非同期の保存処理を待ち合わせるためのWaitGroup。nilの場合はセッションごとに持つ。
	Background *sync.WaitGroup
}

// turn は1回の送信または再試行の作業状態を保持する。
type turn struct {
	requestID string
	user      model.Message
	// newUser はユーザーメッセージがこのターンで履歴に追加されたことを示す。
	newUser  bool
	replaced []string
	// partial はキャンセル時点の暫定メッセージ。
	partial *model.Message

	// 失敗時に戻す履歴
	messages []model.Message
	unsaved  []model.Message
}

// Session は1つのチャットの会話履歴と進行中リクエストを管理する。
//
// 同時に処理できるリクエストは1件のみで、ストリーミング中の送信は
// model.ErrRequestInFlight で拒否される。失敗したターンは履歴を
// 送信前の状態に戻すため、次の送信や再試行をそのまま受け付けられる。
type Session struct {
	id        string
	accountID string
	title     string
	deps      SessionDeps
	now       func() time.Time

	mu       sync.Mutex
	messages []model.Message
	// unsaved は履歴に含まれるがまだ保存していないメッセージ。
	unsaved []model.Message
	// pendingReplaced は次の保存時に削除する保存済みメッセージのID。
	pendingReplaced []string
	provisional     *model.Message
	pendingRetry    *model.Message

	mode           model.Mode
	chatModel      string
	reasoningModel string

	panel    PanelState
	artifact *model.Artifact

	state         RequestState
	busy          bool
	stopRequested bool
	inflight      *turn
	cancel        context.CancelCauseFunc
	lastErr       *model.TurnError
	lastActive    time.Time
	// retired はレジストリから取り除かれたことを示す。以後のターンは受け付けない。
	retired bool

	background *sync.WaitGroup
}

// NewSession は保存済みの履歴からSessionを生成する。
func NewSession(chat *model.Chat, history []model.Message, deps SessionDeps) *Session {
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = 30 * time.Second
	}
	background := deps.Background
	if background == nil {
		background = new(sync.WaitGroup)
	}
	s := &Session{
		id:        chat.ID,
		accountID: chat.AccountID,
		title:     chat.Title,
		deps:      deps,
		now:       time.Now,
		messages:  slices.Clone(history),
		mode:      model.DefaultMode,
		panel:     PanelHidden,
		state:     StateIdle,

		background: background,
	}
	s.lastActive = s.now()
	return s
}

// ID はチャットIDを返す。
func (s *Session) ID() string { return s.id }

// AccountID は所有者のアカウントIDを返す。
func (s *Session) AccountID() string { return s.accountID }

// Submit は新しいユーザーメッセージを履歴に追加し、応答をストリーミングする。
//
// 応答の各断片は受信順に sink へ渡される。アドミッションで拒否された場合や
// 生成に失敗した場合は *model.TurnError を返し、履歴は送信前の状態に戻る。
// 停止された場合はエラーを返さず、State が StateCancelled の結果を返す。
func (s *Session) Submit(ctx context.Context, in SubmitInput, sink Sink) (*TurnResult, error) {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return nil, errSessionRetired
	}
	if s.busy {
		s.mu.Unlock()
		return nil, model.ErrRequestInFlight
	}
	s.settleLocked(true)

	if in.Mode != "" {
		s.mode = in.Mode
	}
	if in.ChatModel != "" {
		s.chatModel = in.ChatModel
	}
	if in.ReasoningModel != "" {
		s.reasoningModel = in.ReasoningModel
	}

	t := s.beginLocked()
	t.user = model.Message{
		ID:          newMessageID(),
		ChatID:      s.id,
		Role:        model.RoleUser,
		Content:     in.Text,
		Attachments: slices.Clone(in.Attachments),
		CreatedAt:   s.now(),
	}
	t.newUser = true
	s.pendingRetry = nil
	s.messages = append(s.messages, t.user)
	s.unsaved = append(s.unsaved, t.user)
	s.mu.Unlock()

	return s.run(ctx, t, sink)
}

// Retry は最後のユーザーメッセージに対する応答を新しいリクエストIDで再生成する。
// ユーザーメッセージは複製しない。直前のターンが失敗していた場合はそのメッセージを
// 履歴に戻して送信し、完了していた場合は既存の応答を置き換える。
func (s *Session) Retry(ctx context.Context, sink Sink) (*TurnResult, error) {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return nil, errSessionRetired
	}
	if s.busy {
		s.mu.Unlock()
		return nil, model.ErrRequestInFlight
	}
	s.settleLocked(false)

	if s.pendingRetry != nil {
		t := s.beginLocked()
		t.user = *s.pendingRetry
		t.newUser = true
		s.pendingRetry = nil
		s.messages = append(s.messages, t.user)
		s.unsaved = append(s.unsaved, t.user)
		s.mu.Unlock()
		return s.run(ctx, t, sink)
	}

	last := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == model.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		s.mu.Unlock()
		return nil, model.ErrNothingToRetry
	}

	t := s.beginLocked()
	t.user = s.messages[last]
	for _, m := range s.messages[last+1:] {
		if s.removeUnsavedLocked(m.ID) {
			continue
		}
		t.replaced = append(t.replaced, m.ID)
	}
	s.messages = s.messages[:last+1]
	s.mu.Unlock()

	return s.run(ctx, t, sink)
}

// Stop は進行中のリクエストをキャンセルする。
// リクエストがない場合は何もしない。Stop が戻った後に断片が適用されることはない。
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateStreaming:
		if s.cancel != nil {
			s.cancel(errStopped)
		}
		s.cancelLocked(s.inflight)
		s.deps.Recorder.RecordTurn(s.deps.Provider.Name(), string(StateCancelled))
		return true
	case s.busy:
		s.stopRequested = true
		return true
	default:
		return false
	}
}

// ApplyIncrement は暫定メッセージに断片を追加する。
// requestID が進行中のリクエストと一致しない場合、または停止済みの場合は適用せず false を返す。
func (s *Session) ApplyIncrement(requestID, chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming || s.inflight == nil || s.inflight.requestID != requestID || s.provisional == nil {
		return false
	}
	s.provisional.Content += chunk
	s.lastActive = s.now()
	return true
}

// SetMode は次の送信から使うモードを設定する。進行中のリクエストには影響しない。
func (s *Session) SetMode(mode model.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.lastActive = s.now()
}

// DismissArtifact はアーティファクトパネルを閉じる。
func (s *Session) DismissArtifact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panel = PanelHidden
	s.lastActive = s.now()
}

// RecordVote はアシスタントのメッセージへの評価を保存する。
// 保存は非同期で行い、完了を待たない。
func (s *Session) RecordVote(ctx context.Context, messageID string, value model.VoteValue) error {
	s.mu.Lock()
	found := false
	for _, m := range s.messages {
		if m.ID == messageID && m.Role == model.RoleAssistant {
			found = true
			break
		}
	}
	s.lastActive = s.now()
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", model.ErrMessageNotFound, messageID)
	}
	if s.deps.Votes == nil {
		return nil
	}

	vote := model.Vote{ChatID: s.id, MessageID: messageID, Value: value}
	log := logger.FromContext(ctx)
	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()
		if err := s.deps.Votes.Upsert(ctx, vote); err != nil {
			log.Warn("failed to save vote",
				slog.String("chat_id", vote.ChatID),
				slog.String("message_id", vote.MessageID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Votes はチャット内の評価一覧を返す。
func (s *Session) Votes(ctx context.Context) ([]model.Vote, error) {
	if s.deps.Votes == nil {
		return []model.Vote{}, nil
	}
	votes, err := s.deps.Votes.ListByChatID(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	return votes, nil
}

// View は現在の状態のスナップショットを返す。
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ChatID:          s.id,
		AccountID:       s.accountID,
		Title:           s.title,
		Messages:        slices.Clone(s.messages),
		Mode:            s.mode,
		ChatModel:       s.chatModel,
		ReasoningModel:  s.reasoningModel,
		State:           s.state,
		ArtifactVisible: s.panel == PanelVisible,
		LastError:       s.lastErr,
		CanRetry:        !s.busy && (s.pendingRetry != nil || s.hasUserMessageLocked()),
	}
	if v.Messages == nil {
		v.Messages = []model.Message{}
	}
	if s.provisional != nil {
		p := *s.provisional
		v.Provisional = &p
	}
	if s.panel == PanelVisible {
		v.Artifact = s.artifact
	}
	return v
}

// LastActive は最後に操作された時刻を返す。
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Busy はリクエストを処理中かどうかを返す。
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// settleLocked は終了状態からIdleに戻す。
// キャンセルされたターンの暫定メッセージは、promote が true なら履歴に確定し、false なら破棄する。
func (s *Session) settleLocked(promote bool) {
	if s.state == StateCancelled && s.provisional != nil && promote && s.provisional.Content != "" {
		p := *s.provisional
		s.messages = append(s.messages, p)
		s.unsaved = append(s.unsaved, p)
	}
	s.provisional = nil
	s.state = StateIdle
	s.lastErr = nil
	s.stopRequested = false
}

// beginLocked は新しいターンを開始し、失敗時に戻す履歴を保存する。
func (s *Session) beginLocked() *turn {
	t := &turn{
		requestID: uuid.NewString(),
		messages:  slices.Clone(s.messages),
		unsaved:   slices.Clone(s.unsaved),
	}
	s.busy = true
	s.inflight = t
	s.lastActive = s.now()
	return t
}

func (s *Session) removeUnsavedLocked(id string) bool {
	for i, m := range s.unsaved {
		if m.ID == id {
			s.unsaved = slices.Delete(s.unsaved, i, i+1)
			return true
		}
	}
	return false
}

func (s *Session) hasUserMessageLocked() bool {
	for _, m := range s.messages {
		if m.Role == model.RoleUser {
			return true
		}
	}
	return false
}

// run はアドミッションを確認し、ストリームを最後まで処理する。
func (s *Session) run(ctx context.Context, t *turn, sink Sink) (*TurnResult, error) {
	if sink == nil {
		sink = discardSink{}
	}

	decision := s.deps.Admitter.Admit(ctx, s.accountID)
	if !decision.Allowed {
		err := &model.TurnError{Kind: model.TurnErrorQuota, RetryAfter: decision.RetryAfter}
		s.fail(t, err, false)
		return nil, err
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	if s.stopRequested || s.inflight != t {
		s.stopRequested = false
		s.cancelLocked(t)
		s.mu.Unlock()
		s.deps.Recorder.RecordTurn(s.deps.Provider.Name(), string(StateCancelled))
		return &TurnResult{RequestID: t.requestID, State: StateCancelled}, nil
	}
	s.state = StateStreaming
	s.cancel = cancel
	s.provisional = &model.Message{
		ID:     newMessageID(),
		ChatID: s.id,
		Role:   model.RoleAssistant,
	}
	req := llm.Request{
		RequestID: t.requestID,
		ChatID:    s.id,
		Mode:      s.mode,
		History:   slices.Clone(s.messages),
	}
	req.Model = s.deps.Provider.Catalog().Resolve(s.mode, s.chatModel, s.reasoningModel)
	s.mu.Unlock()

	// アイドル時間はストリームの接続待ちから数える。
	idle := time.AfterFunc(s.deps.IdleTimeout, func() { cancel(errIdleTimeout) })
	defer idle.Stop()

	stream, err := s.deps.Provider.Stream(streamCtx, req)
	if err != nil {
		return s.streamFailed(ctx, streamCtx, t, err)
	}
	defer stream.Close()

	var artifact *model.Artifact
	for stream.Next() {
		ev := stream.Current()
		idle.Reset(s.deps.IdleTimeout)

		switch ev.Kind {
		case llm.EventText:
			if !s.ApplyIncrement(t.requestID, ev.Text) {
				return s.stopped(t), nil
			}
			sink.OnText(ev.Text)
		case llm.EventArtifact:
			if ev.Artifact == nil {
				continue
			}
			artifact = ev.Artifact
			if s.deps.Sanitizer != nil {
				artifact = s.deps.Sanitizer.SanitizeArtifact(artifact)
			}
		case llm.EventEnd:
			return s.complete(ctx, t, artifact, sink), nil
		case llm.EventError:
			return s.streamFailed(ctx, streamCtx, t, ev.Err)
		}
	}

	err = stream.Err()
	if err == nil {
		err = fmt.Errorf("stream ended without an end marker: %w", io.ErrUnexpectedEOF)
	}
	return s.streamFailed(ctx, streamCtx, t, err)
}

// complete は暫定メッセージを確定して履歴に追加し、未保存のメッセージを保存する。
func (s *Session) complete(ctx context.Context, t *turn, artifact *model.Artifact, sink Sink) *TurnResult {
	s.mu.Lock()
	if s.inflight != t || s.state != StateStreaming {
		s.mu.Unlock()
		return s.stopped(t)
	}
	final := *s.provisional
	final.CreatedAt = s.now()
	s.messages = append(s.messages, final)
	s.provisional = nil
	s.state = StateCompleted
	if artifact != nil {
		s.artifact = artifact
		s.panel = PanelVisible
	}
	toSave := append(slices.Clone(s.unsaved), final)
	replaced := append(slices.Clone(s.pendingReplaced), t.replaced...)
	s.unsaved = nil
	s.pendingReplaced = nil
	s.mu.Unlock()

	if artifact != nil {
		sink.OnArtifact(artifact)
	}
	// 保存が終わるまで次のターンを受け付けない。
	_ = s.persist(ctx, toSave, replaced)
	s.mu.Lock()
	s.finishLocked()
	s.mu.Unlock()
	s.deps.Recorder.RecordTurn(s.deps.Provider.Name(), string(StateCompleted))

	return &TurnResult{RequestID: t.requestID, State: StateCompleted, Message: &final, Artifact: artifact}
}

// persist はターンを保存する。失敗した場合は次のターンか Flush で再度保存する。
func (s *Session) persist(ctx context.Context, messages []model.Message, replaced []string) error {
	if s.deps.Turns == nil {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.deps.Turns.SaveTurn(saveCtx, s.id, replaced, messages); err != nil {
		logger.FromContext(ctx).Error("failed to save chat turn",
			slog.String("chat_id", s.id),
			slog.Int("messages", len(messages)),
			slog.String("error", err.Error()),
		)
		s.mu.Lock()
		s.unsaved = append(slices.Clone(messages), s.unsaved...)
		s.pendingReplaced = append(replaced, s.pendingReplaced...)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Flush は保存に失敗して残っているメッセージを保存し、保存した件数を返す。
// 処理中のターンがある場合はそのターンの完了時に保存されるため何もしない。
func (s *Session) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.busy || (len(s.unsaved) == 0 && len(s.pendingReplaced) == 0) {
		s.mu.Unlock()
		return 0, nil
	}
	toSave := s.unsaved
	replaced := s.pendingReplaced
	s.unsaved = nil
	s.pendingReplaced = nil
	s.busy = true
	s.mu.Unlock()

	err := s.persist(ctx, toSave, replaced)

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return len(toSave), nil
}

// retire は処理中でなく、cutoff 以降に操作されておらず、未保存のメッセージもない場合に
// セッションを無効にして true を返す。
func (s *Session) retire(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.lastActive.After(cutoff) || len(s.unsaved) > 0 || len(s.pendingReplaced) > 0 {
		return false
	}
	s.retired = true
	return true
}

// streamFailed はストリームのエラーを分類して結果を返す。
// 停止操作や呼び出し元の切断によるものはキャンセルとして扱う。
func (s *Session) streamFailed(ctx, streamCtx context.Context, t *turn, err error) (*TurnResult, error) {
	s.mu.Lock()
	if s.inflight != t {
		s.mu.Unlock()
		return s.stopped(t), nil
	}
	if ctx.Err() != nil {
		s.cancelLocked(t)
		s.mu.Unlock()
		logger.FromContext(ctx).Info("chat stream abandoned by caller",
			slog.String("chat_id", s.id),
			slog.String("request_id", t.requestID),
		)
		s.deps.Recorder.RecordTurn(s.deps.Provider.Name(), string(StateCancelled))
		return s.stopped(t), nil
	}
	s.mu.Unlock()

	if cause := context.Cause(streamCtx); errors.Is(cause, errIdleTimeout) {
		err = errors.Join(errIdleTimeout, err)
	}
	turnErr := classify(err)
	s.fail(t, turnErr, true)

	logger.FromContext(ctx).Warn("chat turn failed",
		slog.String("chat_id", s.id),
		slog.String("request_id", t.requestID),
		slog.String("kind", string(turnErr.Kind)),
		slog.String("error", err.Error()),
	)
	return nil, turnErr
}

// fail は履歴をターン開始前の状態に戻す。
// streamed が false の場合（アドミッション拒否）はIdleのまま、true の場合はErroredにする。
func (s *Session) fail(t *turn, err *model.TurnError, streamed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight != t {
		return
	}
	s.messages = t.messages
	s.unsaved = t.unsaved
	s.provisional = nil
	if t.newUser {
		u := t.user
		s.pendingRetry = &u
	}
	s.lastErr = err
	if streamed {
		s.state = StateErrored
	} else {
		s.state = StateIdle
	}
	s.finishLocked()
	s.deps.Recorder.RecordTurn(s.deps.Provider.Name(), string(err.Kind))
}

// cancelLocked はターンをキャンセル状態で終える。暫定メッセージは残す。
func (s *Session) cancelLocked(t *turn) {
	s.state = StateCancelled
	if s.provisional != nil {
		p := *s.provisional
		t.partial = &p
	}
	s.pendingReplaced = append(s.pendingReplaced, t.replaced...)
	s.finishLocked()
}

func (s *Session) finishLocked() {
	s.inflight = nil
	s.busy = false
	s.cancel = nil
	s.lastActive = s.now()
}

// stopped はキャンセルされたターンの結果を返す。
func (s *Session) stopped(t *turn) *TurnResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &TurnResult{RequestID: t.requestID, State: StateCancelled, Message: t.partial}
}

func newMessageID() string {
	return ulid.Make().String()
}
