// Package chat はチャットセッションのストリーミング処理を提供する。
//
// Session は1つのチャットの会話履歴、進行中のリクエスト、検索モード、
// アーティファクトパネルの表示状態を管理する。Service はアカウントごとの
// Session をメモリ上に保持し、永続化層とモデルプロバイダを接続する。
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/searchchat/internal/llm"
	"github.com/hitoshi/searchchat/internal/model"
	"github.com/hitoshi/searchchat/internal/repository"
)

const (
	defaultChatTitle = "New chat"
	maxTitleRunes    = 80
	maxAttachments   = 5
	maxPromptRunes   = 32000
	chatListLimit    = 50
)

// AttachmentVerifier は添付ファイルの参照先を検証する。
type AttachmentVerifier interface {
	Verify(ctx context.Context, attachments []model.Attachment) error
}

// ServiceConfig はServiceの設定。
type ServiceConfig struct {
	IdleStreamTimeout time.Duration
}

// Service はチャットセッションのレジストリ。
type Service struct {
	chats     repository.ChatRepository
	messages  repository.MessageRepository
	votes     repository.VoteRepository
	admitter  Admitter
	provider  llm.Provider
	sanitizer ArtifactSanitizer
	verifier  AttachmentVerifier
	recorder  Recorder
	cfg       ServiceConfig
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	// background はセッションが起動した非同期の保存処理。
	background sync.WaitGroup
}

// ServiceDeps はServiceの依存コンポーネント。
type ServiceDeps struct {
	Chats     repository.ChatRepository
	Messages  repository.MessageRepository
	Votes     repository.VoteRepository
	Admitter  Admitter
	Provider  llm.Provider
	Sanitizer ArtifactSanitizer
	Verifier  AttachmentVerifier
	Recorder  Recorder
}

// NewService は新しいServiceを生成する。
func NewService(deps ServiceDeps, cfg ServiceConfig) *Service {
	recorder := deps.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Service{
		chats:     deps.Chats,
		messages:  deps.Messages,
		votes:     deps.Votes,
		admitter:  deps.Admitter,
		provider:  deps.Provider,
		sanitizer: deps.Sanitizer,
		verifier:  deps.Verifier,
		recorder:  recorder,
		cfg:       cfg,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// Catalog はプロバイダのモデル一覧を返す。
func (s *Service) Catalog() llm.Catalog {
	return s.provider.Catalog()
}

// CreateChat は新しいチャットを作成する。titleが空の場合は既定のタイトルを使う。
func (s *Service) CreateChat(ctx context.Context, accountID, title string) (*View, error) {
	chat := &model.Chat{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Title:     normalizeTitle(title),
		CreatedAt: s.now(),
	}
	if err := s.chats.Create(ctx, chat); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}

	sess := s.newSession(chat, nil)
	s.mu.Lock()
	s.sessions[chat.ID] = sess
	s.mu.Unlock()

	slog.Info("chat created",
		slog.String("chat_id", chat.ID),
		slog.String("account_id", accountID),
	)
	v := sess.View()
	return &v, nil
}

// ListChats はアカウントのチャット一覧を返す。
func (s *Service) ListChats(ctx context.Context, accountID string) ([]*model.Chat, error) {
	chats, err := s.chats.ListByAccountID(ctx, accountID, chatListLimit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if chats == nil {
		chats = []*model.Chat{}
	}
	return chats, nil
}

// GetChat はチャットの状態を返す。
func (s *Service) GetChat(ctx context.Context, accountID, chatID string) (*View, error) {
	sess, err := s.session(ctx, accountID, chatID)
	if err != nil {
		return nil, err
	}
	v := sess.View()
	return &v, nil
}

// Submit はメッセージを送信し、応答をsinkへストリーミングする。
func (s *Service) Submit(ctx context.Context, accountID, chatID string, in SubmitInput, sink Sink) (*TurnResult, error) {
	if err := s.validateInput(ctx, &in); err != nil {
		return nil, err
	}
	for {
		sess, err := s.session(ctx, accountID, chatID)
		if err != nil {
			return nil, err
		}
		res, err := sess.Submit(ctx, in, sink)
		if errors.Is(err, errSessionRetired) {
			continue
		}
		return res, err
	}
}

// Retry は最後のユーザーメッセージへの応答を再生成する。
func (s *Service) Retry(ctx context.Context, accountID, chatID string, sink Sink) (*TurnResult, error) {
	for {
		sess, err := s.session(ctx, accountID, chatID)
		if err != nil {
			return nil, err
		}
		res, err := sess.Retry(ctx, sink)
		if errors.Is(err, errSessionRetired) {
			continue
		}
		return res, err
	}
}

// Stop は進行中のリクエストを停止する。停止対象がない場合も成功として扱う。
func (s *Service) Stop(ctx context.Context, accountID, chatID string) (bool, error) {
	sess, err := s.session(ctx, accountID, chatID)
	if err != nil {
		return false, err
	}
	return sess.Stop(), nil
}

// DismissArtifact はアーティファクトパネルを閉じる。
func (s *Service) DismissArtifact(ctx context.Context, accountID, chatID string) error {
	sess, err := s.session(ctx, accountID, chatID)
	if err != nil {
		return err
	}
	sess.DismissArtifact()
	return nil
}

// SetMode は次の送信から使う検索モードを設定する。
func (s *Service) SetMode(ctx context.Context, accountID, chatID string, mode model.Mode) error {
	sess, err := s.session(ctx, accountID, chatID)
	if err != nil {
		return err
	}
	sess.SetMode(mode)
	return nil
}

// RecordVote はメッセージへの評価を記録する。
func (s *Service) RecordVote(ctx context.Context, accountID, chatID, messageID string, value model.VoteValue) error {
	sess, err := s.session(ctx, accountID, chatID)
	if err != nil {
		return err
	}
	return sess.RecordVote(ctx, messageID, value)
}

// Votes はチャット内の評価一覧を返す。
func (s *Service) Votes(ctx context.Context, accountID, chatID string) ([]model.Vote, error) {
	sess, err := s.session(ctx, accountID, chatID)
	if err != nil {
		return nil, err
	}
	return sess.Votes(ctx)
}

// EvictIdle は処理中でなく、idleTTL 以上操作されておらず、未保存のメッセージもない
// セッションをメモリから取り除く。取り除いたセッション数を返す。
// 保存済みの履歴は次のアクセス時に再読み込みされる。
func (s *Service) EvictIdle(idleTTL time.Duration) int {
	cutoff := s.now().Add(-idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if !sess.retire(cutoff) {
			continue
		}
		delete(s.sessions, id)
		evicted++
	}
	return evicted
}

// FlushPending は保存に失敗して残っているメッセージを保存し、保存した件数を返す。
func (s *Service) FlushPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	saved := 0
	var errs []error
	for _, sess := range sessions {
		n, err := sess.Flush(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("flush chat %s: %w", sess.ID(), err))
			continue
		}
		saved += n
	}
	return saved, errors.Join(errs...)
}

// Drain は評価の保存などの非同期処理の完了を待ち、未保存のメッセージを保存する。
// シャットダウン時にDBを閉じる前に呼ぶ。
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for background saves: %w", ctx.Err())
	}

	if _, err := s.FlushPending(ctx); err != nil {
		return err
	}
	return nil
}

// SessionCount はメモリ上のセッション数を返す。
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// session はメモリ上のセッションを返す。なければ保存済みの履歴から復元する。
// 他のアカウントのチャットは存在しないものとして扱う。
func (s *Service) session(ctx context.Context, accountID, chatID string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[chatID]
	s.mu.Unlock()
	if ok {
		if sess.AccountID() != accountID {
			return nil, fmt.Errorf("%w: %s", model.ErrChatNotFound, chatID)
		}
		return sess, nil
	}

	if _, err := uuid.Parse(chatID); err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrChatNotFound, chatID)
	}
	chat, err := s.chats.FindByID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("find chat: %w", err)
	}
	if chat == nil || chat.AccountID != accountID {
		return nil, fmt.Errorf("%w: %s", model.ErrChatNotFound, chatID)
	}
	history, err := s.messages.ListByChatID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[chatID]; ok {
		return existing, nil
	}
	sess = s.newSession(chat, history)
	s.sessions[chatID] = sess
	return sess, nil
}

func (s *Service) newSession(chat *model.Chat, history []model.Message) *Session {
	return NewSession(chat, history, SessionDeps{
		Admitter:    s.admitter,
		Provider:    s.provider,
		Turns:       s.messages,
		Votes:       s.votes,
		Sanitizer:   s.sanitizer,
		Recorder:    s.recorder,
		IdleTimeout: s.cfg.IdleStreamTimeout,
		Background:  &s.background,
	})
}

// validateInput は送信内容を検証する。
func (s *Service) validateInput(ctx context.Context, in *SubmitInput) error {
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" && len(in.Attachments) == 0 {
		return model.NewInvalidInputError("メッセージが空です")
	}
	if len([]rune(in.Text)) > maxPromptRunes {
		return model.NewInvalidInputError("メッセージが長すぎます")
	}
	if in.Mode != "" {
		mode, err := model.ParseMode(string(in.Mode))
		if err != nil {
			return err
		}
		in.Mode = mode
	}
	if len(in.Attachments) > maxAttachments {
		return model.NewInvalidAttachmentError(fmt.Sprintf("添付できるのは%d件までです", maxAttachments))
	}
	if len(in.Attachments) > 0 && s.verifier != nil {
		if err := s.verifier.Verify(ctx, in.Attachments); err != nil {
			return err
		}
	}
	return nil
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return defaultChatTitle
	}
	if r := []rune(title); len(r) > maxTitleRunes {
		return string(r[:maxTitleRunes])
	}
	return title
}
