package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/searchchat/internal/chat"
	"github.com/hitoshi/searchchat/internal/llm"
	"github.com/hitoshi/searchchat/internal/middleware"
	"github.com/hitoshi/searchchat/internal/model"
)

const maxRequestBodyBytes = 1 << 20

// ChatServiceInterface はチャットハンドラーが必要とするサービスインターフェース。
type ChatServiceInterface interface {
	Catalog() llm.Catalog
	CreateChat(ctx context.Context, accountID, title string) (*chat.View, error)
	ListChats(ctx context.Context, accountID string) ([]*model.Chat, error)
	GetChat(ctx context.Context, accountID, chatID string) (*chat.View, error)
	Submit(ctx context.Context, accountID, chatID string, in chat.SubmitInput, sink chat.Sink) (*chat.TurnResult, error)
	Retry(ctx context.Context, accountID, chatID string, sink chat.Sink) (*chat.TurnResult, error)
	Stop(ctx context.Context, accountID, chatID string) (bool, error)
	DismissArtifact(ctx context.Context, accountID, chatID string) error
	SetMode(ctx context.Context, accountID, chatID string, mode model.Mode) error
	RecordVote(ctx context.Context, accountID, chatID, messageID string, value model.VoteValue) error
	Votes(ctx context.Context, accountID, chatID string) ([]model.Vote, error)
}

var _ ChatServiceInterface = (*chat.Service)(nil)

// ChatHandler はチャットのHTTPハンドラー。
type ChatHandler struct {
	service   ChatServiceInterface
	heartbeat time.Duration
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(service ChatServiceInterface) *ChatHandler {
	return &ChatHandler{
		service:   service,
		heartbeat: defaultHeartbeatInterval,
	}
}

// chatResponse はチャット一覧の1件。
type chatResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// chatViewResponse はチャットの状態。直前のターンが失敗していればその内容を含む。
type chatViewResponse struct {
	chat.View
	Error *middleware.ErrorResponseBody `json:"error,omitempty"`
}

type createChatRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Content        string             `json:"content"`
	Attachments    []model.Attachment `json:"attachments"`
	Mode           string             `json:"mode"`
	Model          string             `json:"model"`
	ReasoningModel string             `json:"reasoningModel"`
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

type voteRequest struct {
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
}

// Models は選択可能なモデル一覧を返す。
// GET /api/models
func (h *ChatHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Catalog())
}

// ListChats はアカウントのチャット一覧を返す。
// GET /api/chats
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	chats, err := h.service.ListChats(r.Context(), acct)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]chatResponse, len(chats))
	for i, c := range chats {
		resp[i] = chatResponse{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateChat は新しいチャットを作成する。
// POST /api/chats
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	var req createChatRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	view, err := h.service.CreateChat(r.Context(), acct, req.Title)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newChatViewResponse(view))
}

// GetChat はチャットの履歴と状態を返す。
// GET /api/chats/{id}
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetChat(r.Context(), acct, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChatViewResponse(view))
}

// SendMessage はメッセージを送信し、応答をSSEで返す。
// POST /api/chats/{id}/messages
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	chatID := chi.URLParam(r, "id")
	in := chat.SubmitInput{
		Text:           req.Content,
		Attachments:    req.Attachments,
		Mode:           model.Mode(req.Mode),
		ChatModel:      req.Model,
		ReasoningModel: req.ReasoningModel,
	}
	h.stream(w, r, func(sink chat.Sink) (*chat.TurnResult, error) {
		return h.service.Submit(r.Context(), acct, chatID, in, sink)
	})
}

// Retry は最後のメッセージへの応答を再生成し、SSEで返す。
// POST /api/chats/{id}/retry
func (h *ChatHandler) Retry(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	chatID := chi.URLParam(r, "id")
	h.stream(w, r, func(sink chat.Sink) (*chat.TurnResult, error) {
		return h.service.Retry(r.Context(), acct, chatID, sink)
	})
}

// stream はターンを実行し、結果をSSEで書き出す。
// ストリーム開始前に失敗した場合は通常のJSONエラーレスポンスを返す。
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, run func(chat.Sink) (*chat.TurnResult, error)) {
	sse := newSSEStream(w, h.heartbeat)
	result, err := run(sse)
	sse.stopHeartbeat()

	if err != nil {
		if !sse.Started() {
			handleServiceError(w, r, err)
			return
		}
		_, body, ok := errorResponseFor(r, err)
		if !ok {
			body = middleware.NewErrorResponseBody(model.NewProviderError())
		}
		sse.event(sseEventError, body)
		return
	}

	if result.State == chat.StateCancelled {
		sse.event(sseEventCancelled, newTurnPayload(result))
		return
	}
	sse.event(sseEventDone, newTurnPayload(result))
}

// Stop は進行中の応答生成を停止する。
// POST /api/chats/{id}/stop
func (h *ChatHandler) Stop(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	stopped, err := h.service.Stop(r.Context(), acct, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// DismissArtifact はアーティファクトパネルを閉じる。
// POST /api/chats/{id}/artifact/dismiss
func (h *ChatHandler) DismissArtifact(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	if err := h.service.DismissArtifact(r.Context(), acct, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetMode は次の送信から使う検索モードを設定する。
// PUT /api/chats/{id}/mode
func (h *ChatHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	var req setModeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mode, err := model.ParseMode(req.Mode)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if err := h.service.SetMode(r.Context(), acct, chi.URLParam(r, "id"), mode); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Mode{"mode": mode})
}

// ListVotes はチャット内の評価一覧を返す。
// GET /api/chats/{id}/votes
func (h *ChatHandler) ListVotes(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	votes, err := h.service.Votes(r.Context(), acct, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if votes == nil {
		votes = []model.Vote{}
	}
	writeJSON(w, http.StatusOK, votes)
}

// Vote はアシスタントのメッセージを評価する。
// POST /api/chats/{id}/votes
func (h *ChatHandler) Vote(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountID(w, r)
	if !ok {
		return
	}

	var req voteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	value, err := model.ParseVoteValue(req.Type)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if req.MessageID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("messageId は必須です"))
		return
	}

	if err := h.service.RecordVote(r.Context(), acct, chi.URLParam(r, "id"), req.MessageID, value); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func newChatViewResponse(v *chat.View) chatViewResponse {
	resp := chatViewResponse{View: *v}
	if v.LastError != nil {
		_, body, _ := turnErrorResponse(v.LastError)
		resp.Error = &body
	}
	return resp
}
