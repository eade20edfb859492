package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/hitoshi/searchchat/internal/model"
)

// OpenAIProvider はOpenAIのChat Completions APIをストリーミングで呼び出す。
type OpenAIProvider struct {
	client  openai.Client
	catalog Catalog
	now     func() time.Time
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider は新しいOpenAIProviderを生成する。
// baseURLが空の場合は公式エンドポイントを使用する。
// 再試行は呼び出し側が明示的に行うため、SDKの自動リトライは無効にする。
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client:  openai.NewClient(opts...),
		catalog: OpenAICatalog(),
		now:     time.Now,
	}
}

// Name はプロバイダ名を返す。
func (p *OpenAIProvider) Name() string { return "openai" }

// Catalog はモデル一覧を返す。
func (p *OpenAIProvider) Catalog() Catalog { return p.catalog }

// Stream はChat Completionsのストリームを開く。
// HTTPエラーは最初の Next で EventError として通知される。
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = p.catalog.Resolve(req.Mode, "", "")
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: openAIMessages(req.Mode, req.History),
	}
	s := p.client.Chat.Completions.NewStreaming(ctx, params)
	return &openAIStream{stream: s, now: p.now}, nil
}

// openAIMessages は会話履歴をChat Completionsのメッセージ列に変換する。
// deep-researchモードでは推論モデル向けにdeveloperロールで指示を渡す。
func openAIMessages(mode model.Mode, history []model.Message) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if mode == model.ModeDeepResearch {
		msgs = append(msgs, openai.DeveloperMessage(SystemPrompt(mode)))
	} else {
		msgs = append(msgs, openai.SystemMessage(SystemPrompt(mode)))
	}

	for _, m := range history {
		switch m.Role {
		case model.RoleUser:
			if len(m.Attachments) == 0 {
				msgs = append(msgs, openai.UserMessage(m.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(m.Content)}
			for _, a := range m.Attachments {
				if strings.HasPrefix(a.MimeType, "image/") {
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
						URL: a.URL,
					}))
					continue
				}
				parts = append(parts, openai.TextContentPart(fmt.Sprintf("Attached file %q (%s): %s", a.Name, a.MimeType, a.URL)))
			}
			msgs = append(msgs, openai.UserMessage(parts))
		case model.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case model.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		}
	}
	return msgs
}

// openAIStream はssestreamをStreamインターフェースに適合させる。
type openAIStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	now    func() time.Time
	q      eventQueue
}

func (s *openAIStream) Next() bool {
	for {
		if s.q.pop() {
			return true
		}
		if s.q.done {
			return false
		}
		s.read()
	}
}

// read は次のチャンクを1件読み、イベントをキューに積む。
func (s *openAIStream) read() {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			s.q.fail(translateOpenAIError(err, s.now()))
			return
		}
		s.q.fail(fmt.Errorf("openai stream closed before completion: %w", io.ErrUnexpectedEOF))
		return
	}

	chunk := s.stream.Current()
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		s.q.push(Event{Kind: EventText, Text: choice.Delta.Content})
	}

	switch choice.FinishReason {
	case "":
	case "stop", "length":
		s.q.push(Event{Kind: EventEnd})
		s.q.done = true
	default:
		s.q.fail(&APIError{
			Provider: "openai",
			Code:     choice.FinishReason,
			Message:  "generation finished abnormally",
		})
	}
}

func (s *openAIStream) Current() Event { return s.q.current }

func (s *openAIStream) Err() error { return s.q.err }

func (s *openAIStream) Close() error { return s.stream.Close() }

// translateOpenAIError はSDKのエラーをAPIErrorに変換する。
// 構造化されていないエラー（ネットワーク断など）はそのまま返す。
func translateOpenAIError(err error, now time.Time) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	translated := &APIError{
		Provider:   "openai",
		StatusCode: apiErr.StatusCode,
		Code:       apiErr.Code,
		Type:       apiErr.Type,
		Message:    apiErr.Message,
	}
	if apiErr.Response != nil {
		translated.RetryAfter = ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), now)
	}
	return translated
}
