package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/hitoshi/searchchat/internal/model"
)

// GeminiProvider はGemini APIをGoogle検索グラウンディング付きで呼び出す。
// グラウンディングの参照元は検索結果アーティファクトとして返す。
type GeminiProvider struct {
	client  *genai.Client
	catalog Catalog
}

var _ Provider = (*GeminiProvider)(nil)

// GeminiOptions はGeminiProviderの設定。
type GeminiOptions struct {
	APIKey        string
	ChatModel     string
	ResearchModel string
	// BaseURL はテストなどでエンドポイントを差し替える場合に指定する。
	BaseURL string
}

// NewGeminiProvider は新しいGeminiProviderを生成する。
func NewGeminiProvider(ctx context.Context, opts GeminiOptions) (*GeminiProvider, error) {
	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{
		client:  client,
		catalog: GeminiCatalog(opts.ChatModel, opts.ResearchModel),
	}, nil
}

// Name はプロバイダ名を返す。
func (p *GeminiProvider) Name() string { return "gemini" }

// Catalog はモデル一覧を返す。
func (p *GeminiProvider) Catalog() Catalog { return p.catalog }

// Stream はGenerateContentStreamを開く。
func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = p.catalog.Resolve(req.Mode, "", "")
	}
	contents, system := geminiContents(req.History)
	instruction := SystemPrompt(req.Mode)
	if system != "" {
		instruction += "\n\n" + system
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}

	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, modelID, contents, cfg))
	return &geminiStream{
		next:    next,
		stop:    stop,
		title:   artifactTitle(req.History),
		seenURL: make(map[string]bool),
	}, nil
}

// geminiContents は会話履歴をGeminiのContent列に変換する。
// systemロールのメッセージはシステム指示として連結して返す。
func geminiContents(history []model.Message) ([]*genai.Content, string) {
	contents := make([]*genai.Content, 0, len(history))
	var system []string
	for _, m := range history {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		case model.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			parts := []*genai.Part{genai.NewPartFromText(m.Content)}
			for _, a := range m.Attachments {
				parts = append(parts, genai.NewPartFromURI(a.URL, a.MimeType))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n")
}

// artifactTitle は最後のユーザー発言を検索結果パネルのタイトルに使う。
func artifactTitle(history []model.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleUser {
			title := []rune(strings.TrimSpace(history[i].Content))
			if len(title) > 80 {
				return string(title[:80]) + "…"
			}
			return string(title)
		}
	}
	return "Search results"
}

type geminiStream struct {
	next  func() (*genai.GenerateContentResponse, error, bool)
	stop  func()
	title string

	results []model.SearchResult
	seenURL map[string]bool
	q       eventQueue
}

func (s *geminiStream) Next() bool {
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

func (s *geminiStream) read() {
	resp, err, ok := s.next()
	if !ok {
		s.q.fail(fmt.Errorf("gemini stream closed before completion: %w", io.ErrUnexpectedEOF))
		return
	}
	if err != nil {
		s.q.fail(translateGeminiError(err))
		return
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return
	}

	if text := resp.Text(); text != "" {
		s.q.push(Event{Kind: EventText, Text: text})
	}

	cand := resp.Candidates[0]
	s.collectGrounding(cand.GroundingMetadata)

	switch cand.FinishReason {
	case "", genai.FinishReasonUnspecified:
	case genai.FinishReasonStop, genai.FinishReasonMaxTokens:
		if len(s.results) > 0 {
			s.q.push(Event{Kind: EventArtifact, Artifact: &model.Artifact{
				Kind:    model.ArtifactSearchResults,
				Title:   s.title,
				Results: s.results,
			}})
		}
		s.q.push(Event{Kind: EventEnd})
		s.q.done = true
	default:
		s.q.fail(&APIError{
			Provider: "gemini",
			Code:     string(cand.FinishReason),
			Message:  cand.FinishMessage,
		})
	}
}

// collectGrounding はグラウンディングの参照元をURL単位で重複排除して蓄積する。
func (s *geminiStream) collectGrounding(meta *genai.GroundingMetadata) {
	if meta == nil {
		return
	}
	for _, chunk := range meta.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		if s.seenURL[chunk.Web.URI] {
			continue
		}
		s.seenURL[chunk.Web.URI] = true
		s.results = append(s.results, searchResultFromWeb(chunk.Web))
	}
}

func searchResultFromWeb(web *genai.GroundingChunkWeb) model.SearchResult {
	source := web.Domain
	if source == "" {
		if u, err := url.Parse(web.URI); err == nil {
			source = u.Hostname()
		}
	}
	if source == "" {
		source = web.Title
	}
	r := model.SearchResult{
		Title:  web.Title,
		URL:    web.URI,
		Source: source,
	}
	if source != "" {
		r.Favicon = "https://www.google.com/s2/favicons?domain=" + url.QueryEscape(source)
	}
	return r
}

func (s *geminiStream) Current() Event { return s.q.current }

func (s *geminiStream) Err() error { return s.q.err }

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

// translateGeminiError はgenaiのAPIErrorをAPIErrorに変換する。
func translateGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return err
		}
		apiErr = *ptr
	}
	translated := &APIError{
		Provider:   "gemini",
		StatusCode: apiErr.Code,
		Code:       apiErr.Status,
		Message:    apiErr.Message,
		RetryAfter: geminiRetryDelay(apiErr.Details),
	}
	if translated.StatusCode == 0 && translated.Code == "RESOURCE_EXHAUSTED" {
		translated.StatusCode = http.StatusTooManyRequests
	}
	return translated
}

// geminiRetryDelay はエラー詳細のRetryInfoから待機時間を取り出す。
func geminiRetryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		typ, _ := d["@type"].(string)
		if !strings.HasSuffix(typ, "RetryInfo") {
			continue
		}
		delay, _ := d["retryDelay"].(string)
		if v, err := time.ParseDuration(delay); err == nil && v > 0 {
			return v
		}
	}
	return 0
}
