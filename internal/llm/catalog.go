package llm

import "github.com/hitoshi/searchchat/internal/model"

// ModelInfo は選択可能なモデルの情報。
type ModelInfo struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Catalog はプロバイダが提供するモデルの一覧。
// search モードでは Chat、deep-research モードでは Reasoning から選ぶ。
type Catalog struct {
	Chat             []ModelInfo `json:"models"`
	Reasoning        []ModelInfo `json:"reasoningModels"`
	DefaultChat      string      `json:"defaultModel"`
	DefaultReasoning string      `json:"defaultReasoningModel"`
}

// OpenAICatalog はOpenAIのモデル一覧を返す。
func OpenAICatalog() Catalog {
	return Catalog{
		Chat: []ModelInfo{
			{ID: "gpt-4o", Label: "GPT 4o", Description: "For complex, multi-step tasks"},
			{ID: "gpt-4o-mini", Label: "GPT 4o Mini", Description: "Affordable for complex, multi-step tasks"},
		},
		Reasoning: []ModelInfo{
			{ID: "o1", Label: "o1", Description: "For deep reasoning and complex, multi-step tasks"},
			{ID: "o1-mini", Label: "o1-mini", Description: "For deep reasoning and complex, multi-step tasks, cheaper."},
			{ID: "o3-mini", Label: "o3-mini", Description: "For deep reasoning and complex, multi-step tasks, cheaper."},
		},
		DefaultChat:      "gpt-4o",
		DefaultReasoning: "o1",
	}
}

// GeminiCatalog は設定されたGeminiモデルからなる一覧を返す。
func GeminiCatalog(chatModel, researchModel string) Catalog {
	return Catalog{
		Chat:             []ModelInfo{{ID: chatModel, Label: chatModel, Description: "Grounded with Google Search"}},
		Reasoning:        []ModelInfo{{ID: researchModel, Label: researchModel, Description: "Deep research with Google Search"}},
		DefaultChat:      chatModel,
		DefaultReasoning: researchModel,
	}
}

// Resolve はモードに対応するモデルIDを返す。
// 一覧にないIDが指定された場合はモードの既定モデルを返す。
func (c Catalog) Resolve(mode model.Mode, chatModel, reasoningModel string) string {
	if mode == model.ModeDeepResearch {
		if contains(c.Reasoning, reasoningModel) {
			return reasoningModel
		}
		return c.DefaultReasoning
	}
	if contains(c.Chat, chatModel) {
		return chatModel
	}
	return c.DefaultChat
}

func contains(models []ModelInfo, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}
