package llm

import "github.com/hitoshi/searchchat/internal/model"

const searchPrompt = `You are a friendly search assistant. Answer the user's question concisely and cite the sources you relied on.
If the question is ambiguous, state your assumption before answering.`

const deepResearchPrompt = `You are a research assistant. Break the user's question into sub-questions, investigate each one thoroughly,
compare sources that disagree, and finish with a structured report that lists every source you used.`

// SystemPrompt はモードに応じたシステムプロンプトを返す。
func SystemPrompt(mode model.Mode) string {
	if mode == model.ModeDeepResearch {
		return deepResearchPrompt
	}
	return searchPrompt
}
