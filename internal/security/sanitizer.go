package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/searchchat/internal/model"
)

const maxDescriptionRunes = 300

// ArtifactSanitizer は検索結果アーティファクトの各項目を表示用に無害化する。
// テキストは全てのタグを除去し、リンクはhttp(s)以外を除外する。
type ArtifactSanitizer struct {
	policy *bluemonday.Policy
	links  *URLGuard
}

// NewArtifactSanitizer は新しいArtifactSanitizerを生成する。
func NewArtifactSanitizer() *ArtifactSanitizer {
	return &ArtifactSanitizer{
		policy: bluemonday.StrictPolicy(),
		links:  NewURLGuard("http", "https"),
	}
}

// SanitizeArtifact は無害化したアーティファクトのコピーを返す。元の値は変更しない。
func (s *ArtifactSanitizer) SanitizeArtifact(a *model.Artifact) *model.Artifact {
	if a == nil {
		return nil
	}
	out := &model.Artifact{
		Kind:  a.Kind,
		Title: s.text(a.Title, 0),
	}
	for _, r := range a.Results {
		if s.links.Validate(r.URL) != nil {
			continue
		}
		clean := model.SearchResult{
			Title:       s.text(r.Title, 0),
			URL:         r.URL,
			Description: s.text(r.Description, maxDescriptionRunes),
			Source:      s.text(r.Source, 0),
		}
		if s.links.Validate(r.Favicon) == nil && strings.HasPrefix(r.Favicon, "https://") {
			clean.Favicon = r.Favicon
		}
		if clean.Title == "" {
			clean.Title = clean.URL
		}
		out.Results = append(out.Results, clean)
	}
	return out
}

// text はタグを除去し、limit が正なら文字数を制限する。
func (s *ArtifactSanitizer) text(in string, limit int) string {
	out := strings.TrimSpace(s.policy.Sanitize(in))
	if limit > 0 {
		if r := []rune(out); len(r) > limit {
			out = string(r[:limit]) + "…"
		}
	}
	return out
}
