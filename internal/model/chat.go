package model

import "time"

// Role はメッセージの発言者を表す。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Mode はチャットの検索モードを表す。
type Mode string

const (
	ModeSearch       Mode = "search"
	ModeDeepResearch Mode = "deep-research"
)

// DefaultMode は未指定時に使用するモード。
const DefaultMode = ModeSearch

// ParseMode は文字列をModeに変換する。空文字列はDefaultModeとして扱う。
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return DefaultMode, nil
	case ModeSearch, ModeDeepResearch:
		return Mode(s), nil
	default:
		return "", NewInvalidModeError(s)
	}
}

// Attachment はユーザーが添付したファイルへの参照を表す。
// 本体は保持せず、URLとメタデータのみを扱う。
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"contentType"`
	Name     string `json:"name,omitempty"`
}

// Message はチャット履歴の1メッセージを表す。
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Chat はアカウントに属するチャットを表す。
type Chat struct {
	ID        string
	AccountID string
	Title     string
	CreatedAt time.Time
}

// VoteValue はメッセージへの評価を表す。
type VoteValue string

const (
	VoteUp   VoteValue = "up"
	VoteDown VoteValue = "down"
)

// ParseVoteValue は文字列をVoteValueに変換する。
func ParseVoteValue(s string) (VoteValue, error) {
	switch VoteValue(s) {
	case VoteUp, VoteDown:
		return VoteValue(s), nil
	default:
		return "", NewInvalidVoteError(s)
	}
}

// Vote はアシスタントのメッセージに対する評価を表す。
// 同じメッセージへの評価は後勝ちで上書きされる。
type Vote struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	Value     VoteValue `json:"type"`
}

// ArtifactKind はアーティファクトの種類を表す。
type ArtifactKind string

const (
	ArtifactSearchResults ArtifactKind = "search-results"
)

// SearchResult は検索結果アーティファクトの1件を表す。
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	Favicon     string `json:"favicon,omitempty"`
}

// Artifact はメッセージ本文とは別にパネル表示される生成物を表す。
type Artifact struct {
	Kind    ArtifactKind   `json:"kind"`
	Title   string         `json:"title"`
	Results []SearchResult `json:"results,omitempty"`
}
