// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/searchchat/internal/model"
)

// AccountRepository はアカウントデータの永続化インターフェース。
type AccountRepository interface {
	// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// Create はアカウントを作成する。
	// メールアドレスが既に存在する場合はmodel.ErrDuplicateEmailを返す。
	Create(ctx context.Context, account *model.Account) error
}

// ChatRepository はチャットデータの永続化インターフェース。
type ChatRepository interface {
	// FindByID は指定IDのチャットを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Chat, error)

	// Create はチャットを作成する。
	Create(ctx context.Context, chat *model.Chat) error

	// ListByAccountID はアカウントのチャット一覧を作成日時の降順で返す。
	ListByAccountID(ctx context.Context, accountID string, limit int) ([]*model.Chat, error)
}

// MessageRepository は確定済みメッセージの永続化インターフェース。
// 生成途中の内容は保存しない。
type MessageRepository interface {
	// ListByChatID はチャットのメッセージを履歴順に返す。
	ListByChatID(ctx context.Context, chatID string) ([]model.Message, error)

	// SaveTurn はreplacedに含まれるメッセージを削除し、messagesを履歴の末尾に追加する。
	// 既に保存済みのIDは挿入をスキップする。
	SaveTurn(ctx context.Context, chatID string, replaced []string, messages []model.Message) error
}

// VoteRepository はメッセージ評価の永続化インターフェース。
type VoteRepository interface {
	// ListByChatID はチャット内の評価一覧を返す。
	ListByChatID(ctx context.Context, chatID string) ([]model.Vote, error)

	// Upsert は評価を保存する。同じメッセージへの評価は上書きする。
	Upsert(ctx context.Context, vote model.Vote) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
