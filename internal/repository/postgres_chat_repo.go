package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/searchchat/internal/model"
)

// PostgresChatRepo はPostgreSQLを使用したチャットリポジトリ。
type PostgresChatRepo struct {
	db *sql.DB
}

// NewPostgresChatRepo はPostgresChatRepoを生成する。
func NewPostgresChatRepo(db *sql.DB) *PostgresChatRepo {
	return &PostgresChatRepo{db: db}
}

// FindByID は指定IDのチャットを取得する。見つからない場合はnilを返す。
func (r *PostgresChatRepo) FindByID(ctx context.Context, id string) (*model.Chat, error) {
	chat := &model.Chat{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, title, created_at FROM chats WHERE id = $1`,
		id,
	).Scan(&chat.ID, &chat.AccountID, &chat.Title, &chat.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find chat by ID: %w", err)
	}
	return chat, nil
}

// Create はチャットを作成する。
func (r *PostgresChatRepo) Create(ctx context.Context, chat *model.Chat) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chats (id, account_id, title, created_at) VALUES ($1, $2, $3, $4)`,
		chat.ID, chat.AccountID, chat.Title, chat.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat: %w", err)
	}
	return nil
}

// ListByAccountID はアカウントのチャット一覧を作成日時の降順で返す。
func (r *PostgresChatRepo) ListByAccountID(ctx context.Context, accountID string, limit int) ([]*model.Chat, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, title, created_at FROM chats
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*model.Chat
	for rows.Next() {
		chat := &model.Chat{}
		if err := rows.Scan(&chat.ID, &chat.AccountID, &chat.Title, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	return chats, nil
}

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
// 添付ファイルの参照はJSONBカラムに保存する。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// ListByChatID はチャットのメッセージを履歴順に返す。
func (r *PostgresMessageRepo) ListByChatID(ctx context.Context, chatID string) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, attachments, created_at FROM messages
		 WHERE chat_id = $1
		 ORDER BY position ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var (
			msg         model.Message
			role        string
			attachments []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &role, &msg.Content, &attachments, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
				return nil, fmt.Errorf("failed to decode attachments of message %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// SaveTurn はreplacedに含まれるメッセージを削除し、messagesを履歴の末尾に追加する。
// 削除と追加は同一トランザクションで行う。既に保存済みのIDは挿入をスキップする。
func (r *PostgresMessageRepo) SaveTurn(ctx context.Context, chatID string, replaced []string, messages []model.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(replaced) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE chat_id = $1 AND id = ANY($2)`,
			chatID, pq.Array(replaced),
		); err != nil {
			return fmt.Errorf("failed to delete replaced messages: %w", err)
		}
	}

	for _, msg := range messages {
		attachments := msg.Attachments
		if attachments == nil {
			attachments = []model.Attachment{}
		}
		encoded, err := json.Marshal(attachments)
		if err != nil {
			return fmt.Errorf("failed to encode attachments of message %s: %w", msg.ID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, position, role, content, attachments, created_at)
			 SELECT $1, $2, COALESCE(MAX(position), 0) + 1, $3, $4, $5, $6
			 FROM messages WHERE chat_id = $2
			 ON CONFLICT (id) DO NOTHING`,
			msg.ID, chatID, string(msg.Role), msg.Content, string(encoded), msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ ChatRepository    = (*PostgresChatRepo)(nil)
	_ MessageRepository = (*PostgresMessageRepo)(nil)
)
