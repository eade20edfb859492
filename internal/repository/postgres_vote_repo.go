package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/searchchat/internal/model"
)

// PostgresVoteRepo はPostgreSQLを使用した評価リポジトリ。
type PostgresVoteRepo struct {
	db *sql.DB
}

// NewPostgresVoteRepo はPostgresVoteRepoを生成する。
func NewPostgresVoteRepo(db *sql.DB) *PostgresVoteRepo {
	return &PostgresVoteRepo{db: db}
}

// ListByChatID はチャット内の評価一覧を返す。
func (r *PostgresVoteRepo) ListByChatID(ctx context.Context, chatID string) ([]model.Vote, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT chat_id, message_id, value FROM votes WHERE chat_id = $1 ORDER BY updated_at ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	votes := []model.Vote{}
	for rows.Next() {
		var (
			vote  model.Vote
			value string
		)
		if err := rows.Scan(&vote.ChatID, &vote.MessageID, &value); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		vote.Value = model.VoteValue(value)
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate votes: %w", err)
	}
	return votes, nil
}

// Upsert は評価を冪等にUPSERTする。同じメッセージへの評価は後勝ちで上書きする。
func (r *PostgresVoteRepo) Upsert(ctx context.Context, vote model.Vote) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO votes (chat_id, message_id, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (chat_id, message_id)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		vote.ChatID, vote.MessageID, string(vote.Value),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vote: %w", err)
	}
	return nil
}

// compile-time interface check
var _ VoteRepository = (*PostgresVoteRepo)(nil)
