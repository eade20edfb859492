// Package auth はアカウントの特定、匿名アカウントの作成、セッショントークンの管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/searchchat/internal/model"
	"github.com/hitoshi/searchchat/internal/repository"
)

const (
	minPasswordLength = 6
	// bcryptは72バイトを超える入力を扱えない
	maxPasswordBytes = 72
)

// Session はリクエストに紐付いたセッションを表す。
type Session struct {
	Token  string
	Claims *SessionToken
	// Issued は今回のリクエストで新たにトークンを発行したことを示す。
	Issued bool
}

// AccountResolver は資格情報からアカウントを特定する。
type AccountResolver interface {
	Resolve(ctx context.Context, cred *Credential) (*model.Account, error)
	Register(ctx context.Context, cred Credential) (*model.Account, error)
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	resolver AccountResolver
	tokens   *TokenIssuer
	accounts repository.AccountRepository
}

// NewService はServiceを生成する。
func NewService(resolver AccountResolver, tokens *TokenIssuer, accounts repository.AccountRepository) *Service {
	return &Service{
		resolver: resolver,
		tokens:   tokens,
		accounts: accounts,
	}
}

// EnsureSession はリクエストのトークンに紐付くセッションを返す。
// 有効なトークンがある場合はアカウントの特定を行わずにそのまま返す。
// トークンがない、または無効な場合は匿名アカウントを作成して新しいトークンを発行する。
func (s *Service) EnsureSession(ctx context.Context, rawToken string) (*Session, error) {
	if rawToken != "" {
		claims, err := s.tokens.Parse(rawToken)
		if err == nil {
			return &Session{Token: rawToken, Claims: claims}, nil
		}
		slog.Debug("discarding session token", slog.String("reason", err.Error()))
	}

	account, err := s.resolver.Resolve(ctx, nil)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, model.ErrProvisioningFailed
	}

	return s.issue(account)
}

// Login はメールアドレスとパスワードで認証し、新しいセッションを発行する。
// 認証できない場合はmodel.ErrAuthenticationFailedを返す。
func (s *Service) Login(ctx context.Context, cred Credential) (*Session, error) {
	cred.Email = normalizeEmail(cred.Email)
	if cred.Email == "" || cred.Password == "" {
		return nil, model.ErrAuthenticationFailed
	}

	account, err := s.resolver.Resolve(ctx, &cred)
	if err != nil {
		return nil, err
	}
	if account == nil {
		slog.Info("login failed")
		return nil, model.ErrAuthenticationFailed
	}

	slog.Info("account logged in", slog.String("account_id", account.ID))
	return s.issue(account)
}

// Register は登録済みアカウントを作成し、新しいセッションを発行する。
func (s *Service) Register(ctx context.Context, cred Credential) (*Session, error) {
	cred.Email = normalizeEmail(cred.Email)
	if err := validateCredential(cred); err != nil {
		return nil, err
	}

	account, err := s.resolver.Register(ctx, cred)
	if err != nil {
		if errors.Is(err, model.ErrDuplicateEmail) {
			return nil, model.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to register account: %w", err)
	}

	return s.issue(account)
}

// CurrentAccount はアカウントIDからアカウントを取得する。
func (s *Service) CurrentAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError()
	}
	return account, nil
}

func (s *Service) issue(account *model.Account) (*Session, error) {
	token, claims, err := s.tokens.Issue(account)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, Claims: claims, Issued: true}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredential(cred Credential) error {
	addr, err := mail.ParseAddress(cred.Email)
	if err != nil || addr.Address != cred.Email {
		return model.NewInvalidInputError("メールアドレスの形式が正しくありません")
	}
	if strings.HasSuffix(cred.Email, "@"+model.AnonymousEmailDomain) {
		return model.NewInvalidInputError("このメールアドレスは使用できません")
	}
	if utf8.RuneCountInString(cred.Password) < minPasswordLength {
		return model.NewInvalidInputError(fmt.Sprintf("パスワードは%d文字以上で入力してください", minPasswordLength))
	}
	if len(cred.Password) > maxPasswordBytes {
		return model.NewInvalidInputError("パスワードが長すぎます")
	}
	return nil
}
