package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/searchchat/internal/model"
	"github.com/hitoshi/searchchat/internal/repository"
)

// Credential はログイン時に提示されるメールアドレスとパスワード。
type Credential struct {
	Email    string
	Password string
}

// ProvisionRecorder は匿名アカウントの作成結果を記録する。
type ProvisionRecorder interface {
	RecordAnonymousProvision(result string)
}

type noopProvisionRecorder struct{}

func (noopProvisionRecorder) RecordAnonymousProvision(string) {}

// ResolverConfig はResolverの設定。
type ResolverConfig struct {
	// BcryptCost はパスワードハッシュのコスト。0の場合はbcrypt.DefaultCost。
	BcryptCost int
	Recorder   ProvisionRecorder
}

// Resolver は提示された資格情報からアカウントを特定する。
// 資格情報がない場合は匿名アカウントを作成する。
type Resolver struct {
	accounts repository.AccountRepository
	cost     int
	recorder ProvisionRecorder
	random   io.Reader
	now      func() time.Time

	// dummyHash は存在しないメールアドレスでも同じコストの照合を行うためのハッシュ。
	dummyHash []byte
	compare   func(hash, password []byte) error
}

// NewResolver はResolverを生成する。
func NewResolver(accounts repository.AccountRepository, cfg ResolverConfig) *Resolver {
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopProvisionRecorder{}
	}
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("searchchat-unknown-account"), cost)
	if err != nil {
		slog.Error("failed to prepare dummy password hash", slog.String("error", err.Error()))
	}
	return &Resolver{
		accounts:  accounts,
		cost:      cost,
		recorder:  recorder,
		random:    rand.Reader,
		now:       time.Now,
		dummyHash: dummyHash,
		compare:   bcrypt.CompareHashAndPassword,
	}
}

// Resolve は資格情報に対応するアカウントを返す。
//
// credがnilの場合は匿名アカウントを作成して返す。作成できない場合はErrProvisioningFailedを返す。
// credが指定された場合、メールアドレスが存在しないかパスワードが一致しなければ(nil, nil)を返す。
// 検索時のストア障害もログに記録したうえで(nil, nil)として扱う。
func (r *Resolver) Resolve(ctx context.Context, cred *Credential) (*model.Account, error) {
	if cred == nil {
		return r.provisionAnonymous(ctx)
	}

	account, err := r.accounts.FindByEmail(ctx, cred.Email)
	if err != nil {
		slog.Error("failed to look up account",
			slog.String("error", err.Error()),
		)
		account = nil
	}
	if account == nil {
		// 応答時間からメールアドレスの有無がわからないよう、ダミーのハッシュと照合する。
		_ = r.compare(r.dummyHash, []byte(cred.Password))
		return nil, nil
	}

	if err := r.compare([]byte(account.PasswordHash), []byte(cred.Password)); err != nil {
		return nil, nil
	}

	return account, nil
}

// Register は登録済みアカウントを作成する。
// メールアドレスが既に存在する場合はmodel.ErrDuplicateEmailを返す。
func (r *Resolver) Register(ctx context.Context, cred Credential) (*model.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), r.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        cred.Email,
		PasswordHash: string(hash),
		Kind:         model.AccountKindRegistered,
		CreatedAt:    r.now(),
	}
	if err := r.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	slog.Info("account registered", slog.String("account_id", account.ID))
	return account, nil
}

// provisionAnonymous は推測不能なメールアドレスとパスワードで匿名アカウントを作成する。
// 作成後にメールアドレスで再取得し、保存された値を返す。
func (r *Resolver) provisionAnonymous(ctx context.Context) (*model.Account, error) {
	suffix, err := r.randomHex(8)
	if err != nil {
		r.recorder.RecordAnonymousProvision("failed")
		return nil, fmt.Errorf("%w: %w", model.ErrProvisioningFailed, err)
	}
	password, err := r.randomHex(32)
	if err != nil {
		r.recorder.RecordAnonymousProvision("failed")
		return nil, fmt.Errorf("%w: %w", model.ErrProvisioningFailed, err)
	}

	now := r.now()
	email := fmt.Sprintf("anon_%d_%s@%s", now.UnixMilli(), suffix, model.AnonymousEmailDomain)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		r.recorder.RecordAnonymousProvision("failed")
		return nil, fmt.Errorf("%w: failed to hash password: %w", model.ErrProvisioningFailed, err)
	}

	err = r.accounts.Create(ctx, &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		Kind:         model.AccountKindAnonymous,
		CreatedAt:    now,
	})
	switch {
	case errors.Is(err, model.ErrDuplicateEmail):
		// 競合した場合は既存のアカウントを採用する
		slog.Warn("anonymous email collided, falling back to lookup", slog.String("email", email))
	case err != nil:
		r.recorder.RecordAnonymousProvision("failed")
		slog.Error("failed to create anonymous account", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", model.ErrProvisioningFailed, err)
	}

	account, err := r.accounts.FindByEmail(ctx, email)
	if err != nil {
		r.recorder.RecordAnonymousProvision("failed")
		return nil, fmt.Errorf("%w: failed to confirm account: %w", model.ErrProvisioningFailed, err)
	}
	if account == nil {
		r.recorder.RecordAnonymousProvision("failed")
		return nil, fmt.Errorf("%w: account %s not found after create", model.ErrProvisioningFailed, email)
	}

	r.recorder.RecordAnonymousProvision("created")
	slog.Info("anonymous account provisioned", slog.String("account_id", account.ID))
	return account, nil
}

func (r *Resolver) randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r.random, b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
