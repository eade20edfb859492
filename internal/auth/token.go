package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/hitoshi/searchchat/internal/model"
)

var (
	// ErrInvalidToken は署名不正や形式不正のトークンを示す。
	ErrInvalidToken = errors.New("invalid session token")
	// ErrTokenExpired は有効期限切れのトークンを示す。
	ErrTokenExpired = errors.New("session token expired")
)

// SessionToken はセッションCookieに格納するトークンの内容を表す。
type SessionToken struct {
	AccountID string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// sessionClaims はJWTのクレーム。
type sessionClaims struct {
	jwt.RegisteredClaims
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
}

// TokenIssuer はHS256で署名したセッショントークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(secret string, maxAge time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// MaxAge はトークンの有効期間を返す。
func (i *TokenIssuer) MaxAge() time.Duration {
	return i.maxAge
}

// Issue はアカウントに紐付いたトークンを発行する。
func (i *TokenIssuer) Issue(account *model.Account) (string, *SessionToken, error) {
	now := i.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.maxAge)),
		},
		AccountID: account.ID,
		Email:     account.Email,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	return signed, &SessionToken{
		AccountID: account.ID,
		Email:     account.Email,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Parse はトークンを検証し、内容を返す。
// 期限切れの場合はErrTokenExpired、それ以外の不正はErrInvalidTokenを返す。
func (i *TokenIssuer) Parse(raw string) (*SessionToken, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.AccountID == "" {
		return nil, fmt.Errorf("%w: missing account_id", ErrInvalidToken)
	}

	token := &SessionToken{
		AccountID: claims.AccountID,
		Email:     claims.Email,
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time
	}
	return token, nil
}
