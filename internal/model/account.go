package model

import (
	"strings"
	"time"
)

// AnonymousEmailDomain は匿名アカウントに割り当てるメールアドレスのドメイン。
const AnonymousEmailDomain = "anonymous.user"

// AccountKind はアカウントの種別を表す。
type AccountKind string

const (
	AccountKindRegistered AccountKind = "registered"
	AccountKindAnonymous  AccountKind = "anonymous"
)

// Account はサービス利用者のアカウントを表す。
// 作成後に変更されることはない。
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Kind         AccountKind
	CreatedAt    time.Time
}

// IsAnonymous は匿名アカウントかどうかを返す。
func (a *Account) IsAnonymous() bool {
	if a.Kind != "" {
		return a.Kind == AccountKindAnonymous
	}
	return strings.HasSuffix(a.Email, "@"+AnonymousEmailDomain)
}
