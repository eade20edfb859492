// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, chat, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeProvisioningFailed = "PROVISIONING_FAILED"
	ErrCodeDuplicateEmail     = "DUPLICATE_EMAIL"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
	ErrCodeTransport          = "TRANSPORT_ERROR"
	ErrCodeProvider           = "PROVIDER_ERROR"
	ErrCodeRequestInFlight    = "REQUEST_IN_FLIGHT"
	ErrCodeNothingToRetry     = "NOTHING_TO_RETRY"
	ErrCodeChatNotFound       = "CHAT_NOT_FOUND"
	ErrCodeMessageNotFound    = "MESSAGE_NOT_FOUND"
	ErrCodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeInvalidMode        = "INVALID_MODE"
	ErrCodeInvalidVote        = "INVALID_VOTE"
	ErrCodeInvalidAttachment  = "INVALID_ATTACHMENT"
)

// ドメイン層のセンチネルエラー。
// ハンドラ層で errors.Is により判定し、APIError に変換する。
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrProvisioningFailed   = errors.New("anonymous account provisioning failed")
	ErrDuplicateEmail       = errors.New("email already registered")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrTransport            = errors.New("transport error")
	ErrProvider             = errors.New("provider error")
	ErrRequestInFlight      = errors.New("a request is already in flight")
	ErrNothingToRetry       = errors.New("nothing to retry")
	ErrChatNotFound         = errors.New("chat not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// TurnErrorKind はチャットのターン失敗の分類を表す。
type TurnErrorKind string

const (
	// TurnErrorQuota はアドミッション拒否またはプロバイダのレート制限を示す。
	TurnErrorQuota TurnErrorKind = "quota"
	// TurnErrorTransport は接続断やアイドルタイムアウトを示す。
	TurnErrorTransport TurnErrorKind = "transport"
	// TurnErrorProvider はプロバイダが返したエラーや不正な生成結果を示す。
	TurnErrorProvider TurnErrorKind = "provider"
)

// TurnError は失敗したターンの分類結果を保持する。
// errors.Is で ErrQuotaExceeded / ErrTransport / ErrProvider のいずれかに一致する。
type TurnError struct {
	Kind       TurnErrorKind
	RetryAfter time.Duration
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *TurnError) Error() string {
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

// Unwrap は分類に対応するセンチネルと原因エラーの両方を返す。
func (e *TurnError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

// RetryAfterSeconds は再送までの待機秒数を切り上げで返す。
// クォータ超過の場合は最低1秒を返す。
func (e *TurnError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if e.Kind == TurnErrorQuota && secs < 1 {
		return 1
	}
	return secs
}

func (e *TurnError) sentinel() error {
	switch e.Kind {
	case TurnErrorQuota:
		return ErrQuotaExceeded
	case TurnErrorTransport:
		return ErrTransport
	default:
		return ErrProvider
	}
}

// NewInvalidCredentialsError は認証失敗エラーを生成する。
// どの項目が誤っていたかは明かさない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewProvisioningFailedError は匿名アカウントの作成失敗エラーを生成する。
func NewProvisioningFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeProvisioningFailed,
		Message:  "ゲストアカウントを作成できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度アクセスしてください。",
	}
}

// NewDuplicateEmailError は登録済みメールアドレスのエラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスで登録してください。",
	}
}

// NewQuotaExceededError はリクエスト上限超過エラーを生成する。
func NewQuotaExceededError(retryAfterSeconds int) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "chat",
		Action:   fmt.Sprintf("%d秒ほど待ってから再度送信してください。", retryAfterSeconds),
	}
}

// NewTransportError は通信エラーを生成する。
func NewTransportError() *APIError {
	return &APIError{
		Code:     ErrCodeTransport,
		Message:  "応答の受信中に通信が途切れました。",
		Category: "chat",
		Action:   "再試行ボタンから同じメッセージを再送してください。",
	}
}

// NewProviderError はモデルプロバイダのエラーを生成する。
func NewProviderError() *APIError {
	return &APIError{
		Code:     ErrCodeProvider,
		Message:  "応答の生成に失敗しました。",
		Category: "chat",
		Action:   "しばらく待ってから再試行してください。",
	}
}

// NewRequestInFlightError は応答生成中の二重送信エラーを生成する。
func NewRequestInFlightError() *APIError {
	return &APIError{
		Code:     ErrCodeRequestInFlight,
		Message:  "前のメッセージへの応答を生成中です。",
		Category: "chat",
		Action:   "応答の完了を待つか、停止してから送信してください。",
	}
}

// NewNothingToRetryError は再試行対象がない場合のエラーを生成する。
func NewNothingToRetryError() *APIError {
	return &APIError{
		Code:     ErrCodeNothingToRetry,
		Message:  "再試行できるメッセージがありません。",
		Category: "chat",
		Action:   "新しいメッセージを送信してください。",
	}
}

// NewChatNotFoundError はチャット未検出エラーを生成する。
func NewChatNotFoundError(chatID string) *APIError {
	return &APIError{
		Code:     ErrCodeChatNotFound,
		Message:  fmt.Sprintf("指定されたチャットが見つかりません: %s", chatID),
		Category: "chat",
		Action:   "チャットIDを確認してください。",
	}
}

// NewMessageNotFoundError はメッセージ未検出エラーを生成する。
func NewMessageNotFoundError(messageID string) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", messageID),
		Category: "chat",
		Action:   "メッセージIDを確認してください。",
	}
}

// NewAccountNotFoundError はアカウントが見つからない場合のエラーを生成する。
func NewAccountNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  "アカウントが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidInputError は入力検証エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidModeError は無効な検索モードのエラーを生成する。
func NewInvalidModeError(mode string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMode,
		Message:  fmt.Sprintf("無効なモードです: %s", mode),
		Category: "validation",
		Action:   "モードには search または deep-research を指定してください。",
	}
}

// NewInvalidVoteError は無効な評価値のエラーを生成する。
func NewInvalidVoteError(value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidVote,
		Message:  fmt.Sprintf("無効な評価です: %s", value),
		Category: "validation",
		Action:   "評価には up または down を指定してください。",
	}
}

// NewInvalidAttachmentError は添付ファイル検証エラーを生成する。
func NewInvalidAttachmentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAttachment,
		Message:  fmt.Sprintf("添付ファイルを利用できません: %s", reason),
		Category: "validation",
		Action:   "公開されているURLの画像またはPDFを添付してください。",
	}
}
