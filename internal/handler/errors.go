package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/searchchat/internal/logger"
	"github.com/hitoshi/searchchat/internal/middleware"
	"github.com/hitoshi/searchchat/internal/model"
)

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, body, ok := errorResponseFor(r, err)
	if !ok {
		logger.FromContext(r.Context()).Error("internal server error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if body.RetryAfter > 0 {
		apiErr := &model.APIError{Code: body.Code, Message: body.Message, Category: body.Category, Action: body.Action}
		middleware.WriteRetryableErrorResponse(w, status, apiErr, body.RetryAfter)
		return
	}
	writeJSON(w, status, body)
}

// errorResponseFor はエラーをHTTPステータスとレスポンスボディに変換する。
// 利用者に見せるべきでないエラーの場合は ok が false になる。
func errorResponseFor(r *http.Request, err error) (status int, body middleware.ErrorResponseBody, ok bool) {
	var turnErr *model.TurnError
	if errors.As(err, &turnErr) {
		return turnErrorResponse(turnErr)
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return mapAPIErrorToHTTPStatus(apiErr), middleware.NewErrorResponseBody(apiErr), true
	}

	sentinels := []struct {
		target error
		build  func() *model.APIError
	}{
		{model.ErrAuthenticationFailed, model.NewInvalidCredentialsError},
		{model.ErrProvisioningFailed, model.NewProvisioningFailedError},
		{model.ErrDuplicateEmail, model.NewDuplicateEmailError},
		{model.ErrRequestInFlight, model.NewRequestInFlightError},
		{model.ErrNothingToRetry, model.NewNothingToRetryError},
		{model.ErrChatNotFound, func() *model.APIError { return model.NewChatNotFoundError(chi.URLParam(r, "id")) }},
		{model.ErrMessageNotFound, func() *model.APIError { return model.NewMessageNotFoundError("") }},
	}
	for _, s := range sentinels {
		if errors.Is(err, s.target) {
			apiErr := s.build()
			return mapAPIErrorToHTTPStatus(apiErr), middleware.NewErrorResponseBody(apiErr), true
		}
	}
	return http.StatusInternalServerError, middleware.ErrorResponseBody{}, false
}

// turnErrorResponse はターンの失敗分類をHTTPレスポンスに変換する。
func turnErrorResponse(err *model.TurnError) (int, middleware.ErrorResponseBody, bool) {
	switch err.Kind {
	case model.TurnErrorQuota:
		secs := err.RetryAfterSeconds()
		body := middleware.NewErrorResponseBody(model.NewQuotaExceededError(secs))
		body.RetryAfter = secs
		return http.StatusTooManyRequests, body, true
	case model.TurnErrorTransport:
		return http.StatusBadGateway, middleware.NewErrorResponseBody(model.NewTransportError()), true
	default:
		return http.StatusBadGateway, middleware.NewErrorResponseBody(model.NewProviderError()), true
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeProvisioningFailed:
		return http.StatusServiceUnavailable
	case model.ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case model.ErrCodeTransport, model.ErrCodeProvider:
		return http.StatusBadGateway
	case model.ErrCodeDuplicateEmail, model.ErrCodeRequestInFlight, model.ErrCodeNothingToRetry:
		return http.StatusConflict
	case model.ErrCodeChatNotFound, model.ErrCodeMessageNotFound, model.ErrCodeAccountNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidInput, model.ErrCodeInvalidMode, model.ErrCodeInvalidVote, model.ErrCodeInvalidAttachment:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをデコードする。失敗した場合は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// accountID はセッションミドルウェアが注入したアカウントIDを返す。
// 取得できない場合は401を書き込んでfalseを返す。
func accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "セッションが確認できません。",
			Category: "auth",
			Action:   "ページを再読み込みしてください。",
		})
		return "", false
	}
	return id, true
}
