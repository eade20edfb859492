package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/searchchat/internal/middleware"
	"github.com/hitoshi/searchchat/internal/model"
)

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func TestHandleServiceError_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"invalid credentials", model.ErrAuthenticationFailed, http.StatusUnauthorized, model.ErrCodeInvalidCredentials},
		{"provisioning", fmt.Errorf("create: %w", model.ErrProvisioningFailed), http.StatusServiceUnavailable, model.ErrCodeProvisioningFailed},
		{"duplicate email", model.ErrDuplicateEmail, http.StatusConflict, model.ErrCodeDuplicateEmail},
		{"in flight", model.ErrRequestInFlight, http.StatusConflict, model.ErrCodeRequestInFlight},
		{"nothing to retry", model.ErrNothingToRetry, http.StatusConflict, model.ErrCodeNothingToRetry},
		{"chat not found", fmt.Errorf("%w: abc", model.ErrChatNotFound), http.StatusNotFound, model.ErrCodeChatNotFound},
		{"message not found", model.ErrMessageNotFound, http.StatusNotFound, model.ErrCodeMessageNotFound},
		{"account not found", model.NewAccountNotFoundError(), http.StatusNotFound, model.ErrCodeAccountNotFound},
		{"invalid input", model.NewInvalidInputError("empty"), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"invalid mode", model.NewInvalidModeError("x"), http.StatusBadRequest, model.ErrCodeInvalidMode},
		{"invalid vote", model.NewInvalidVoteError("x"), http.StatusBadRequest, model.ErrCodeInvalidVote},
		{"invalid attachment", model.NewInvalidAttachmentError("x"), http.StatusBadRequest, model.ErrCodeInvalidAttachment},
		{"transport", &model.TurnError{Kind: model.TurnErrorTransport}, http.StatusBadGateway, model.ErrCodeTransport},
		{"provider", &model.TurnError{Kind: model.TurnErrorProvider, Err: errors.New("boom")}, http.StatusBadGateway, model.ErrCodeProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			w := httptest.NewRecorder()

			handleServiceError(w, req, tt.err)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			body := decodeErrorBody(t, w)
			if body.Code != tt.wantBody {
				t.Errorf("code = %q, want %q", body.Code, tt.wantBody)
			}
			if w.Header().Get("Retry-After") != "" {
				t.Errorf("unexpected Retry-After header %q", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestHandleServiceError_QuotaSetsRetryAfter(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	w := httptest.NewRecorder()

	handleServiceError(w, req, &model.TurnError{Kind: model.TurnErrorQuota, RetryAfter: 1500 * time.Millisecond})

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want %q", got, "2")
	}
	body := decodeErrorBody(t, w)
	if body.Code != model.ErrCodeQuotaExceeded {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeQuotaExceeded)
	}
	if body.RetryAfter != 2 {
		t.Errorf("retryAfter = %d, want 2", body.RetryAfter)
	}
}

func TestHandleServiceError_UnknownErrorHidesDetails(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handleServiceError(w, req, errors.New("pq: connection refused"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("internal error detail leaked: %s", w.Body.String())
	}
}

func TestDecodeJSON_InvalidBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	w := httptest.NewRecorder()

	var v map[string]any
	if decodeJSON(w, req, &v) {
		t.Fatal("decodeJSON should fail for malformed JSON")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := decodeErrorBody(t, w); body.Code != "INVALID_REQUEST" {
		t.Errorf("code = %q, want INVALID_REQUEST", body.Code)
	}
}

func TestAccountID_MissingReturns401(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	if _, ok := accountID(w, req); ok {
		t.Fatal("accountID should fail without session")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
