package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/socialpulse/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。
// 上流起因のエラーは502、呼び出し側の引数不正は400とする。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case model.ErrCodeAuthenticationFailed, model.ErrCodeUpstreamUnavailable:
		return http.StatusBadGateway
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はエラーチェーン中のAPIErrorに応じたステータスでレスポンスを書き込む。
// APIErrorを含まないエラーは内部エラーとして扱い、詳細はレスポンスに含めない。
// 書き込んだステータスコードを返す。
func WriteError(w http.ResponseWriter, err error) int {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := StatusForCode(apiErr.Code)
		WriteErrorResponse(w, status, apiErr)
		return status
	}
	WriteInternalServerError(w)
	return http.StatusInternalServerError
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
