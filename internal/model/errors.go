// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, system
	Action   string // 利用者向け対処方法
	Cause    error  // 原因となったエラー（ログ用、レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	ErrCodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	ErrCodeInvalidArgument      = "INVALID_ARGUMENT"
	ErrCodeRateLimited          = "RATE_LIMITED"
)

// HasCode はエラーチェーン中に指定コードのAPIErrorが含まれるかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewAuthenticationError は認証情報の取得失敗エラーを生成する。
// 更新に失敗し、フォールバック可能な認証情報も存在しない場合に使用する。
func NewAuthenticationError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeAuthenticationFailed,
		Message:  "上流サービスの認証情報を取得できませんでした。",
		Category: "auth",
		Action:   "認証設定を確認し、しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewUpstreamUnavailableError は上流サービスの呼び出し失敗エラーを生成する。
// operationには失敗した呼び出しの種別（list_users 等）を指定する。
func NewUpstreamUnavailableError(operation string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamUnavailable,
		Message:  fmt.Sprintf("上流サービスからのデータ取得に失敗しました: %s", operation),
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewInvalidArgumentError は呼び出し側の引数不正エラーを生成する。
func NewInvalidArgumentError(name, value, hint string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidArgument,
		Message:  fmt.Sprintf("無効なパラメータです: %s=%q", name, value),
		Category: "validation",
		Action:   hint,
	}
}

// NewRateLimitedError はクライアントごとのリクエスト上限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}
