// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer は上流サービスから取得した投稿本文からHTMLを除去し、
// API応答をそのまま画面に埋め込んでもスクリプトが実行されないようにする。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer は投稿本文のサニタイザー。
// bluemondayのStrictPolicyで全タグを除去し、script/style要素は中身ごと捨てる。
// ポリシーはスレッドセーフで、リフレッシュサイクル内の並行呼び出しに対応する。
type ContentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerの新しいインスタンスを生成する。
func NewContentSanitizer() *ContentSanitizer {
	return &ContentSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去したテキストを返す。前後の空白は取り除く。
// 同一入力に対して常に同一出力を返す。
func (s *ContentSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(raw))
}
