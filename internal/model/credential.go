package model

import "time"

// Credential は上流サービスへのアクセスに使用するベアラートークンを表す。
// 更新時は常に新しい値で丸ごと置き換え、既存の値を変更しない。
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// IsZero は認証情報が未設定かを返す。
func (c Credential) IsZero() bool {
	return c.Token == ""
}

// UsableAt は指定時刻において更新猶予時間より前であり、そのまま利用できるかを返す。
// now < ExpiresAt - leadTime の場合のみ利用可能とする。
func (c Credential) UsableAt(now time.Time, leadTime time.Duration) bool {
	if c.IsZero() {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-leadTime))
}

// ExpiredAt は指定時刻において上流側の有効期限を過ぎているかを返す。
func (c Credential) ExpiredAt(now time.Time) bool {
	return c.IsZero() || !now.Before(c.ExpiresAt)
}

// RenewalDue は更新を開始すべき時刻（ExpiresAt - leadTime）を返す。
func (c Credential) RenewalDue(leadTime time.Duration) time.Time {
	return c.ExpiresAt.Add(-leadTime)
}

// TokenResponse は上流サービスの認証エンドポイントのレスポンス。
// ExpiresIn は発行時点からの相対秒数。
type TokenResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// AuthPayload は認証エンドポイントに送信する静的な認証情報。
// 起動時にローカル設定ファイルから1回だけ読み込む。
// 上流サービスごとにフィールド構成が異なるため、JSONオブジェクトをそのまま保持する。
type AuthPayload map[string]any
