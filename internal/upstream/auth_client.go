package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/socialpulse/internal/metrics"
	"github.com/hitoshi/socialpulse/internal/model"
)

// maxErrorBodySize はエラーログに含めるレスポンスボディの最大長。
const maxErrorBodySize = 512

// AuthClient は上流サービスの認証エンドポイントのクライアント。
// データ取得用のクライアントとは別のHTTPクライアントとタイムアウトを使用する。
type AuthClient struct {
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewAuthClient はAuthClientの新しいインスタンスを生成する。
// エンドポイントは {baseURL}/auth となる。
func NewAuthClient(httpClient *http.Client, baseURL string, logger *slog.Logger, collector metrics.MetricsCollector) *AuthClient {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &AuthClient{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(baseURL, "/") + "/auth",
		logger:     logger,
		metrics:    collector,
	}
}

// Authenticate は静的な認証情報をアクセストークンに交換する。
// レスポンスの検証（トークンの有無、有効期間）は呼び出し側が行う。
func (c *AuthClient) Authenticate(ctx context.Context, payload model.AuthPayload) (*model.TokenResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(OpAuthenticate, 0, time.Since(start))
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	c.metrics.RecordUpstreamRequest(OpAuthenticate, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		c.logger.Warn("認証エンドポイントがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", string(snippet)),
		)
		return nil, fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)
	}

	var token model.TokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}
	return &token, nil
}
