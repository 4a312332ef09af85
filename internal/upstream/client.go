// Package upstream はソーシャルメディア上流サービスのHTTPクライアントを提供する。
// ユーザーディレクトリ、ユーザーごとの投稿、投稿ごとのコメントの取得と、
// 認証エンドポイントでのトークン交換を含む。
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/socialpulse/internal/metrics"
	"github.com/hitoshi/socialpulse/internal/model"
)

// 上流呼び出しの操作名。ログ、メトリクス、エラーメッセージで共通して使用する。
const (
	OpAuthenticate     = "authenticate"
	OpListUsers        = "list_users"
	OpListUserPosts    = "list_user_posts"
	OpListPostComments = "list_post_comments"
)

const (
	// maxResponseSize はレスポンスボディの最大サイズ（10MB）。
	maxResponseSize = 10 * 1024 * 1024
	userAgent       = "SocialPulse/1.0"
)

// ClientConfig は上流クライアントの設定パラメータ。
type ClientConfig struct {
	// RateLimit は1秒あたりの最大リクエスト数。0以下の場合は無制限。
	RateLimit float64
	// RateBurst はレートリミットのバースト数（デフォルト: 10）。
	RateBurst int
}

// Client は上流サービスのデータ取得クライアント。
// 認証ヘッダーの付与はhttpClientのTransportが行う。
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientにはNewAuthorizedHTTPClientで生成したクライアントを渡す。
func NewClient(
	httpClient *http.Client,
	baseURL string,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	config ClientConfig,
) *Client {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    newLimiter(config),
		logger:     logger,
		metrics:    collector,
	}
}

func newLimiter(config ClientConfig) *rate.Limiter {
	if config.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 10
	}
	return rate.NewLimiter(rate.Limit(config.RateLimit), burst)
}

// NewAuthorizedHTTPClient はtsのトークンをAuthorizationヘッダーに付与するHTTPクライアントを生成する。
// baseのTransportとTimeoutを引き継ぐ。baseがnilの場合はhttp.DefaultTransportを使用する。
func NewAuthorizedHTTPClient(ts oauth2.TokenSource, base *http.Client) *http.Client {
	var transport http.RoundTripper
	var timeout time.Duration
	if base != nil {
		transport = base.Transport
		timeout = base.Timeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   transport,
		},
	}
}

// ListUsers はユーザーディレクトリを取得する。
// 戻り値の順序はレスポンスJSONのキーの出現順を保持する。
func (c *Client) ListUsers(ctx context.Context) ([]model.DirectoryEntry, error) {
	var users []model.DirectoryEntry
	err := c.getJSON(ctx, OpListUsers, "/users", func(r io.Reader) error {
		var err error
		users, err = decodeUserDirectory(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// ListUserPosts は指定ユーザーの投稿一覧を取得する。
func (c *Client) ListUserPosts(ctx context.Context, userID string) ([]model.Post, error) {
	var body struct {
		Posts *[]model.Post `json:"posts"`
	}
	err := c.getJSON(ctx, OpListUserPosts, "/users/"+url.PathEscape(userID)+"/posts", func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode posts: %w", err)
		}
		if body.Posts == nil {
			return errors.New(`response has no "posts" field`)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return *body.Posts, nil
}

// ListPostComments は指定投稿のコメント一覧を取得する。
func (c *Client) ListPostComments(ctx context.Context, postID int64) ([]model.Comment, error) {
	var body struct {
		Comments *[]model.Comment `json:"comments"`
	}
	path := "/posts/" + strconv.FormatInt(postID, 10) + "/comments"
	err := c.getJSON(ctx, OpListPostComments, path, func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode comments: %w", err)
		}
		if body.Comments == nil {
			return errors.New(`response has no "comments" field`)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return *body.Comments, nil
}

// getJSON はGETリクエストを実行し、200レスポンスのボディをdecodeに渡す。
// 失敗時はUPSTREAM_UNAVAILABLEのAPIErrorを返す。
// 認証情報を取得できなかった場合はAUTHENTICATION_FAILEDのAPIErrorをそのまま返す。
func (c *Client) getJSON(ctx context.Context, operation, path string, decode func(io.Reader) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.NewUpstreamUnavailableError(operation, fmt.Errorf("rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return model.NewUpstreamUnavailableError(operation, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(operation, 0, time.Since(start))
		if model.HasCode(err, model.ErrCodeAuthenticationFailed) {
			var apiErr *model.APIError
			errors.As(err, &apiErr)
			return apiErr
		}
		c.logger.Warn("上流サービスの呼び出しに失敗しました",
			slog.String("operation", operation),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewUpstreamUnavailableError(operation, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordUpstreamRequest(operation, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("上流サービスがエラーステータスを返しました",
			slog.String("operation", operation),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return model.NewUpstreamUnavailableError(operation,
			fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path))
	}

	if err := decode(io.LimitReader(resp.Body, maxResponseSize)); err != nil {
		c.logger.Warn("上流サービスのレスポンスのパースに失敗しました",
			slog.String("operation", operation),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewUpstreamUnavailableError(operation, err)
	}
	return nil
}

// decodeUserDirectory は {"users": {"<id>": "<name>", ...}} をキーの出現順を保ったまま読み込む。
// 同じIDが複数回現れた場合は最初の出現位置と名前を採用する。
func decodeUserDirectory(r io.Reader) ([]model.DirectoryEntry, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var users []model.DirectoryEntry
	found := false
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		if key != "users" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("failed to skip field %q: %w", key, err)
			}
			continue
		}

		found = true
		if err := expectDelim(dec, '{'); err != nil {
			return nil, fmt.Errorf(`"users" field: %w`, err)
		}
		seen := make(map[string]bool)
		for dec.More() {
			id, err := readKey(dec)
			if err != nil {
				return nil, err
			}
			var name string
			if err := dec.Decode(&name); err != nil {
				return nil, fmt.Errorf("failed to decode name of user %q: %w", id, err)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			users = append(users, model.DirectoryEntry{ID: id, Name: name})
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}

	if !found {
		return nil, errors.New(`response has no "users" field`)
	}
	if users == nil {
		users = []model.DirectoryEntry{}
	}
	return users, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read JSON token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("unexpected JSON token %v, want %q", tok, want)
	}
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("failed to read JSON key: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("unexpected JSON token %v, want object key", tok)
	}
	return key, nil
}
