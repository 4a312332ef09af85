package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/socialpulse/internal/engagement"
	"github.com/hitoshi/socialpulse/internal/middleware"
	"github.com/hitoshi/socialpulse/internal/model"
)

// ユーザーランキングの件数パラメータ
const (
	defaultUserLimit = 5
	maxUserLimit     = 100
)

// EngagementService はエンゲージメントハンドラーが必要とする集計キャッシュのインターフェース。
type EngagementService interface {
	// TopUsers はコメント総数の降順で上位n件のユーザーを返す。
	TopUsers(ctx context.Context, n int) ([]model.UserAggregate, error)
	// Posts は指定モードの投稿一覧を返す。
	Posts(ctx context.Context, mode model.PostMode) ([]model.PostAggregate, error)
	// Status は集計スナップショットの状態を返す。
	Status() engagement.Status
}

// EngagementHandler は集計結果を返すHTTPハンドラー。
type EngagementHandler struct {
	service EngagementService
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngagementHandler はEngagementHandlerを生成する。
func NewEngagementHandler(service EngagementService, logger *slog.Logger) *EngagementHandler {
	return &EngagementHandler{
		service: service,
		logger:  logger,
		now:     time.Now,
	}
}

// usersResponse はユーザーランキングのレスポンス。
type usersResponse struct {
	Users     []model.UserAggregate `json:"users"`
	Timestamp string                `json:"timestamp"`
}

// postResponse は投稿1件のレスポンス。
type postResponse struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"userId"`
	Content      string `json:"content"`
	CommentCount int    `json:"commentCount"`
}

// postsResponse は投稿一覧のレスポンス。
type postsResponse struct {
	Type      string         `json:"type"`
	Posts     []postResponse `json:"posts"`
	Timestamp string         `json:"timestamp"`
}

// TopUsers はコメント総数の多いユーザーを返す。
// GET /users?limit=5
func (h *EngagementHandler) TopUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	users, err := h.service.TopUsers(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.UserAggregate{}
	}

	writeJSON(w, http.StatusOK, usersResponse{
		Users:     users,
		Timestamp: h.timestamp(),
	})
}

// Posts はモードに応じた投稿一覧を返す。
// GET /posts?type=popular|latest
// typeを省略した場合はpopularとして扱う。
func (h *EngagementHandler) Posts(w http.ResponseWriter, r *http.Request) {
	mode := model.PostMode(r.URL.Query().Get("type"))
	if mode == "" {
		mode = model.PostModePopular
	}

	posts, err := h.service.Posts(r.Context(), mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := postsResponse{
		Type:      string(mode),
		Posts:     make([]postResponse, 0, len(posts)),
		Timestamp: h.timestamp(),
	}
	for _, p := range posts {
		resp.Posts = append(resp.Posts, postResponse{
			ID:           p.ID,
			UserID:       p.UserID,
			Content:      p.Content,
			CommentCount: p.CommentCount,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// Stats は最後に完了した集計サイクルの統計とスナップショットの鮮度を返す。
// GET /stats
func (h *EngagementHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

// writeError はエラーを統一フォーマットで書き込み、サーバー側の問題のみログに残す。
func (h *EngagementHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := middleware.WriteError(w, err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
}

func (h *EngagementHandler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

// parseLimit はlimitクエリパラメータを解析する。
// 未指定の場合はデフォルト値、1からmaxUserLimitの範囲外はINVALID_ARGUMENTを返す。
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultUserLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxUserLimit {
		return 0, model.NewInvalidArgumentError("limit", raw,
			"limitには1から100までの整数を指定してください。")
	}
	return n, nil
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
