package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/socialpulse/internal/middleware"
)

// bannerText はルートパスで返すサービス名。
const bannerText = "Social Media Analytics API"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Engagement EngagementService
	Logger     *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	// RateLimiter がnilの場合はレート制限を行わない
	RateLimiter *middleware.RateLimiter

	// MetricsHandler がnilの場合は/metricsを公開しない
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → CORS → RateLimit（集計エンドポイントのみ）
//
// /health と /metrics は監視用のためレート制限の対象外とする。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	engagementHandler := NewEngagementHandler(deps.Engagement, deps.Logger)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(bannerText))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 読み取りが古いスナップショットのリフレッシュを誘発するルート
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/users", engagementHandler.TopUsers)
		r.Get("/posts", engagementHandler.Posts)
		r.Get("/stats", engagementHandler.Stats)
	})

	return r
}
