// Package engagement はユーザーと投稿のエンゲージメント集計キャッシュを提供する。
// 上流サービスからユーザー、投稿、コメントを取得して集計し、
// 不変のスナップショットとしてアトミックに差し替える。
package engagement

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/socialpulse/internal/metrics"
	"github.com/hitoshi/socialpulse/internal/model"
)

// Source は集計対象データの取得元のインターフェース。
// テスト時にモックに差し替え可能。
type Source interface {
	ListUsers(ctx context.Context) ([]model.DirectoryEntry, error)
	ListUserPosts(ctx context.Context, userID string) ([]model.Post, error)
	ListPostComments(ctx context.Context, postID int64) ([]model.Comment, error)
}

// Sanitizer は投稿本文を安全な文字列に変換するインターフェース。
type Sanitizer interface {
	Sanitize(raw string) string
}

// CacheConfig はCacheの設定パラメータ。
type CacheConfig struct {
	// TTL はスナップショットの有効期間（デフォルト: 30秒）。
	TTL time.Duration
	// RefreshTimeout は1回のリフレッシュサイクル全体のタイムアウト（デフォルト: 2分）。
	RefreshTimeout time.Duration
	// FailureBackoff はリフレッシュ失敗後、古いスナップショットを再試行なしで返す期間（デフォルト: 5秒）。
	FailureBackoff time.Duration
	// MaxConcurrent はユーザー単位・投稿単位の同時取得数（デフォルト: 8）。
	MaxConcurrent int
	// LatestLimit はlatestモードで返す最大件数（デフォルト: 5）。
	LatestLimit int
}

// DefaultCacheConfig はデフォルトのCache設定を返す。
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:            30 * time.Second,
		RefreshTimeout: 2 * time.Minute,
		FailureBackoff: 5 * time.Second,
		MaxConcurrent:  8,
		LatestLimit:    5,
	}
}

// Status はキャッシュの状態を表す。/stats エンドポイントで公開する。
type Status struct {
	Populated     bool                `json:"populated"`
	LastUpdated   *time.Time          `json:"last_updated,omitempty"`
	AgeSeconds    float64             `json:"age_seconds"`
	Stale         bool                `json:"stale"`
	LastRefresh   *model.RefreshStats `json:"last_refresh,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	LastFailureAt *time.Time          `json:"last_failure_at,omitempty"`
}

// Cache はエンゲージメント集計のキャッシュ。
// 読み取りは常に不変のスナップショットに対して行い、ロックを取らない。
// スナップショットが古い場合は読み取り時にリフレッシュし、
// 同時に発生したリフレッシュ要求は1回の実行にまとめる。
type Cache struct {
	source    Source
	sanitizer Sanitizer
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	config    CacheConfig
	now       func() time.Time

	snapshot atomic.Pointer[Snapshot]
	group    singleflight.Group

	failureMu     sync.Mutex
	lastFailureAt time.Time
	lastErr       error
}

// NewCache はCacheの新しいインスタンスを生成する。
// sanitizerがnilの場合、投稿本文はそのまま保持する。
func NewCache(
	source Source,
	sanitizer Sanitizer,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	config CacheConfig,
) *Cache {
	defaults := DefaultCacheConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaults.RefreshTimeout
	}
	if config.FailureBackoff < 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.LatestLimit <= 0 {
		config.LatestLimit = defaults.LatestLimit
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Cache{
		source:    source,
		sanitizer: sanitizer,
		logger:    logger,
		metrics:   collector,
		config:    config,
		now:       time.Now,
	}
}

// TopUsers はコメント総数の降順で最大n件のユーザーを返す。
// 同数の場合はユーザーディレクトリの順序を保つ。
// スナップショットが古い場合は先にリフレッシュする。
func (c *Cache) TopUsers(ctx context.Context, n int) ([]model.UserAggregate, error) {
	if n < 0 {
		return nil, model.NewInvalidArgumentError("limit", strconv.Itoa(n), "0以上の値を指定してください。")
	}

	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	ranked := snap.rankedUsers
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return slices.Clone(ranked), nil
}

// Posts は指定モードの投稿一覧を返す。
//   - popular: コメント数が最大の投稿をすべて返す（同数はすべて含む）
//   - latest: OrderingKeyの降順で最大LatestLimit件を返す
//
// 未定義のモードは上流へのアクセスを行わずにINVALID_ARGUMENTを返す。
func (c *Cache) Posts(ctx context.Context, mode model.PostMode) ([]model.PostAggregate, error) {
	if !mode.Valid() {
		return nil, model.NewInvalidArgumentError("type", string(mode), "popular または latest を指定してください。")
	}

	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	switch mode {
	case model.PostModeLatest:
		return slices.Clone(snap.latest), nil
	default:
		return slices.Clone(snap.popular), nil
	}
}

// Refresh はスナップショットの鮮度に関係なくリフレッシュを実行する。
// 実行中のリフレッシュがある場合はその結果を待つ。
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	return c.refreshShared(ctx, true)
}

// Snapshot は現在のスナップショットを返す。未取得の場合はnilを返す。
func (c *Cache) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// LastStats は直近に成功したリフレッシュサイクルの統計を返す。
func (c *Cache) LastStats() (model.RefreshStats, bool) {
	snap := c.snapshot.Load()
	if snap == nil {
		return model.RefreshStats{}, false
	}
	return snap.Stats, true
}

// Status はキャッシュの現在の状態を返す。
func (c *Cache) Status() Status {
	var st Status
	now := c.now()

	if snap := c.snapshot.Load(); snap != nil {
		updated := snap.LastUpdated
		stats := snap.Stats
		st.Populated = true
		st.LastUpdated = &updated
		st.AgeSeconds = now.Sub(updated).Seconds()
		st.Stale = c.isStale(snap, now)
		st.LastRefresh = &stats
	} else {
		st.Stale = true
	}

	c.failureMu.Lock()
	if c.lastErr != nil {
		failedAt := c.lastFailureAt
		st.LastError = c.lastErr.Error()
		st.LastFailureAt = &failedAt
	}
	c.failureMu.Unlock()

	return st
}

// current は読み取りに使用するスナップショットを返す。
// 古い場合はリフレッシュし、失敗した場合は既存のスナップショットにフォールバックする。
func (c *Cache) current(ctx context.Context) (*Snapshot, error) {
	snap := c.snapshot.Load()
	if snap != nil && !c.isStale(snap, c.now()) {
		return snap, nil
	}

	// 直前のリフレッシュが失敗している間は上流へのアクセスを控え、古いデータを返す
	if snap != nil && c.inFailureBackoff() {
		return snap, nil
	}

	fresh, err := c.refreshShared(ctx, false)
	if err == nil {
		return fresh, nil
	}

	if fallback := c.snapshot.Load(); fallback != nil {
		c.logger.Warn("リフレッシュに失敗したため古いスナップショットを返します",
			slog.String("error", err.Error()),
			slog.Time("last_updated", fallback.LastUpdated),
		)
		return fallback, nil
	}
	return nil, err
}

// refreshShared はリフレッシュを1回の実行にまとめて行う。
// リフレッシュ自体は呼び出し側のctxとは独立したタイムアウトで実行し、
// 呼び出し側が中断しても他の待機者のために完了させる。
func (c *Cache) refreshShared(ctx context.Context, force bool) (*Snapshot, error) {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		// 待機中に別のリフレッシュが完了していればそれを使う
		if !force {
			if snap := c.snapshot.Load(); snap != nil && !c.isStale(snap, c.now()) {
				return snap, nil
			}
		}

		refreshCtx, cancel := context.WithTimeout(context.Background(), c.config.RefreshTimeout)
		defer cancel()
		return c.runRefresh(refreshCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runRefresh は1回のリフレッシュサイクルを実行し、成功時にスナップショットを差し替える。
func (c *Cache) runRefresh(ctx context.Context) (*Snapshot, error) {
	snap, err := c.build(ctx)
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}

	c.snapshot.Store(snap)
	c.clearFailure()
	c.metrics.RecordRefresh(snap.Stats, nil)
	c.logger.Info("スナップショットを更新しました",
		slog.String("cycle_id", snap.Stats.CycleID),
		slog.Int("users", snap.Stats.UsersTotal),
		slog.Int("posts", snap.Stats.PostsAggregated),
		slog.Int("user_post_fetch_failures", snap.Stats.UserPostFetchFailures),
		slog.Int("comment_fetch_failures", snap.Stats.CommentFetchFailures),
		slog.Duration("duration", snap.Stats.Duration()),
	)
	return snap, nil
}

func (c *Cache) isStale(snap *Snapshot, now time.Time) bool {
	return now.Sub(snap.LastUpdated) > c.config.TTL
}

func (c *Cache) inFailureBackoff() bool {
	if c.config.FailureBackoff == 0 {
		return false
	}
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	return !c.lastFailureAt.IsZero() && c.now().Sub(c.lastFailureAt) < c.config.FailureBackoff
}

func (c *Cache) recordFailure(err error) {
	c.failureMu.Lock()
	c.lastFailureAt = c.now()
	c.lastErr = err
	c.failureMu.Unlock()

	c.metrics.RecordRefresh(model.RefreshStats{}, err)

	level := slog.LevelError
	if errors.Is(err, context.Canceled) {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "スナップショットの更新に失敗しました",
		slog.String("error", err.Error()),
	)
}

func (c *Cache) clearFailure() {
	c.failureMu.Lock()
	c.lastFailureAt = time.Time{}
	c.lastErr = nil
	c.failureMu.Unlock()
}
