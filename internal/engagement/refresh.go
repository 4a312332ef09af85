package engagement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/socialpulse/internal/model"
)

// build は上流からデータを取得して新しいスナップショットを組み立てる。
//
// ユーザーディレクトリの取得に失敗した場合はサイクル全体を中止する。
// ユーザー単位の投稿取得の失敗はそのユーザーをコメント0件として継続し、
// 投稿単位のコメント取得の失敗はその投稿を結果から除外して継続する。
// いずれも件数をRefreshStatsに記録する。
func (c *Cache) build(ctx context.Context) (*Snapshot, error) {
	stats := model.RefreshStats{
		CycleID:   uuid.NewString(),
		StartedAt: c.now(),
	}
	logger := c.logger.With(slog.String("cycle_id", stats.CycleID))

	directory, err := c.source.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user directory: %w", err)
	}
	stats.UsersTotal = len(directory)

	users := make([]model.UserAggregate, len(directory))
	for i, entry := range directory {
		users[i] = model.UserAggregate{ID: entry.ID, Name: entry.Name}
	}

	postsByUser, postErrs := c.fetchPosts(ctx, directory)

	// 投稿を取得順に並べ、所有ユーザーのインデックスを記録する
	type ownedPost struct {
		owner int
		post  model.Post
	}
	var targets []ownedPost
	seen := make(map[int64]bool)
	for i, err := range postErrs {
		if err != nil {
			stats.UserPostFetchFailures++
			logger.Warn("ユーザーの投稿取得に失敗したためコメント0件として扱います",
				slog.String("user_id", directory[i].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, p := range postsByUser[i] {
			if seen[p.ID] {
				stats.DuplicatePosts++
				continue
			}
			seen[p.ID] = true
			targets = append(targets, ownedPost{owner: i, post: p})
		}
	}
	stats.PostsAttempted = len(targets)

	counts := make([]int, len(targets))
	commentErrs := make([]error, len(targets))
	c.fanOut(ctx, len(targets), func(ctx context.Context, i int) {
		comments, err := c.source.ListPostComments(ctx, targets[i].post.ID)
		counts[i], commentErrs[i] = len(comments), err
	})

	// タイムアウト等で中断したサイクルの結果は部分的なため採用しない
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("refresh cycle aborted: %w", err)
	}

	posts := make([]model.PostAggregate, 0, len(targets))
	for i, t := range targets {
		if commentErrs[i] != nil {
			stats.CommentFetchFailures++
			logger.Warn("投稿のコメント取得に失敗したため集計から除外します",
				slog.Int64("post_id", t.post.ID),
				slog.String("error", commentErrs[i].Error()),
			)
			continue
		}

		users[t.owner].TotalComments += counts[i]
		posts = append(posts, model.PostAggregate{
			ID:           t.post.ID,
			UserID:       t.post.UserID,
			Content:      c.sanitize(t.post.Content),
			CommentCount: counts[i],
			OrderingKey:  t.post.ID,
		})
	}
	stats.PostsAggregated = len(posts)

	completedAt := c.now()
	stats.CompletedAt = completedAt
	return newSnapshot(users, posts, completedAt, stats, c.config.LatestLimit), nil
}

// fetchPosts は全ユーザーの投稿を並行して取得する。
// 結果とエラーはディレクトリと同じインデックスに格納する。
func (c *Cache) fetchPosts(ctx context.Context, directory []model.DirectoryEntry) ([][]model.Post, []error) {
	posts := make([][]model.Post, len(directory))
	errs := make([]error, len(directory))
	c.fanOut(ctx, len(directory), func(ctx context.Context, i int) {
		posts[i], errs[i] = c.source.ListUserPosts(ctx, directory[i].ID)
	})
	return posts, errs
}

// fanOut はfnを0からn-1までのインデックスで最大MaxConcurrent並列に実行する。
// 各fnは自身のインデックスのスロットにのみ書き込むため、結果の順序は逐次実行と同じになる。
func (c *Cache) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var g errgroup.Group
	g.SetLimit(c.config.MaxConcurrent)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) sanitize(content string) string {
	if c.sanitizer == nil {
		return content
	}
	return c.sanitizer.Sanitize(content)
}
