package engagement

import (
	"slices"
	"time"

	"github.com/hitoshi/socialpulse/internal/model"
)

// Snapshot はある時点の集計結果を表す不変の値。
// 生成後は変更せず、Cacheはポインタの差し替えでのみ更新する。
// スライスは非公開とし、アクセサはコピーを返す。
type Snapshot struct {
	users []model.UserAggregate
	posts []model.PostAggregate
	// LastUpdated はスナップショットの完成時刻。
	LastUpdated time.Time
	// Stats はこのスナップショットを生成したリフレッシュサイクルの統計。
	Stats model.RefreshStats

	rankedUsers []model.UserAggregate
	popular     []model.PostAggregate
	latest      []model.PostAggregate
}

// newSnapshot は集計結果から読み取り用の並び順を事前計算したスナップショットを生成する。
func newSnapshot(users []model.UserAggregate, posts []model.PostAggregate, completedAt time.Time, stats model.RefreshStats, latestLimit int) *Snapshot {
	return &Snapshot{
		users:       users,
		posts:       posts,
		LastUpdated: completedAt,
		Stats:       stats,
		rankedUsers: rankUsers(users),
		popular:     popularPosts(posts),
		latest:      latestPosts(posts, latestLimit),
	}
}

// Users はユーザーディレクトリの順序で並んだユーザー集計のコピーを返す。
func (s *Snapshot) Users() []model.UserAggregate {
	return slices.Clone(s.users)
}

// Posts はコメント取得に成功した投稿の集計のコピーを取得順で返す。
func (s *Snapshot) Posts() []model.PostAggregate {
	return slices.Clone(s.posts)
}

// rankUsers はコメント総数の降順に並べたユーザー一覧を返す。
// 同数の場合は元の順序を保つ。
func rankUsers(users []model.UserAggregate) []model.UserAggregate {
	ranked := slices.Clone(users)
	slices.SortStableFunc(ranked, func(a, b model.UserAggregate) int {
		return b.TotalComments - a.TotalComments
	})
	return ranked
}

// popularPosts はコメント数が最大の投稿をすべて返す。
// 投稿がない場合は空のスライスを返す。
func popularPosts(posts []model.PostAggregate) []model.PostAggregate {
	result := []model.PostAggregate{}
	if len(posts) == 0 {
		return result
	}

	maxCount := posts[0].CommentCount
	for _, p := range posts[1:] {
		maxCount = max(maxCount, p.CommentCount)
	}
	for _, p := range posts {
		if p.CommentCount == maxCount {
			result = append(result, p)
		}
	}
	return result
}

// latestPosts はOrderingKeyの降順で最大limit件の投稿を返す。
func latestPosts(posts []model.PostAggregate, limit int) []model.PostAggregate {
	sorted := slices.Clone(posts)
	slices.SortStableFunc(sorted, func(a, b model.PostAggregate) int {
		switch {
		case a.OrderingKey > b.OrderingKey:
			return -1
		case a.OrderingKey < b.OrderingKey:
			return 1
		default:
			return 0
		}
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	if sorted == nil {
		sorted = []model.PostAggregate{}
	}
	return sorted
}
