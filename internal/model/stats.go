package model

import "time"

// RefreshStats は1回のリフレッシュサイクルの処理件数を表す。
// 「コメント0件」と「コメント取得失敗」を区別するために使用する。
type RefreshStats struct {
	CycleID               string    `json:"cycle_id"`
	StartedAt             time.Time `json:"started_at"`
	CompletedAt           time.Time `json:"completed_at"`
	UsersTotal            int       `json:"users_total"`
	UserPostFetchFailures int       `json:"user_post_fetch_failures"`
	PostsAttempted        int       `json:"posts_attempted"`
	PostsAggregated       int       `json:"posts_aggregated"`
	CommentFetchFailures  int       `json:"comment_fetch_failures"`
	DuplicatePosts        int       `json:"duplicate_posts"`
}

// Duration はサイクルの所要時間を返す。
func (s RefreshStats) Duration() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}
