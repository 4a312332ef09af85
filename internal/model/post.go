package model

// Post は上流サービスから取得した投稿を表す。
type Post struct {
	ID      int64  `json:"id"`
	UserID  int64  `json:"userId"`
	Content string `json:"content"`
}

// Comment は上流サービスから取得したコメントを表す。
// 集計ではコメント数のみを使用する。
type Comment struct {
	ID      int64  `json:"id"`
	PostID  int64  `json:"postId"`
	Content string `json:"content"`
}

// PostAggregate は投稿ごとのコメント集計結果を表す。
// 上流サービスは投稿日時を提供しないため、OrderingKeyには投稿IDを代用する。
type PostAggregate struct {
	ID           int64
	UserID       int64
	Content      string
	CommentCount int
	OrderingKey  int64
}

// PostMode は投稿一覧の取得モードを表す。
type PostMode string

const (
	// PostModePopular はコメント数が最大の投稿をすべて返すモード。
	PostModePopular PostMode = "popular"
	// PostModeLatest はOrderingKeyの降順で最新の投稿を返すモード。
	PostModeLatest PostMode = "latest"
)

// Valid は定義済みのモードかを返す。
func (m PostMode) Valid() bool {
	return m == PostModePopular || m == PostModeLatest
}
