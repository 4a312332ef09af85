package model

// DirectoryEntry は上流サービスのユーザーディレクトリの1件を表す。
type DirectoryEntry struct {
	ID   string
	Name string
}

// UserAggregate はユーザーごとのコメント集計結果を表す。
// リフレッシュのたびにゼロから再構築される。
type UserAggregate struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TotalComments int    `json:"totalComments"`
}
