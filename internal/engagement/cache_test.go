package engagement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/socialpulse/internal/model"
)

// --- モック定義 ---

// mockSource は上流サービスのモック。
type mockSource struct {
	listUsersCalls  atomic.Int32
	listPostsCalls  atomic.Int32
	commentsCalls   atomic.Int32
	listUsersFunc   func(ctx context.Context) ([]model.DirectoryEntry, error)
	listPostsFunc   func(ctx context.Context, userID string) ([]model.Post, error)
	listCommentFunc func(ctx context.Context, postID int64) ([]model.Comment, error)
}

func (m *mockSource) ListUsers(ctx context.Context) ([]model.DirectoryEntry, error) {
	m.listUsersCalls.Add(1)
	if m.listUsersFunc != nil {
		return m.listUsersFunc(ctx)
	}
	return nil, nil
}

func (m *mockSource) ListUserPosts(ctx context.Context, userID string) ([]model.Post, error) {
	m.listPostsCalls.Add(1)
	if m.listPostsFunc != nil {
		return m.listPostsFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockSource) ListPostComments(ctx context.Context, postID int64) ([]model.Comment, error) {
	m.commentsCalls.Add(1)
	if m.listCommentFunc != nil {
		return m.listCommentFunc(ctx, postID)
	}
	return nil, nil
}

func (m *mockSource) totalCalls() int32 {
	return m.listUsersCalls.Load() + m.listPostsCalls.Load() + m.commentsCalls.Load()
}

// fixture はユーザー、投稿、コメント数の固定データから mockSource を組み立てる。
type fixture struct {
	users          []model.DirectoryEntry
	posts          map[string][]model.Post
	comments       map[int64]int
	failPostsFor   map[string]bool
	failCommentsOn map[int64]bool
}

func (f fixture) source() *mockSource {
	return &mockSource{
		listUsersFunc: func(ctx context.Context) ([]model.DirectoryEntry, error) {
			return f.users, nil
		},
		listPostsFunc: func(ctx context.Context, userID string) ([]model.Post, error) {
			if f.failPostsFor[userID] {
				return nil, model.NewUpstreamUnavailableError("list_user_posts", errors.New("boom"))
			}
			return f.posts[userID], nil
		},
		listCommentFunc: func(ctx context.Context, postID int64) ([]model.Comment, error) {
			if f.failCommentsOn[postID] {
				return nil, model.NewUpstreamUnavailableError("list_post_comments", errors.New("boom"))
			}
			n := f.comments[postID]
			comments := make([]model.Comment, n)
			for i := range comments {
				comments[i] = model.Comment{ID: int64(i + 1), PostID: postID}
			}
			return comments, nil
		},
	}
}

// aliceBobFixture は u1=Alice（投稿1: 3件, 投稿2: 2件）、u2=Bob（投稿3: コメント取得失敗）のデータ。
func aliceBobFixture() fixture {
	return fixture{
		users: []model.DirectoryEntry{{ID: "u1", Name: "Alice"}, {ID: "u2", Name: "Bob"}},
		posts: map[string][]model.Post{
			"u1": {{ID: 1, UserID: 1, Content: "one"}, {ID: 2, UserID: 1, Content: "two"}},
			"u2": {{ID: 3, UserID: 2, Content: "three"}},
		},
		comments:       map[int64]int{1: 3, 2: 2, 3: 7},
		failCommentsOn: map[int64]bool{3: true},
	}
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestCache(source Source, config CacheConfig) *Cache {
	var buf bytes.Buffer
	return NewCache(source, nil, newTestLogger(&buf), nil, config)
}

// fakeClock はテスト用の時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- テスト ---

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()
	if cfg.TTL != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", cfg.TTL)
	}
	if cfg.LatestLimit != 5 {
		t.Errorf("LatestLimit = %d, want 5", cfg.LatestLimit)
	}
	if cfg.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.MaxConcurrent)
	}
}

func TestCache_AliceBobExample(t *testing.T) {
	source := aliceBobFixture().source()
	c := newTestCache(source, DefaultCacheConfig())
	ctx := context.Background()

	users, err := c.TopUsers(ctx, 5)
	if err != nil {
		t.Fatalf("TopUsers がエラーを返した: %v", err)
	}
	wantUsers := []model.UserAggregate{
		{ID: "u1", Name: "Alice", TotalComments: 5},
		{ID: "u2", Name: "Bob", TotalComments: 0},
	}
	if len(users) != len(wantUsers) {
		t.Fatalf("ユーザー数 = %d, want %d", len(users), len(wantUsers))
	}
	for i := range wantUsers {
		if users[i] != wantUsers[i] {
			t.Errorf("users[%d] = %+v, want %+v", i, users[i], wantUsers[i])
		}
	}

	snap := c.Snapshot()
	if len(snap.Posts()) != 2 {
		t.Fatalf("スナップショットの投稿数 = %d, want 2", len(snap.Posts()))
	}
	for _, p := range snap.Posts() {
		if p.ID == 3 {
			t.Error("コメント取得に失敗した投稿3がスナップショットに含まれている")
		}
	}

	popular, err := c.Posts(ctx, model.PostModePopular)
	if err != nil {
		t.Fatalf("Posts(popular) がエラーを返した: %v", err)
	}
	if len(popular) != 1 || popular[0].ID != 1 || popular[0].CommentCount != 3 {
		t.Errorf("popular = %+v, want [投稿1 (3件)]", popular)
	}

	stats, ok := c.LastStats()
	if !ok {
		t.Fatal("LastStats が取得できない")
	}
	if stats.UsersTotal != 2 || stats.PostsAttempted != 3 || stats.PostsAggregated != 2 || stats.CommentFetchFailures != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.CycleID == "" {
		t.Error("CycleID が設定されていない")
	}

	// 2回の読み取りで上流ディレクトリの取得は1回のみ
	if got := source.listUsersCalls.Load(); got != 1 {
		t.Errorf("ディレクトリ取得回数 = %d, want 1", got)
	}
}

func TestCache_TotalCommentsEqualsSumOfPostCounts(t *testing.T) {
	f := fixture{
		users: []model.DirectoryEntry{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}, {ID: "c", Name: "C"}},
		posts: map[string][]model.Post{
			"a": {{ID: 10, UserID: 1}, {ID: 11, UserID: 1}},
			"b": {{ID: 20, UserID: 2}, {ID: 21, UserID: 2}, {ID: 22, UserID: 2}},
			"c": {{ID: 30, UserID: 3}},
		},
		comments:       map[int64]int{10: 4, 11: 1, 20: 0, 21: 6, 22: 2, 30: 9},
		failCommentsOn: map[int64]bool{22: true},
		failPostsFor:   map[string]bool{"c": true},
	}
	c := newTestCache(f.source(), DefaultCacheConfig())

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh がエラーを返した: %v", err)
	}

	for _, u := range snap.Users() {
		sum := 0
		for _, p := range snap.Posts() {
			for _, owned := range f.posts[u.ID] {
				if owned.ID == p.ID {
					sum += p.CommentCount
				}
			}
		}
		if u.TotalComments != sum {
			t.Errorf("ユーザー %s: TotalComments = %d, 投稿のコメント数合計 = %d", u.ID, u.TotalComments, sum)
		}
	}

	if snap.Users()[2].TotalComments != 0 {
		t.Errorf("投稿取得に失敗したユーザーの TotalComments = %d, want 0", snap.Users()[2].TotalComments)
	}
	if snap.Stats.UserPostFetchFailures != 1 {
		t.Errorf("UserPostFetchFailures = %d, want 1", snap.Stats.UserPostFetchFailures)
	}
	if snap.Stats.CommentFetchFailures != 1 {
		t.Errorf("CommentFetchFailures = %d, want 1", snap.Stats.CommentFetchFailures)
	}
}

func TestCache_FailedPostFetchKeepsUserWithZero(t *testing.T) {
	f := fixture{
		users:        []model.DirectoryEntry{{ID: "x", Name: "X"}, {ID: "y", Name: "Y"}},
		posts:        map[string][]model.Post{"y": {{ID: 1, UserID: 2}}},
		comments:     map[int64]int{1: 1},
		failPostsFor: map[string]bool{"x": true},
	}
	c := newTestCache(f.source(), DefaultCacheConfig())

	users, err := c.TopUsers(context.Background(), 10)
	if err != nil {
		t.Fatalf("TopUsers がエラーを返した: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("ユーザー数 = %d, want 2", len(users))
	}
	if users[1].ID != "x" || users[1].TotalComments != 0 {
		t.Errorf("users[1] = %+v, want x (0件)", users[1])
	}
}

func TestCache_PopularReturnsAllTies(t *testing.T) {
	f := fixture{
		users: []model.DirectoryEntry{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
		posts: map[string][]model.Post{
			"a": {{ID: 1}, {ID: 2}},
			"b": {{ID: 3}, {ID: 4}},
		},
		comments: map[int64]int{1: 5, 2: 1, 3: 5, 4: 5},
	}
	c := newTestCache(f.source(), DefaultCacheConfig())

	popular, err := c.Posts(context.Background(), model.PostModePopular)
	if err != nil {
		t.Fatalf("Posts がエラーを返した: %v", err)
	}

	var ids []int64
	for _, p := range popular {
		if p.CommentCount != 5 {
			t.Errorf("投稿 %d の CommentCount = %d, want 5", p.ID, p.CommentCount)
		}
		ids = append(ids, p.ID)
	}
	if fmt.Sprint(ids) != "[1 3 4]" {
		t.Errorf("popular の投稿ID = %v, want [1 3 4]", ids)
	}
}

func TestCache_PopularWithNoPosts(t *testing.T) {
	f := fixture{users: []model.DirectoryEntry{{ID: "a", Name: "A"}}}
	c := newTestCache(f.source(), DefaultCacheConfig())

	popular, err := c.Posts(context.Background(), model.PostModePopular)
	if err != nil {
		t.Fatalf("投稿がない場合に Posts がエラーを返した: %v", err)
	}
	if popular == nil || len(popular) != 0 {
		t.Errorf("popular = %#v, want 空のスライス", popular)
	}
}

func TestCache_LatestReturnsAtMostFiveDescending(t *testing.T) {
	var posts []model.Post
	comments := map[int64]int{}
	for _, id := range []int64{7, 3, 12, 1, 9, 15, 4, 11} {
		posts = append(posts, model.Post{ID: id, UserID: 1})
		comments[id] = int(id % 3)
	}
	f := fixture{
		users:    []model.DirectoryEntry{{ID: "a", Name: "A"}},
		posts:    map[string][]model.Post{"a": posts},
		comments: comments,
	}
	c := newTestCache(f.source(), DefaultCacheConfig())

	latest, err := c.Posts(context.Background(), model.PostModeLatest)
	if err != nil {
		t.Fatalf("Posts がエラーを返した: %v", err)
	}

	var ids []int64
	for _, p := range latest {
		if p.OrderingKey != p.ID {
			t.Errorf("投稿 %d の OrderingKey = %d, want 投稿ID", p.ID, p.OrderingKey)
		}
		ids = append(ids, p.ID)
	}
	if fmt.Sprint(ids) != "[15 12 11 9 7]" {
		t.Errorf("latest の投稿ID = %v, want [15 12 11 9 7]", ids)
	}
}

func TestCache_TopUsersStableAndLimited(t *testing.T) {
	f := fixture{
		users: []model.DirectoryEntry{
			{ID: "1", Name: "A"}, {ID: "2", Name: "B"}, {ID: "3", Name: "C"},
			{ID: "4", Name: "D"}, {ID: "5", Name: "E"},
		},
		posts: map[string][]model.Post{
			"1": {{ID: 1}}, "2": {{ID: 2}}, "3": {{ID: 3}}, "4": {{ID: 4}}, "5": {{ID: 5}},
		},
		comments: map[int64]int{1: 2, 2: 5, 3: 2, 4: 5, 5: 2},
	}
	c := newTestCache(f.source(), DefaultCacheConfig())

	tests := []struct {
		n    int
		want string
	}{
		{n: 0, want: ""},
		{n: 1, want: "B"},
		{n: 3, want: "B,D,A"},
		{n: 5, want: "B,D,A,C,E"},
		{n: 100, want: "B,D,A,C,E"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			users, err := c.TopUsers(context.Background(), tt.n)
			if err != nil {
				t.Fatalf("TopUsers がエラーを返した: %v", err)
			}
			var names []string
			for _, u := range users {
				names = append(names, u.Name)
			}
			if got := strings.Join(names, ","); got != tt.want {
				t.Errorf("TopUsers(%d) = %s, want %s", tt.n, got, tt.want)
			}
		})
	}
}

func TestCache_TopUsersNegativeLimit(t *testing.T) {
	source := aliceBobFixture().source()
	c := newTestCache(source, DefaultCacheConfig())

	_, err := c.TopUsers(context.Background(), -1)
	if !model.HasCode(err, model.ErrCodeInvalidArgument) {
		t.Errorf("エラーコードが INVALID_ARGUMENT ではない: %v", err)
	}
	if source.totalCalls() != 0 {
		t.Errorf("不正な引数で上流が呼び出された: %d 回", source.totalCalls())
	}
}

func TestCache_InvalidModeRejectedWithoutUpstreamCalls(t *testing.T) {
	source := aliceBobFixture().source()
	c := newTestCache(source, DefaultCacheConfig())

	for _, mode := range []model.PostMode{"", "trending", "POPULAR"} {
		_, err := c.Posts(context.Background(), mode)
		if !model.HasCode(err, model.ErrCodeInvalidArgument) {
			t.Errorf("mode=%q: エラーコードが INVALID_ARGUMENT ではない: %v", mode, err)
		}
	}
	if source.totalCalls() != 0 {
		t.Errorf("不正なモードで上流が呼び出された: %d 回", source.totalCalls())
	}
}

func TestCache_DirectoryFailureWithoutSnapshot(t *testing.T) {
	source := &mockSource{
		listUsersFunc: func(ctx context.Context) ([]model.DirectoryEntry, error) {
			return nil, model.NewUpstreamUnavailableError("list_users", errors.New("down"))
		},
	}
	c := newTestCache(source, DefaultCacheConfig())

	_, err := c.TopUsers(context.Background(), 5)
	if !model.HasCode(err, model.ErrCodeUpstreamUnavailable) {
		t.Errorf("エラーコードが UPSTREAM_UNAVAILABLE ではない: %v", err)
	}
	if c.Snapshot() != nil {
		t.Error("ディレクトリ取得失敗後にスナップショットが設定された")
	}

	st := c.Status()
	if st.Populated || st.LastError == "" || st.LastFailureAt == nil {
		t.Errorf("Status = %+v, want 未取得かつ失敗情報あり", st)
	}
}

func TestCache_DirectoryFailureLeavesSnapshotUntouched(t *testing.T) {
	clock := newFakeClock()
	var fail atomic.Bool
	f := aliceBobFixture()
	source := f.source()
	base := source.listUsersFunc
	source.listUsersFunc = func(ctx context.Context) ([]model.DirectoryEntry, error) {
		if fail.Load() {
			return nil, model.NewUpstreamUnavailableError("list_users", errors.New("down"))
		}
		return base(ctx)
	}

	c := newTestCache(source, DefaultCacheConfig())
	c.now = clock.Now

	before, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("初回の Refresh がエラーを返した: %v", err)
	}

	fail.Store(true)
	if _, err := c.Refresh(context.Background()); !model.HasCode(err, model.ErrCodeUpstreamUnavailable) {
		t.Errorf("Refresh のエラーコードが UPSTREAM_UNAVAILABLE ではない: %v", err)
	}
	if c.Snapshot() != before {
		t.Error("ディレクトリ取得失敗後にスナップショットが差し替えられた")
	}

	// TTL経過後の読み取りは古いスナップショットを返す
	clock.Advance(time.Minute)
	users, err := c.TopUsers(context.Background(), 5)
	if err != nil {
		t.Fatalf("古いスナップショットがあるのに TopUsers がエラーを返した: %v", err)
	}
	if len(users) != 2 || users[0].TotalComments != 5 {
		t.Errorf("users = %+v", users)
	}
	if c.Snapshot() != before {
		t.Error("読み取り時の失敗でスナップショットが差し替えられた")
	}
}

func TestCache_FailureBackoffSkipsUpstream(t *testing.T) {
	clock := newFakeClock()
	var fail atomic.Bool
	source := aliceBobFixture().source()
	base := source.listUsersFunc
	source.listUsersFunc = func(ctx context.Context) ([]model.DirectoryEntry, error) {
		if fail.Load() {
			return nil, errors.New("down")
		}
		return base(ctx)
	}

	cfg := DefaultCacheConfig()
	cfg.FailureBackoff = 5 * time.Second
	c := newTestCache(source, cfg)
	c.now = clock.Now

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("初回の Refresh がエラーを返した: %v", err)
	}

	fail.Store(true)
	clock.Advance(31 * time.Second)
	if _, err := c.TopUsers(context.Background(), 5); err != nil {
		t.Fatalf("TopUsers がエラーを返した: %v", err)
	}
	if got := source.listUsersCalls.Load(); got != 2 {
		t.Fatalf("ディレクトリ取得回数 = %d, want 2", got)
	}

	// バックオフ期間中は上流にアクセスしない
	clock.Advance(time.Second)
	if _, err := c.TopUsers(context.Background(), 5); err != nil {
		t.Fatalf("TopUsers がエラーを返した: %v", err)
	}
	if got := source.listUsersCalls.Load(); got != 2 {
		t.Errorf("バックオフ中にディレクトリが取得された: %d 回", got)
	}

	// バックオフ期間後は再試行し、成功すれば回復する
	fail.Store(false)
	clock.Advance(5 * time.Second)
	if _, err := c.TopUsers(context.Background(), 5); err != nil {
		t.Fatalf("TopUsers がエラーを返した: %v", err)
	}
	if got := source.listUsersCalls.Load(); got != 3 {
		t.Errorf("ディレクトリ取得回数 = %d, want 3", got)
	}
	if c.Status().LastError != "" {
		t.Errorf("回復後も LastError が残っている: %q", c.Status().LastError)
	}
}

func TestCache_TTL(t *testing.T) {
	clock := newFakeClock()
	source := aliceBobFixture().source()
	c := newTestCache(source, DefaultCacheConfig())
	c.now = clock.Now

	ctx := context.Background()
	if _, err := c.TopUsers(ctx, 5); err != nil {
		t.Fatalf("TopUsers がエラーを返した: %v", err)
	}

	clock.Advance(30 * time.Second)
	if _, err := c.Posts(ctx, model.PostModeLatest); err != nil {
		t.Fatalf("Posts がエラーを返した: %v", err)
	}
	if got := source.listUsersCalls.Load(); got != 1 {
		t.Errorf("TTL内でディレクトリが再取得された: %d 回", got)
	}

	clock.Advance(time.Second)
	if !c.Status().Stale {
		t.Error("TTL経過後に Stale になっていない")
	}
	if _, err := c.Posts(ctx, model.PostModeLatest); err != nil {
		t.Fatalf("Posts がエラーを返した: %v", err)
	}
	if got := source.listUsersCalls.Load(); got != 2 {
		t.Errorf("TTL経過後のディレクトリ取得回数 = %d, want 2", got)
	}
}

func TestCache_ConcurrentStaleReadsShareOneRefresh(t *testing.T) {
	release := make(chan struct{})
	f := aliceBobFixture()
	source := f.source()
	base := source.listUsersFunc
	source.listUsersFunc = func(ctx context.Context) ([]model.DirectoryEntry, error) {
		<-release
		return base(ctx)
	}
	c := newTestCache(source, DefaultCacheConfig())

	const readers = 25
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = c.TopUsers(context.Background(), 5)
			} else {
				_, err = c.Posts(context.Background(), model.PostModePopular)
			}
			errs <- err
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("読み取りがエラーを返した: %v", err)
		}
	}
	if got := source.listUsersCalls.Load(); got != 1 {
		t.Errorf("ディレクトリ取得回数 = %d, want 1", got)
	}
}

func TestCache_CallerCancellationDoesNotAbortRefresh(t *testing.T) {
	release := make(chan struct{})
	source := aliceBobFixture().source()
	base := source.listUsersFunc
	source.listUsersFunc = func(ctx context.Context) ([]model.DirectoryEntry, error) {
		<-release
		return base(ctx)
	}
	c := newTestCache(source, DefaultCacheConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.TopUsers(ctx, 5); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for c.Snapshot() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Snapshot() == nil {
		t.Error("呼び出し側の中断後にリフレッシュが完了しなかった")
	}
}

func TestCache_RefreshTimeoutDiscardsPartialCycle(t *testing.T) {
	source := aliceBobFixture().source()
	source.listCommentFunc = func(ctx context.Context, postID int64) ([]model.Comment, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	cfg := DefaultCacheConfig()
	cfg.RefreshTimeout = 30 * time.Millisecond
	c := newTestCache(source, cfg)

	if _, err := c.Refresh(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if c.Snapshot() != nil {
		t.Error("中断したサイクルの結果が採用された")
	}
}

func TestCache_DuplicatePostsCountedOnce(t *testing.T) {
	f := fixture{
		users: []model.DirectoryEntry{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
		posts: map[string][]model.Post{
			"a": {{ID: 1}, {ID: 2}},
			"b": {{ID: 2}, {ID: 3}},
		},
		comments: map[int64]int{1: 1, 2: 4, 3: 1},
	}
	source := f.source()
	c := newTestCache(source, DefaultCacheConfig())

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh がエラーを返した: %v", err)
	}
	if len(snap.Posts()) != 3 {
		t.Errorf("投稿数 = %d, want 3", len(snap.Posts()))
	}
	if snap.Stats.DuplicatePosts != 1 {
		t.Errorf("DuplicatePosts = %d, want 1", snap.Stats.DuplicatePosts)
	}
	if snap.Users()[0].TotalComments != 5 || snap.Users()[1].TotalComments != 1 {
		t.Errorf("users = %+v, want A=5, B=1", snap.Users())
	}
	if got := source.commentsCalls.Load(); got != 3 {
		t.Errorf("コメント取得回数 = %d, want 3", got)
	}
}

func TestCache_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	var users []model.DirectoryEntry
	for i := 0; i < 20; i++ {
		users = append(users, model.DirectoryEntry{ID: fmt.Sprint(i), Name: fmt.Sprint("user", i)})
	}
	source := &mockSource{
		listUsersFunc: func(ctx context.Context) ([]model.DirectoryEntry, error) { return users, nil },
		listPostsFunc: func(ctx context.Context, userID string) ([]model.Post, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		},
	}
	cfg := DefaultCacheConfig()
	cfg.MaxConcurrent = 3
	c := newTestCache(source, cfg)

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh がエラーを返した: %v", err)
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("同時実行数の最大 = %d, want <= 3", got)
	}
	// 並行取得でもディレクトリ順が保たれる
	for i, u := range snap.Users() {
		if u.ID != fmt.Sprint(i) {
			t.Errorf("Users[%d].ID = %s, want %d", i, u.ID, i)
		}
	}
}

// upperSanitizer は本文を大文字に変換するテスト用サニタイザー。
type upperSanitizer struct{}

func (upperSanitizer) Sanitize(raw string) string { return strings.ToUpper(raw) }

func TestCache_SanitizesContent(t *testing.T) {
	var buf bytes.Buffer
	c := NewCache(aliceBobFixture().source(), upperSanitizer{}, newTestLogger(&buf), nil, DefaultCacheConfig())

	posts, err := c.Posts(context.Background(), model.PostModePopular)
	if err != nil {
		t.Fatalf("Posts がエラーを返した: %v", err)
	}
	if len(posts) != 1 || posts[0].Content != "ONE" {
		t.Errorf("posts = %+v, want Content=ONE", posts)
	}
}

func TestCache_ReturnedSlicesAreCopies(t *testing.T) {
	c := newTestCache(aliceBobFixture().source(), DefaultCacheConfig())

	users, err := c.TopUsers(context.Background(), 5)
	if err != nil {
		t.Fatalf("TopUsers がエラーを返した: %v", err)
	}
	users[0].TotalComments = 999

	again, _ := c.TopUsers(context.Background(), 5)
	if again[0].TotalComments != 5 {
		t.Errorf("戻り値の変更がスナップショットに影響した: %+v", again[0])
	}
}

func TestSnapshot_AccessorsReturnCopies(t *testing.T) {
	c := newTestCache(aliceBobFixture().source(), DefaultCacheConfig())

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh がエラーを返した: %v", err)
	}
	wantUser := snap.Users()[0]
	wantPost := snap.Posts()[0]

	snap.Users()[0].TotalComments = 999
	snap.Posts()[0].CommentCount = 999

	if got := c.Snapshot().Users()[0]; got != wantUser {
		t.Errorf("Users()[0] = %+v, want %+v", got, wantUser)
	}
	if got := c.Snapshot().Posts()[0]; got != wantPost {
		t.Errorf("Posts()[0] = %+v, want %+v", got, wantPost)
	}
}
