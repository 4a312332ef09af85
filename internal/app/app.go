// Package app はプロセスのエントリーポイントと依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/socialpulse/internal/config"
	"github.com/hitoshi/socialpulse/internal/credential"
	"github.com/hitoshi/socialpulse/internal/database"
	"github.com/hitoshi/socialpulse/internal/engagement"
	"github.com/hitoshi/socialpulse/internal/handler"
	"github.com/hitoshi/socialpulse/internal/logger"
	"github.com/hitoshi/socialpulse/internal/metrics"
	"github.com/hitoshi/socialpulse/internal/middleware"
	"github.com/hitoshi/socialpulse/internal/repository"
	"github.com/hitoshi/socialpulse/internal/security"
	"github.com/hitoshi/socialpulse/internal/upstream"
)

// defaultHealthcheckPort はSERVER_PORT未設定時のヘルスチェック先ポート。
const defaultHealthcheckPort = "3001"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		// 設定エラー自体をログに残せるようデフォルトレベルで初期化する
		logger.SetupDefault(w, slog.LevelInfo)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = defaultHealthcheckPort
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("upstream", cfg.UpstreamBaseURL),
		slog.String("credential_store", cfg.CredentialStore),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// application はserveモードで起動する全コンポーネントを保持する。
type application struct {
	logger      *slog.Logger
	manager     *credential.Manager
	cache       *engagement.Cache
	rateLimiter *middleware.RateLimiter
	handler     http.Handler
	closers     []func() error
}

// Close はバックグラウンドタスクを停止し、開いたリソースを解放する。複数回呼び出しても安全。
func (a *application) Close() {
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}
	if a.manager != nil {
		a.manager.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to release resource", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// newApplication は設定から全依存関係をワイヤリングし、認証情報マネージャーを起動する。
// ctxはマネージャーのバックグラウンドタスクと起動時のウォームアップの寿命を決める。
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *application, err error) {
	a := &application{logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. 認証設定と認証情報ストア
	payload, err := credential.LoadAuthPayload(cfg.AuthConfigPath)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openCredentialStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. 上流サービスへのHTTPクライアント
	baseClient, err := newUpstreamHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	// 認証は独立したタイムアウトで行い、データ取得のハングが更新を妨げないようにする
	authHTTP := &http.Client{Timeout: cfg.RenewalTimeout, Transport: baseClient.Transport}
	authClient := upstream.NewAuthClient(authHTTP, cfg.UpstreamBaseURL, log, collector)

	// 4. 認証情報マネージャー
	a.manager = credential.NewManager(authClient, store, payload, log, collector, credential.ManagerConfig{
		LeadTime:       cfg.RenewalLeadTime,
		RetryInterval:  cfg.RenewalRetryInterval,
		RenewalTimeout: cfg.RenewalTimeout,
	})
	if err := a.manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start credential manager: %w", err)
	}

	// 5. データ取得クライアントと集計キャッシュ
	dataHTTP := upstream.NewAuthorizedHTTPClient(a.manager.TokenSource(ctx), baseClient)
	client := upstream.NewClient(dataHTTP, cfg.UpstreamBaseURL, log, collector, upstream.ClientConfig{
		RateLimit: cfg.UpstreamRateLimit,
		RateBurst: cfg.UpstreamRateBurst,
	})

	cacheCfg := engagement.DefaultCacheConfig()
	cacheCfg.TTL = cfg.CacheTTL
	cacheCfg.RefreshTimeout = cfg.RefreshTimeout
	cacheCfg.FailureBackoff = cfg.RefreshFailureBackoff
	cacheCfg.MaxConcurrent = cfg.UpstreamMaxConcurrent
	a.cache = engagement.NewCache(client, security.NewContentSanitizer(), log, collector, cacheCfg)

	// 6. ルーター
	if cfg.APIRateLimit > 0 {
		a.rateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  rate.Limit(cfg.APIRateLimit / 60),
			Burst: max(1, cfg.APIRateBurst),
		}, log)
	}
	a.handler = handler.NewRouter(&handler.RouterDeps{
		Engagement:        a.cache,
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       a.rateLimiter,
		MetricsHandler:    metrics.Handler(registry),
	})

	return a, nil
}

// warmUp は最初の読み取りを待たずにスナップショットを構築する。
// 失敗しても次の読み取りで再試行されるため、ログのみ残す。
func (a *application) warmUp(ctx context.Context) {
	snap, err := a.cache.Refresh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("initial refresh failed", slog.String("error", err.Error()))
		}
		return
	}
	a.logger.Info("initial refresh completed",
		slog.Int("users", len(snap.Users())),
		slog.Int("posts", len(snap.Posts())),
	)
}

// openCredentialStore は設定に応じた認証情報ストアを生成する。
// databaseの場合は接続を開いてマイグレーションを適用し、接続を閉じる関数を返す。
func openCredentialStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (credential.Store, func() error, error) {
	if cfg.CredentialStore != config.CredentialStoreDatabase {
		log.Info("using file credential store", slog.String("path", cfg.CredentialFile))
		return credential.NewFileStore(cfg.CredentialFile), nil, nil
	}

	db, dialect, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("using database credential store",
		slog.String("dialect", string(dialect)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return repository.NewSQLCredentialRepo(db, dialect), db.Close, nil
}

// newUpstreamHTTPClient はデータ取得用のベースHTTPクライアントを生成する。
// SSRF防止が有効な場合は起動時にベースURLを検証し、接続時にも宛先IPを検証するクライアントを返す。
func newUpstreamHTTPClient(cfg *config.Config) (*http.Client, error) {
	if !cfg.UpstreamSSRFProtection {
		return &http.Client{Timeout: cfg.UpstreamTimeout, Transport: http.DefaultTransport}, nil
	}

	port, err := upstreamPort(cfg.UpstreamBaseURL)
	if err != nil {
		return nil, err
	}
	guard := security.NewUpstreamGuard(port)
	if err := guard.ValidateBaseURL(cfg.UpstreamBaseURL); err != nil {
		return nil, fmt.Errorf("upstream base URL rejected: %w", err)
	}
	return guard.NewSafeClient(cfg.UpstreamTimeout), nil
}

// upstreamPort はベースURLの接続先ポートを返す。省略時はスキームの既定ポートとする。
func upstreamPort(rawURL string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid upstream port %q: %w", p, err)
		}
		return port, nil
	}
	if u.Scheme == "https" {
		return 443, nil
	}
	return 80, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := slog.Default()
	a, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.RefreshOnStart {
		go a.warmUp(ctx)
	}

	// 古いスナップショットへの読み取りはリフレッシュ完了まで待つ
	writeTimeout := cfg.RefreshTimeout + 15*time.Second

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-stop:
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	log.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate は認証情報テーブルのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := "http://" + net.JoinHostPort("localhost", port) + "/health"
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
