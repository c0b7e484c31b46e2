package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/attnsync/internal/config"
	"github.com/hitoshi/attnsync/internal/database"
	"github.com/hitoshi/attnsync/internal/dedup"
	"github.com/hitoshi/attnsync/internal/handler"
	"github.com/hitoshi/attnsync/internal/logger"
	"github.com/hitoshi/attnsync/internal/metrics"
	"github.com/hitoshi/attnsync/internal/middleware"
	"github.com/hitoshi/attnsync/internal/model"
	"github.com/hitoshi/attnsync/internal/normalize"
	"github.com/hitoshi/attnsync/internal/rank"
	"github.com/hitoshi/attnsync/internal/repository"
	"github.com/hitoshi/attnsync/internal/security"
	"github.com/hitoshi/attnsync/internal/summary"
	"github.com/hitoshi/attnsync/internal/worker/cleanup"
	fetchpkg "github.com/hitoshi/attnsync/internal/worker/fetch"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込んで検証し、JSON構造化ログをセットアップする。
// 設定不正（ConfigurationError）はここで失敗し、フェッチサイクルは開始されない。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定値の検証。不正な閾値・重みは起動前に致命的エラーとする
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

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
			port = "8080"
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
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はダイジェストAPIサーバーモードで起動する。
// DB接続を開き、スコアラー・セレクタとハンドラをワイヤリングし、
// HTTPサーバーを起動する。SIGINTまたはSIGTERMシグナルを受信すると
// グレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	sourceRepo := repository.NewPostgresSourceRepo(db)
	itemRepo := repository.NewPostgresItemRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. スコアラーとセレクタの初期化
	selector := rank.NewSelector(rank.NewScorer(rank.Weights{
		Recency:     cfg.WeightRecency,
		Reliability: cfg.WeightReliability,
		TextSignal:  cfg.WeightTextSignal,
	}))

	// 5. ハンドラとルーターの構築
	digestHandler := handler.NewDigestHandler(
		itemRepo, sourceRepo, selector, collector, slog.Default(),
		model.DigestBudget{
			MaxItems:   cfg.DigestMaxItems,
			MaxMinutes: cfg.DigestMaxMinutes,
		},
	)

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), slog.Default())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        slog.Default(),
		RateLimiter:   rateLimiter,
		DigestHandler: digestHandler,
		DB:            db,
		Gatherer:      registry,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("digest API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down digest API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("digest API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、重複判定インデックスを再構築してから
// フェッチスケジューラとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	sourceRepo := repository.NewPostgresSourceRepo(db)
	itemRepo := repository.NewPostgresItemRepo(db)

	// 3. 重複判定インデックスの再構築
	// インデックスはDBから導出される状態であり、起動のたびに
	// ウィンドウ内の正準記事から作り直す
	index := dedup.NewMemoryIndex()
	since := time.Now().AddDate(0, 0, -cfg.DedupWindowDays)
	loaded, err := dedup.Rehydrate(context.Background(), index, itemRepo, since)
	if err != nil {
		return fmt.Errorf("failed to rehydrate dedup index: %w", err)
	}
	slog.Info("dedup index rehydrated",
		slog.Int("entries", loaded),
		slog.Int("window_days", cfg.DedupWindowDays),
	)

	// 4. パイプライン部品の初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	ssrfGuard := security.NewSSRFGuard()
	engine := dedup.NewEngine(index, cfg.SimilarityThreshold)

	fetcher := fetchpkg.NewFetcher(
		sourceRepo, itemRepo, ssrfGuard,
		normalize.NewNormalizer(), engine, summary.Disabled{},
		collector, slog.Default(),
		cfg.FetchTimeout, cfg.FetchMaxSize, cfg.BackoffCeilingCycles,
	)

	// 5. スケジューラの初期化
	scheduler := fetchpkg.NewScheduler(
		sourceRepo, fetcher, index, slog.Default(),
		cfg.FetchConcurrency, cfg.DedupWindowDays,
	)

	// 6. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(itemRepo, slog.Default(), cfg.ItemRetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Int("fetch_concurrency", cfg.FetchConcurrency),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.Start(ctx, 24*time.Hour)

	// フェッチスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.FetchInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
