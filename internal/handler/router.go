package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/attnsync/internal/metrics"
	"github.com/hitoshi/attnsync/internal/middleware"
)

// Pinger はヘルスチェック用のDB疎通確認インターフェース。
// *sql.DB を受け付けることができる。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	RateLimiter   *middleware.RateLimiter
	DigestHandler *DigestHandler
	DB            Pinger
	Gatherer      prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成した
// chi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → RateLimit
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	// 運用エンドポイント
	r.Get("/health", healthHandler(deps.DB))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// ダイジェストAPI
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.Middleware())
		r.Get("/v1/digest", deps.DigestHandler.GetDigest)
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラを返す。
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "データベースに接続できません。")
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}
