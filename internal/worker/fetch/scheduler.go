// Package fetch は取得元のバックグラウンドフェッチ処理を提供する。
// スケジューラ、フェッチャー、リトライ/バックオフ戦略を含む。
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/attnsync/internal/dedup"
	"github.com/hitoshi/attnsync/internal/model"
	"github.com/hitoshi/attnsync/internal/repository"
)

// SourceFetcherService は取得元フェッチの実行インターフェース。
type SourceFetcherService interface {
	// Fetch は指定取得元をフェッチし、結果に応じて取得元の状態を更新する。
	Fetch(ctx context.Context, source *model.Source) error
}

// Scheduler は取得元フェッチのスケジューリングと並列制御を行う。
// ティッカーでフェッチ対象の取得元を取得し、semaphoreパターンで
// 最大並列数を制御しながらフェッチを実行する。
// 同一取得元が1サイクル内で複数ワーカーに割り当てられることはない。
type Scheduler struct {
	sourceRepo     repository.SourceRepository
	fetcher        SourceFetcherService
	index          dedup.WindowIndex
	logger         *slog.Logger
	maxConcurrency int
	windowDays     int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	sourceRepo repository.SourceRepository,
	fetcher SourceFetcherService,
	index dedup.WindowIndex,
	logger *slog.Logger,
	maxConcurrency int,
	windowDays int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Scheduler{
		sourceRepo:     sourceRepo,
		fetcher:        fetcher,
		index:          index,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		windowDays:     windowDays,
		inFlight:       make(map[string]struct{}),
	}
}

// Start はティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("フェッチスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("フェッチサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("フェッチスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("フェッチサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はフェッチ対象の取得元を1回取得し、並列でフェッチを実行する。
// semaphoreパターンで最大並列数を制御する。
// サイクルの先頭でバックオフ中の取得元のスキップサイクルを消化し、
// ウィンドウ外のインデックスエントリを追い出す。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	// バックオフのスキップサイクルを1消化する
	if err := s.sourceRepo.DecrementSkipCycles(ctx); err != nil {
		return err
	}

	// ウィンドウ外のエントリをインデックスから追い出す
	horizon := start.AddDate(0, 0, -s.windowDays)
	if evicted := s.index.Evict(horizon); evicted > 0 {
		s.logger.Info("ウィンドウ外のインデックスエントリを追い出しました",
			slog.Int("evicted", evicted),
		)
	}

	// フェッチ対象の取得元を取得（FOR UPDATE SKIP LOCKED）
	sources, err := s.sourceRepo.ListDueForFetch(ctx)
	if err != nil {
		return err
	}

	if len(sources) == 0 {
		s.logger.Info("フェッチ対象の取得元はありません")
		return nil
	}

	s.logger.Info("フェッチサイクルを開始します",
		slog.Int("source_count", len(sources)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	dispatched := 0
	for _, source := range sources {
		// 同一取得元の同時処理を防ぐ
		if !s.markInFlight(source.ID) {
			continue
		}
		dispatched++

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(src *model.Source) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放
			defer s.clearInFlight(src.ID)

			if err := s.fetcher.Fetch(ctx, src); err != nil {
				s.logger.Error("取得元のフェッチに失敗しました",
					slog.String("source_id", src.ID),
					slog.String("url", src.URL),
					slog.String("error", err.Error()),
				)
			}
		}(source)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("フェッチサイクルが完了しました",
		slog.Int("source_count", dispatched),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// markInFlight は取得元を処理中として登録する。
// すでに処理中の場合はfalseを返す。
func (s *Scheduler) markInFlight(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[sourceID]; ok {
		return false
	}
	s.inFlight[sourceID] = struct{}{}
	return true
}

// clearInFlight は取得元の処理中登録を解除する。
func (s *Scheduler) clearInFlight(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, sourceID)
}
