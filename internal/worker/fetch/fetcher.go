package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/attnsync/internal/dedup"
	"github.com/hitoshi/attnsync/internal/fingerprint"
	"github.com/hitoshi/attnsync/internal/metrics"
	"github.com/hitoshi/attnsync/internal/model"
	"github.com/hitoshi/attnsync/internal/normalize"
	"github.com/hitoshi/attnsync/internal/repository"
	"github.com/hitoshi/attnsync/internal/summary"
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Fetcher は個別取得元のHTTPフェッチと取り込みパイプラインを実行する。
// SSRF検証、正規化、フィンガープリント、重複判定、永続化を
// 取得元1件の単位で順に行う。
type Fetcher struct {
	sourceRepo     repository.SourceRepository
	itemRepo       repository.ItemRepository
	ssrfGuard      SSRFValidator
	normalizer     *normalize.Normalizer
	engine         *dedup.Engine
	summarizer     summary.Summarizer
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	timeout        time.Duration
	maxBodySize    int64
	backoffCeiling int
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	sourceRepo repository.SourceRepository,
	itemRepo repository.ItemRepository,
	ssrfGuard SSRFValidator,
	normalizer *normalize.Normalizer,
	engine *dedup.Engine,
	summarizer summary.Summarizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
	backoffCeiling int,
) *Fetcher {
	return &Fetcher{
		sourceRepo:     sourceRepo,
		itemRepo:       itemRepo,
		ssrfGuard:      ssrfGuard,
		normalizer:     normalizer,
		engine:         engine,
		summarizer:     summarizer,
		collector:      collector,
		logger:         logger,
		timeout:        timeout,
		maxBodySize:    maxBodySize,
		backoffCeiling: backoffCeiling,
	}
}

// Fetch は取得元をフェッチし、結果に応じて取得元の状態を更新する。
// SourceFetcherServiceインターフェースを実装する。
// エラーは該当取得元に限定され、呼び出し側のサイクルは継続する。
func (f *Fetcher) Fetch(ctx context.Context, source *model.Source) error {
	start := time.Now()

	// SSRF検証
	if err := f.ssrfGuard.ValidateURL(source.URL); err != nil {
		f.logger.Error("SSRF検証に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("url", source.URL),
			slog.String("error", err.Error()),
		)
		ApplyStopSource(source, fmt.Sprintf("SSRF検証失敗: %s", err.Error()), time.Now())
		f.collector.RecordFetchFailure(source.ID, "ssrf")
		f.updateState(ctx, source)
		return fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	// HTTPリクエスト構築
	client := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	req.Header.Set("User-Agent", "attnsync/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, application/json, text/html, */*")

	// HTTPリクエスト実行
	resp, err := client.Do(req)
	if err != nil {
		f.logger.Error("HTTPリクエストに失敗しました",
			slog.String("source_id", source.ID),
			slog.String("url", source.URL),
			slog.String("error", err.Error()),
		)
		ApplyBackoff(source, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()), f.backoffCeiling, time.Now())
		f.collector.RecordFetchFailure(source.ID, "transport")
		f.updateState(ctx, source)
		return &model.TransportError{SourceID: source.ID, Cause: err}
	}
	defer resp.Body.Close()

	f.collector.RecordHTTPStatus(resp.StatusCode)

	// ステータスコードによる分類
	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultStop:
		f.logger.Warn("回復不能なステータスのため取得元を停止します",
			slog.String("source_id", source.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		ApplyStopSource(source, fmt.Sprintf("HTTPステータス %d によりフェッチを停止", resp.StatusCode), time.Now())
		f.collector.RecordFetchFailure(source.ID, "stop")
		return f.updateState(ctx, source)
	case FetchResultBackoff, FetchResultUnknown:
		f.logger.Warn("エラーステータスによりバックオフします",
			slog.String("source_id", source.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		ApplyBackoff(source, fmt.Sprintf("HTTPステータス: %d", resp.StatusCode), f.backoffCeiling, time.Now())
		f.collector.RecordFetchFailure(source.ID, "http_status")
		return f.updateState(ctx, source)
	}

	// レスポンスボディを読み込み（最大サイズ制限付き）
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		f.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", err.Error()),
		)
		ApplyBackoff(source, fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()), f.backoffCeiling, time.Now())
		f.collector.RecordFetchFailure(source.ID, "transport")
		return f.updateState(ctx, source)
	}

	raw := &model.RawFetchResult{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		Duration:    time.Since(start),
		FetchedAt:   time.Now(),
	}

	// 正規化
	items, err := f.normalizer.Normalize(source.Kind, raw)
	if err != nil {
		reason := string(model.NormalizeReasonMalformed)
		var nerr *model.NormalizationError
		if errors.As(err, &nerr) {
			reason = string(nerr.Reason)
		}
		f.logger.Error("ペイロードの正規化に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		ApplyBackoff(source, fmt.Sprintf("正規化失敗 (%s): %s", reason, err.Error()), f.backoffCeiling, time.Now())
		f.collector.RecordNormalizeFailure(source.ID, reason)
		return f.updateState(ctx, source)
	}

	// 記事ごとにフィンガープリント・重複判定・永続化を行う
	newItems, dupItems := f.ingestItems(ctx, source, items, raw.FetchedAt)

	ApplySuccess(source, time.Now())
	if err := f.updateState(ctx, source); err != nil {
		return err
	}

	duration := time.Since(start)
	f.collector.RecordFetchSuccess(source.ID)
	f.collector.RecordFetchLatency(duration)
	f.collector.RecordItemsNew(newItems)
	f.collector.RecordItemsDuplicate(dupItems)

	f.logger.Info("取得元のフェッチが完了しました",
		slog.String("source_id", source.ID),
		slog.String("url", source.URL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("new_items", newItems),
		slog.Int("duplicate_items", dupItems),
		slog.Int("items_total", len(items)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// ingestItems は正規化済み記事を1件ずつ取り込む。
// 1記事の失敗は該当記事のみをスキップし、残りの処理を継続する。
// 新規記事数と重複記事数を返す。
func (f *Fetcher) ingestItems(ctx context.Context, source *model.Source, items []model.NormalizedItem, fetchedAt time.Time) (newItems, dupItems int) {
	for i := range items {
		item := &items[i]

		duplicate, err := f.ingestOne(ctx, source, item, fetchedAt)
		if err != nil {
			f.logger.Error("記事の取り込みに失敗しました",
				slog.String("source_id", source.ID),
				slog.String("title", item.Title),
				slog.String("error", err.Error()),
			)
			continue
		}
		if duplicate {
			dupItems++
		} else {
			newItems++
		}
	}
	return newItems, dupItems
}

// ingestOne は1記事のフィンガープリント・重複判定・永続化を行う。
// 分類とインデックス予約を先に原子的に行うため、同じ記事を運ぶ
// 別取得元を並行に取り込んでも正準は1件に定まる。データベースへの
// 保存に失敗した場合は予約を取り消し、インデックスを元に戻す。
func (f *Fetcher) ingestOne(ctx context.Context, source *model.Source, item *model.NormalizedItem, fetchedAt time.Time) (bool, error) {
	fp := fingerprint.Compute(item)

	// 公開日時がない場合はフェッチ時刻で代用し、推定フラグを立てる
	publishedAt := fetchedAt
	isEstimated := true
	if item.PublishedAt != nil {
		publishedAt = *item.PublishedAt
		isEstimated = false
	}

	itemID := uuid.NewString()
	decision := f.engine.Reserve(dedup.Entry{
		ItemID:      itemID,
		Exact:       fp.Exact,
		Signature:   fp.Signature,
		PublishedAt: publishedAt,
	})

	canonical := &model.CanonicalItem{
		ID:               itemID,
		SourceID:         source.ID,
		Title:            item.Title,
		Body:             item.Body,
		Summary:          f.summarize(ctx, item),
		Link:             item.Link,
		Author:           item.Author,
		PublishedAt:      publishedAt,
		IsDateEstimated:  isEstimated,
		FetchedAt:        fetchedAt,
		ExactFingerprint: fp.Exact,
		Signature:        fp.Signature,
		DuplicateOf:      decision.CanonicalID,
		WordCount:        normalize.CountWords(item.Body),
		CreatedAt:        time.Now(),
	}

	if err := f.itemRepo.Create(ctx, canonical); err != nil {
		f.engine.Release(decision, itemID)
		return false, err
	}

	// 正準交代: 既存記事とその重複群を新着記事へ付け替える
	if decision.DisplacedID != "" {
		if err := f.itemRepo.UpdateDuplicateOf(ctx, decision.DisplacedID, canonical.ID); err != nil {
			f.engine.Release(decision, itemID)
			return false, &model.DedupIndexError{Op: "update", Cause: err}
		}
		if err := f.itemRepo.RepointDuplicates(ctx, decision.DisplacedID, canonical.ID); err != nil {
			f.engine.Release(decision, itemID)
			return false, &model.DedupIndexError{Op: "update", Cause: err}
		}
	}

	return decision.Duplicate, nil
}

// summarize は要約を生成する。プロバイダが利用できない場合は
// 本文先頭の代替スニペットにフォールバックする。
func (f *Fetcher) summarize(ctx context.Context, item *model.NormalizedItem) string {
	text, err := f.summarizer.Summarize(ctx, item)
	if err != nil {
		if !errors.Is(err, summary.ErrUnavailable) {
			f.logger.Warn("要約の生成に失敗しました",
				slog.String("title", item.Title),
				slog.String("error", err.Error()),
			)
		}
		return summary.FallbackSnippet(item)
	}
	return text
}

// updateState は取得元の状態を保存する。失敗はログに記録する。
func (f *Fetcher) updateState(ctx context.Context, source *model.Source) error {
	if err := f.sourceRepo.UpdateFetchState(ctx, source); err != nil {
		f.logger.Error("取得元状態の更新に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
