// Package handler はダイジェストAPIのHTTPハンドラを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/attnsync/internal/metrics"
	"github.com/hitoshi/attnsync/internal/model"
	"github.com/hitoshi/attnsync/internal/rank"
	"github.com/hitoshi/attnsync/internal/repository"
)

// candidateFetchLimit はダイジェスト候補の取得上限。
// 選択前のスコアリング対象であり、最終的な件数はDigestBudgetで制限される。
const candidateFetchLimit = 500

// digestEntryResponse はダイジェスト1記事のレスポンス。
type digestEntryResponse struct {
	ItemID         string    `json:"item_id"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary"`
	Link           string    `json:"link"`
	SourceID       string    `json:"source_id"`
	PublishedAt    time.Time `json:"published_at"`
	Score          float64   `json:"score"`
	ReadingMinutes int       `json:"reading_minutes"`
}

// digestResponse はダイジェスト全体のレスポンス。
type digestResponse struct {
	GeneratedAt  time.Time             `json:"generated_at"`
	Date         string                `json:"date"`
	TotalMinutes int                   `json:"total_minutes"`
	Entries      []digestEntryResponse `json:"entries"`
}

// apiErrorResponse はエラーレスポンスの統一フォーマット。
type apiErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DigestHandler はダイジェスト生成APIのハンドラ。
// 候補記事と取得元をスナップショットとして読み取り、選択結果を返すだけの
// 読み取り専用ハンドラであり、並行呼び出しに対して安全。
type DigestHandler struct {
	itemRepo   repository.ItemRepository
	sourceRepo repository.SourceRepository
	selector   *rank.Selector
	collector  metrics.MetricsCollector
	logger     *slog.Logger
	budget     model.DigestBudget
}

// NewDigestHandler はDigestHandlerの新しいインスタンスを生成する。
func NewDigestHandler(
	itemRepo repository.ItemRepository,
	sourceRepo repository.SourceRepository,
	selector *rank.Selector,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	budget model.DigestBudget,
) *DigestHandler {
	return &DigestHandler{
		itemRepo:   itemRepo,
		sourceRepo: sourceRepo,
		selector:   selector,
		collector:  collector,
		logger:     logger,
		budget:     budget,
	}
}

// GetDigest はダイジェストを生成して返す。
// GET /v1/digest?date=YYYY-MM-DD&max_items=N
//
// dateを指定した場合はそのUTC日の記事が対象となり、基準時刻は日の終端に
// 固定される。同一パラメータでの再実行は常に同一の結果を返す。
// dateを省略した場合は現在時刻までの直近24時間が対象。
// 候補が0件の場合はエラーではなく空のダイジェストを返す。
func (h *DigestHandler) GetDigest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	now, since, dateLabel, err := resolveDigestWindow(r.URL.Query().Get("date"), start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_DATE", "dateはYYYY-MM-DD形式で指定してください。")
		return
	}

	budget := h.budget
	if raw := r.URL.Query().Get("max_items"); raw != "" {
		maxItems, err := strconv.Atoi(raw)
		if err != nil || maxItems < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_MAX_ITEMS", "max_itemsは1以上の整数で指定してください。")
			return
		}
		if maxItems < budget.MaxItems {
			budget.MaxItems = maxItems
		}
	}

	candidates, err := h.itemRepo.ListDigestCandidates(r.Context(), since, candidateFetchLimit)
	if err != nil {
		h.logger.Error("ダイジェスト候補の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "内部エラーが発生しました。")
		return
	}

	sources, err := h.listSourcesByID(r)
	if err != nil {
		h.logger.Error("取得元一覧の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "内部エラーが発生しました。")
		return
	}

	selection := h.selector.Select(candidates, sources, budget, now)

	h.collector.RecordDigestLatency(time.Since(start))
	h.logger.Info("ダイジェストを生成しました",
		slog.String("date", dateLabel),
		slog.Int("candidates", len(candidates)),
		slog.Int("selected", len(selection.Entries)),
		slog.Int("total_minutes", selection.TotalMinutes),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toDigestResponse(selection, dateLabel))
}

// listSourcesByID はアクティブな取得元をID引きのマップで返す。
func (h *DigestHandler) listSourcesByID(r *http.Request) (map[string]*model.Source, error) {
	sources, err := h.sourceRepo.ListActive(r.Context())
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Source, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}
	return byID, nil
}

// resolveDigestWindow はdateパラメータから基準時刻と窓の開始時刻を決定する。
// date指定時は該当UTC日の[00:00, 24:00)、省略時は現在までの24時間。
func resolveDigestWindow(rawDate string, now time.Time) (ref, since time.Time, label string, err error) {
	if rawDate == "" {
		return now, now.Add(-24 * time.Hour), now.UTC().Format("2006-01-02"), nil
	}
	day, err := time.Parse("2006-01-02", rawDate)
	if err != nil {
		return time.Time{}, time.Time{}, "", err
	}
	since = day.UTC()
	return since.Add(24 * time.Hour), since, rawDate, nil
}

func toDigestResponse(selection model.DigestSelection, dateLabel string) digestResponse {
	entries := make([]digestEntryResponse, 0, len(selection.Entries))
	for _, e := range selection.Entries {
		entries = append(entries, digestEntryResponse{
			ItemID:         e.ItemID,
			Title:          e.Title,
			Summary:        e.Summary,
			Link:           e.Link,
			SourceID:       e.SourceID,
			PublishedAt:    e.PublishedAt,
			Score:          e.Score,
			ReadingMinutes: e.ReadingMinutes,
		})
	}
	return digestResponse{
		GeneratedAt:  selection.GeneratedAt,
		Date:         dateLabel,
		TotalMinutes: selection.TotalMinutes,
		Entries:      entries,
	}
}

// writeError は統一フォーマットでエラーレスポンスを書き込む。
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:    code,
		Message: message,
	})
}
