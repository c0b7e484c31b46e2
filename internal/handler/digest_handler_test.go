package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/attnsync/internal/model"
	"github.com/hitoshi/attnsync/internal/rank"
)

// --- モック定義 ---

// mockItemRepo はItemRepositoryのテスト用モック。
type mockItemRepo struct {
	findByIDFunc               func(ctx context.Context, id string) (*model.CanonicalItem, error)
	findByExactFingerprintFunc func(ctx context.Context, fingerprint string) (*model.CanonicalItem, error)
	createFunc                 func(ctx context.Context, item *model.CanonicalItem) error
	listWindowFunc             func(ctx context.Context, since time.Time) ([]*model.CanonicalItem, error)
	updateDuplicateOfFunc      func(ctx context.Context, itemID, canonicalID string) error
	repointDuplicatesFunc      func(ctx context.Context, oldCanonicalID, newCanonicalID string) error
	listDigestCandidatesFunc   func(ctx context.Context, since time.Time, limit int) ([]*model.CanonicalItem, error)
	deleteOlderThanFunc        func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (m *mockItemRepo) FindByID(ctx context.Context, id string) (*model.CanonicalItem, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockItemRepo) FindByExactFingerprint(ctx context.Context, fingerprint string) (*model.CanonicalItem, error) {
	if m.findByExactFingerprintFunc != nil {
		return m.findByExactFingerprintFunc(ctx, fingerprint)
	}
	return nil, nil
}

func (m *mockItemRepo) Create(ctx context.Context, item *model.CanonicalItem) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, item)
	}
	return nil
}

func (m *mockItemRepo) ListWindow(ctx context.Context, since time.Time) ([]*model.CanonicalItem, error) {
	if m.listWindowFunc != nil {
		return m.listWindowFunc(ctx, since)
	}
	return nil, nil
}

func (m *mockItemRepo) UpdateDuplicateOf(ctx context.Context, itemID, canonicalID string) error {
	if m.updateDuplicateOfFunc != nil {
		return m.updateDuplicateOfFunc(ctx, itemID, canonicalID)
	}
	return nil
}

func (m *mockItemRepo) RepointDuplicates(ctx context.Context, oldCanonicalID, newCanonicalID string) error {
	if m.repointDuplicatesFunc != nil {
		return m.repointDuplicatesFunc(ctx, oldCanonicalID, newCanonicalID)
	}
	return nil
}

func (m *mockItemRepo) ListDigestCandidates(ctx context.Context, since time.Time, limit int) ([]*model.CanonicalItem, error) {
	if m.listDigestCandidatesFunc != nil {
		return m.listDigestCandidatesFunc(ctx, since, limit)
	}
	return nil, nil
}

func (m *mockItemRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.deleteOlderThanFunc != nil {
		return m.deleteOlderThanFunc(ctx, cutoff)
	}
	return 0, nil
}

// mockSourceRepo はSourceRepositoryのテスト用モック。
type mockSourceRepo struct {
	findByIDFunc            func(ctx context.Context, id string) (*model.Source, error)
	findByURLFunc           func(ctx context.Context, url string) (*model.Source, error)
	createFunc              func(ctx context.Context, source *model.Source) error
	listActiveFunc          func(ctx context.Context) ([]*model.Source, error)
	listDueForFetchFunc     func(ctx context.Context) ([]*model.Source, error)
	decrementSkipCyclesFunc func(ctx context.Context) error
	updateFetchStateFunc    func(ctx context.Context, source *model.Source) error
}

func (m *mockSourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockSourceRepo) FindByURL(ctx context.Context, url string) (*model.Source, error) {
	if m.findByURLFunc != nil {
		return m.findByURLFunc(ctx, url)
	}
	return nil, nil
}

func (m *mockSourceRepo) Create(ctx context.Context, source *model.Source) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, source)
	}
	return nil
}

func (m *mockSourceRepo) ListActive(ctx context.Context) ([]*model.Source, error) {
	if m.listActiveFunc != nil {
		return m.listActiveFunc(ctx)
	}
	return nil, nil
}

func (m *mockSourceRepo) ListDueForFetch(ctx context.Context) ([]*model.Source, error) {
	if m.listDueForFetchFunc != nil {
		return m.listDueForFetchFunc(ctx)
	}
	return nil, nil
}

func (m *mockSourceRepo) DecrementSkipCycles(ctx context.Context) error {
	if m.decrementSkipCyclesFunc != nil {
		return m.decrementSkipCyclesFunc(ctx)
	}
	return nil
}

func (m *mockSourceRepo) UpdateFetchState(ctx context.Context, source *model.Source) error {
	if m.updateFetchStateFunc != nil {
		return m.updateFetchStateFunc(ctx, source)
	}
	return nil
}

// mockCollector はMetricsCollectorのテスト用モック。
type mockCollector struct {
	digestLatencyRecorded bool
}

func (m *mockCollector) RecordFetchSuccess(sourceID string)                {}
func (m *mockCollector) RecordFetchFailure(sourceID string, reason string) {}
func (m *mockCollector) RecordNormalizeFailure(sourceID, reason string)    {}
func (m *mockCollector) RecordHTTPStatus(statusCode int)                   {}
func (m *mockCollector) RecordFetchLatency(duration time.Duration)         {}
func (m *mockCollector) RecordItemsNew(count int)                          {}
func (m *mockCollector) RecordItemsDuplicate(count int)                    {}
func (m *mockCollector) RecordDigestLatency(duration time.Duration) {
	m.digestLatencyRecorded = true
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestSelector() *rank.Selector {
	return rank.NewSelector(rank.NewScorer(rank.Weights{
		Recency:     0.5,
		Reliability: 0.3,
		TextSignal:  0.2,
	}))
}

func testBudget() model.DigestBudget {
	return model.DigestBudget{MaxItems: 10, MaxMinutes: 30}
}

func candidateItem(id string, publishedAt time.Time, wordCount int) *model.CanonicalItem {
	return &model.CanonicalItem{
		ID:          id,
		SourceID:    "source-1",
		Title:       "記事 " + id,
		Summary:     "要約 " + id,
		Link:        "https://example.com/" + id,
		PublishedAt: publishedAt,
		WordCount:   wordCount,
	}
}

func newDigestHandler(itemRepo *mockItemRepo, sourceRepo *mockSourceRepo, collector *mockCollector) *DigestHandler {
	var buf bytes.Buffer
	return NewDigestHandler(
		itemRepo,
		sourceRepo,
		newTestSelector(),
		collector,
		newTestLogger(&buf),
		testBudget(),
	)
}

// --- ダイジェストハンドラのテスト ---

func TestDigestHandler_ReturnsRankedEntries(t *testing.T) {
	now := time.Now()
	itemRepo := &mockItemRepo{
		listDigestCandidatesFunc: func(ctx context.Context, since time.Time, limit int) ([]*model.CanonicalItem, error) {
			return []*model.CanonicalItem{
				candidateItem("item-1", now.Add(-1*time.Hour), 300),
				candidateItem("item-2", now.Add(-2*time.Hour), 300),
			}, nil
		},
	}
	sourceRepo := &mockSourceRepo{
		listActiveFunc: func(ctx context.Context) ([]*model.Source, error) {
			return []*model.Source{
				{ID: "source-1", SuccessCount: 9, ErrorCount: 1},
			}, nil
		},
	}
	collector := &mockCollector{}

	h := newDigestHandler(itemRepo, sourceRepo, collector)

	req := httptest.NewRequest(http.MethodGet, "/v1/digest", nil)
	rec := httptest.NewRecorder()
	h.GetDigest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp digestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}

	if len(resp.Entries) != 2 {
		t.Fatalf("エントリ数 = %d, want 2", len(resp.Entries))
	}
	// 新しい記事が先に来る
	if resp.Entries[0].ItemID != "item-1" {
		t.Errorf("先頭のItemID = %q, want \"item-1\"", resp.Entries[0].ItemID)
	}
	if resp.Entries[0].Score < resp.Entries[1].Score {
		t.Error("エントリがスコア降順に並んでいない")
	}
	if resp.TotalMinutes < 2 {
		t.Errorf("TotalMinutes = %d, want >= 2", resp.TotalMinutes)
	}

	if !collector.digestLatencyRecorded {
		t.Error("ダイジェスト生成レイテンシが記録されていない")
	}
}

func TestDigestHandler_EmptyCandidatesReturnsEmptyDigest(t *testing.T) {
	// 候補0件はエラーではなく空のダイジェスト
	h := newDigestHandler(&mockItemRepo{}, &mockSourceRepo{}, &mockCollector{})

	req := httptest.NewRequest(http.MethodGet, "/v1/digest", nil)
	rec := httptest.NewRecorder()
	h.GetDigest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp digestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	if len(resp.Entries) != 0 {
		t.Errorf("エントリ数 = %d, want 0", len(resp.Entries))
	}
	if resp.TotalMinutes != 0 {
		t.Errorf("TotalMinutes = %d, want 0", resp.TotalMinutes)
	}
}

func TestDigestHandler_MaxItemsCapsSelection(t *testing.T) {
	now := time.Now()
	itemRepo := &mockItemRepo{
		listDigestCandidatesFunc: func(ctx context.Context, since time.Time, limit int) ([]*model.CanonicalItem, error) {
			items := make([]*model.CanonicalItem, 15)
			for i := range items {
				items[i] = candidateItem(
					string(rune('a'+i)),
					now.Add(-time.Duration(i)*time.Hour),
					200,
				)
			}
			return items, nil
		},
	}

	h := newDigestHandler(itemRepo, &mockSourceRepo{}, &mockCollector{})

	req := httptest.NewRequest(http.MethodGet, "/v1/digest?max_items=3", nil)
	rec := httptest.NewRecorder()
	h.GetDigest(rec, req)

	var resp digestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	if len(resp.Entries) != 3 {
		t.Errorf("エントリ数 = %d, want 3", len(resp.Entries))
	}
}

func TestDigestHandler_InvalidMaxItems(t *testing.T) {
	h := newDigestHandler(&mockItemRepo{}, &mockSourceRepo{}, &mockCollector{})

	for _, raw := range []string{"abc", "0", "-1"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/digest?max_items="+raw, nil)
		rec := httptest.NewRecorder()
		h.GetDigest(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("max_items=%s のstatus = %d, want 400", raw, rec.Code)
		}
	}
}

func TestDigestHandler_DateParameterIsDeterministic(t *testing.T) {
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	itemRepo := &mockItemRepo{
		listDigestCandidatesFunc: func(ctx context.Context, since time.Time, limit int) ([]*model.CanonicalItem, error) {
			if !since.Equal(day) {
				t.Errorf("since = %v, want %v", since, day)
			}
			return []*model.CanonicalItem{
				candidateItem("item-1", day.Add(10*time.Hour), 300),
			}, nil
		},
	}

	h := newDigestHandler(itemRepo, &mockSourceRepo{}, &mockCollector{})

	// 同一日付での2回の呼び出しは同一の結果を返す
	var bodies []string
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/digest?date=2026-08-24", nil)
		rec := httptest.NewRecorder()
		h.GetDigest(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		bodies = append(bodies, rec.Body.String())
	}

	if bodies[0] != bodies[1] {
		t.Error("同一パラメータで結果が一致しない")
	}
}

func TestDigestHandler_InvalidDate(t *testing.T) {
	h := newDigestHandler(&mockItemRepo{}, &mockSourceRepo{}, &mockCollector{})

	req := httptest.NewRequest(http.MethodGet, "/v1/digest?date=24-08-2026", nil)
	rec := httptest.NewRecorder()
	h.GetDigest(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp apiErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("エラーレスポンスのパースに失敗: %v", err)
	}
	if resp.Code != "INVALID_DATE" {
		t.Errorf("エラーコード = %q, want \"INVALID_DATE\"", resp.Code)
	}
}

func TestDigestHandler_RepoErrorReturns500(t *testing.T) {
	itemRepo := &mockItemRepo{
		listDigestCandidatesFunc: func(ctx context.Context, since time.Time, limit int) ([]*model.CanonicalItem, error) {
			return nil, errors.New("db connection failed")
		},
	}

	h := newDigestHandler(itemRepo, &mockSourceRepo{}, &mockCollector{})

	req := httptest.NewRequest(http.MethodGet, "/v1/digest", nil)
	rec := httptest.NewRecorder()
	h.GetDigest(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
