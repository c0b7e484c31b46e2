package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/attnsync/internal/dedup"
	"github.com/hitoshi/attnsync/internal/model"
	"github.com/hitoshi/attnsync/internal/normalize"
	"github.com/hitoshi/attnsync/internal/summary"
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

// mockSSRFGuard はSSRFValidatorのテスト用モック。
// テスト用HTTPサーバーへの接続を素通しする。
type mockSSRFGuard struct {
	validateURLFunc func(rawURL string) error
}

func (m *mockSSRFGuard) ValidateURL(rawURL string) error {
	if m.validateURLFunc != nil {
		return m.validateURLFunc(rawURL)
	}
	return nil
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

// mockCollector はMetricsCollectorのテスト用モック。
type mockCollector struct {
	fetchSuccess   int
	fetchFail      int
	normalizeFail  int
	lastFailReason string
	lastNormReason string
	httpStatuses   []int
	itemsNew       int
	itemsDuplicate int
}

func (m *mockCollector) RecordFetchSuccess(sourceID string) { m.fetchSuccess++ }
func (m *mockCollector) RecordFetchFailure(sourceID string, reason string) {
	m.fetchFail++
	m.lastFailReason = reason
}
func (m *mockCollector) RecordNormalizeFailure(sourceID string, reason string) {
	m.normalizeFail++
	m.lastNormReason = reason
}
func (m *mockCollector) RecordHTTPStatus(statusCode int) {
	m.httpStatuses = append(m.httpStatuses, statusCode)
}
func (m *mockCollector) RecordFetchLatency(duration time.Duration)  {}
func (m *mockCollector) RecordItemsNew(count int)                   { m.itemsNew += count }
func (m *mockCollector) RecordItemsDuplicate(count int)             { m.itemsDuplicate += count }
func (m *mockCollector) RecordDigestLatency(duration time.Duration) {}

const testFeedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>テストフィード</title>
    <link>https://example.com</link>
    <item>
      <title>Goの並行処理パターン</title>
      <link>https://example.com/articles/1</link>
      <description>チャネルとゴルーチンを使った実践的な並行処理の解説です。</description>
      <pubDate>Mon, 24 Aug 2026 10:00:00 +0000</pubDate>
    </item>
    <item>
      <title>PostgreSQLのインデックス設計</title>
      <link>https://example.com/articles/2</link>
      <description>部分インデックスと複合インデックスの使い分けについて。</description>
      <pubDate>Mon, 24 Aug 2026 12:00:00 +0000</pubDate>
    </item>
  </channel>
</rss>`

// --- フェッチャーのテスト ---

type fetcherTestEnv struct {
	fetcher    *Fetcher
	sourceRepo *mockSourceRepo
	itemRepo   *mockItemRepo
	collector  *mockCollector
	index      *dedup.MemoryIndex
}

func newFetcherTestEnv(t *testing.T, itemRepo *mockItemRepo) *fetcherTestEnv {
	t.Helper()

	var buf bytes.Buffer
	sourceRepo := &mockSourceRepo{}
	collector := &mockCollector{}
	index := dedup.NewMemoryIndex()

	f := NewFetcher(
		sourceRepo,
		itemRepo,
		&mockSSRFGuard{},
		normalize.NewNormalizer(),
		dedup.NewEngine(index, 0.8),
		summary.Disabled{},
		collector,
		newTestLogger(&buf),
		5*time.Second,
		5*1024*1024,
		5,
	)

	return &fetcherTestEnv{
		fetcher:    f,
		sourceRepo: sourceRepo,
		itemRepo:   itemRepo,
		collector:  collector,
		index:      index,
	}
}

func testSource(url string, kind model.SourceKind) *model.Source {
	return &model.Source{
		ID:     "source-1",
		Name:   "テストソース",
		URL:    url,
		Kind:   kind,
		Active: true,
	}
}

func TestFetcher_Fetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "attnsync/") {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testFeedXML))
	}))
	defer server.Close()

	var created []*model.CanonicalItem
	itemRepo := &mockItemRepo{
		createFunc: func(ctx context.Context, item *model.CanonicalItem) error {
			created = append(created, item)
			return nil
		},
	}

	env := newFetcherTestEnv(t, itemRepo)
	source := testSource(server.URL, model.SourceKindFeed)

	var savedState *model.Source
	env.sourceRepo.updateFetchStateFunc = func(ctx context.Context, s *model.Source) error {
		savedState = s
		return nil
	}

	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("Fetch() がエラーを返した: %v", err)
	}

	if len(created) != 2 {
		t.Fatalf("作成された記事数 = %d, want 2", len(created))
	}
	if created[0].ID == "" {
		t.Error("記事IDが採番されていない")
	}
	if created[0].ExactFingerprint == "" {
		t.Error("フィンガープリントが設定されていない")
	}
	if created[0].DuplicateOf != "" {
		t.Errorf("新規記事のDuplicateOfは空であるべき: %q", created[0].DuplicateOf)
	}
	if created[0].IsDateEstimated {
		t.Error("pubDateがある記事で推定フラグが立っている")
	}
	if created[0].Summary == "" {
		t.Error("代替スニペットが設定されていない")
	}

	if savedState == nil {
		t.Fatal("取得元状態が保存されていない")
	}
	if savedState.ConsecutiveErrorCount != 0 || savedState.SuccessCount != 1 {
		t.Errorf("成功状態が適用されていない: errors=%d success=%d",
			savedState.ConsecutiveErrorCount, savedState.SuccessCount)
	}

	if env.collector.fetchSuccess != 1 {
		t.Errorf("fetchSuccess = %d, want 1", env.collector.fetchSuccess)
	}
	if env.collector.itemsNew != 2 {
		t.Errorf("itemsNew = %d, want 2", env.collector.itemsNew)
	}
	if env.index.Len() != 2 {
		t.Errorf("インデックスのエントリ数 = %d, want 2", env.index.Len())
	}
}

func TestFetcher_Fetch_DuplicateOnSecondPass(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testFeedXML))
	}))
	defer server.Close()

	var created []*model.CanonicalItem
	itemRepo := &mockItemRepo{
		createFunc: func(ctx context.Context, item *model.CanonicalItem) error {
			created = append(created, item)
			return nil
		},
	}

	env := newFetcherTestEnv(t, itemRepo)
	source := testSource(server.URL, model.SourceKindFeed)

	// 同一フィードを2回フェッチすると2回目は全件重複になる
	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("1回目のFetch() がエラーを返した: %v", err)
	}
	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("2回目のFetch() がエラーを返した: %v", err)
	}

	if env.collector.itemsNew != 2 {
		t.Errorf("itemsNew = %d, want 2", env.collector.itemsNew)
	}
	if env.collector.itemsDuplicate != 2 {
		t.Errorf("itemsDuplicate = %d, want 2", env.collector.itemsDuplicate)
	}

	if len(created) != 4 {
		t.Fatalf("作成された記事数 = %d, want 4", len(created))
	}
	// 2回目の記事は1回目の正準記事を指す
	if created[2].DuplicateOf != created[0].ID {
		t.Errorf("DuplicateOf = %q, want %q", created[2].DuplicateOf, created[0].ID)
	}

	// 重複はインデックスに積まれない
	if env.index.Len() != 2 {
		t.Errorf("インデックスのエントリ数 = %d, want 2", env.index.Len())
	}
}

func TestFetcher_Fetch_NotFoundStopsSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	env := newFetcherTestEnv(t, &mockItemRepo{})
	source := testSource(server.URL, model.SourceKindFeed)

	var savedState *model.Source
	env.sourceRepo.updateFetchStateFunc = func(ctx context.Context, s *model.Source) error {
		savedState = s
		return nil
	}

	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("Fetch() がエラーを返した: %v", err)
	}

	if savedState == nil {
		t.Fatal("取得元状態が保存されていない")
	}
	if savedState.Active {
		t.Error("404後はActive = falseであるべき")
	}
	if env.collector.fetchFail != 1 || env.collector.lastFailReason != "stop" {
		t.Errorf("失敗メトリクスが不正: count=%d reason=%q",
			env.collector.fetchFail, env.collector.lastFailReason)
	}
}

func TestFetcher_Fetch_ServerErrorAppliesBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	env := newFetcherTestEnv(t, &mockItemRepo{})
	source := testSource(server.URL, model.SourceKindFeed)

	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("Fetch() がエラーを返した: %v", err)
	}

	if source.ConsecutiveErrorCount != 1 {
		t.Errorf("ConsecutiveErrorCount = %d, want 1", source.ConsecutiveErrorCount)
	}
	if source.SkipCycles != 1 {
		t.Errorf("SkipCycles = %d, want 1", source.SkipCycles)
	}
	if !source.Active {
		t.Error("天井未満ではActiveは維持されるべき")
	}
}

func TestFetcher_Fetch_SSRFValidationFailure(t *testing.T) {
	env := newFetcherTestEnv(t, &mockItemRepo{})
	env.fetcher.ssrfGuard = &mockSSRFGuard{
		validateURLFunc: func(rawURL string) error {
			return &model.TransportError{SourceID: "source-1"}
		},
	}

	source := testSource("http://169.254.169.254/latest/meta-data", model.SourceKindAPI)

	if err := env.fetcher.Fetch(context.Background(), source); err == nil {
		t.Fatal("SSRF検証失敗時はエラーを返すべき")
	}

	if source.Active {
		t.Error("SSRF検証失敗後はActive = falseであるべき")
	}
	if env.collector.lastFailReason != "ssrf" {
		t.Errorf("失敗理由 = %q, want \"ssrf\"", env.collector.lastFailReason)
	}
}

func TestFetcher_Fetch_TransportErrorAppliesBackoff(t *testing.T) {
	env := newFetcherTestEnv(t, &mockItemRepo{})
	// 接続先のないポートでトランスポートエラーを起こす
	source := testSource("http://127.0.0.1:1", model.SourceKindFeed)

	err := env.fetcher.Fetch(context.Background(), source)
	if err == nil {
		t.Fatal("トランスポートエラー時はエラーを返すべき")
	}

	var terr *model.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("TransportErrorではないエラーが返った: %v", err)
	}
	if source.SkipCycles != 1 {
		t.Errorf("SkipCycles = %d, want 1", source.SkipCycles)
	}
}

func TestFetcher_Fetch_MalformedPayloadAppliesBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte("<rss><channel><item>壊れたXML"))
	}))
	defer server.Close()

	env := newFetcherTestEnv(t, &mockItemRepo{})
	source := testSource(server.URL, model.SourceKindFeed)

	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("Fetch() がエラーを返した: %v", err)
	}

	if env.collector.normalizeFail != 1 {
		t.Errorf("normalizeFail = %d, want 1", env.collector.normalizeFail)
	}
	if env.collector.lastNormReason != string(model.NormalizeReasonMalformed) {
		t.Errorf("正規化失敗理由 = %q, want %q",
			env.collector.lastNormReason, model.NormalizeReasonMalformed)
	}
	if source.SkipCycles != 1 {
		t.Errorf("SkipCycles = %d, want 1", source.SkipCycles)
	}
}

func TestFetcher_Fetch_ItemCreateFailureIsIsolated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testFeedXML))
	}))
	defer server.Close()

	// 1件目の保存だけ失敗させる
	calls := 0
	itemRepo := &mockItemRepo{
		createFunc: func(ctx context.Context, item *model.CanonicalItem) error {
			calls++
			if calls == 1 {
				return &model.TransportError{SourceID: "source-1"}
			}
			return nil
		},
	}

	env := newFetcherTestEnv(t, itemRepo)
	source := testSource(server.URL, model.SourceKindFeed)

	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("1記事の失敗でフェッチ全体が失敗してはならない: %v", err)
	}

	if env.collector.itemsNew != 1 {
		t.Errorf("itemsNew = %d, want 1", env.collector.itemsNew)
	}
	// 保存に失敗した記事はインデックスに積まれない
	if env.index.Len() != 1 {
		t.Errorf("インデックスのエントリ数 = %d, want 1", env.index.Len())
	}
}

func TestFetcher_Fetch_RepointFailureRestoresIndex(t *testing.T) {
	const feedLate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>転載フィード</title>
    <item>
      <title>同一記事の転載</title>
      <link>https://example.com/articles/5</link>
      <description>複数の取得元に掲載された同一記事です。</description>
      <pubDate>Mon, 24 Aug 2026 12:00:00 +0000</pubDate>
    </item>
  </channel>
</rss>`
	const feedEarly = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>元記事フィード</title>
    <item>
      <title>同一記事の転載</title>
      <link>https://example.com/articles/5</link>
      <description>複数の取得元に掲載された同一記事です。</description>
      <pubDate>Mon, 24 Aug 2026 08:00:00 +0000</pubDate>
    </item>
  </channel>
</rss>`

	body := feedLate
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(body))
	}))
	defer server.Close()

	var created []*model.CanonicalItem
	itemRepo := &mockItemRepo{
		createFunc: func(ctx context.Context, item *model.CanonicalItem) error {
			created = append(created, item)
			return nil
		},
	}

	env := newFetcherTestEnv(t, itemRepo)
	source := testSource(server.URL, model.SourceKindFeed)

	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("1回目のFetch() がエラーを返した: %v", err)
	}

	// 公開日時が古い同一記事の正準交代で付け替えを失敗させる
	body = feedEarly
	itemRepo.updateDuplicateOfFunc = func(ctx context.Context, itemID, canonicalID string) error {
		return errors.New("接続が切断されました")
	}

	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("1記事の失敗でフェッチ全体が失敗してはならない: %v", err)
	}

	// 付け替え失敗後は予約が取り消され、既存の正準がインデックスに残る
	if env.index.Len() != 1 {
		t.Fatalf("インデックスのエントリ数 = %d, want 1", env.index.Len())
	}

	// 3回目の同一記事は復元された元の正準の重複と判定される
	body = feedLate
	itemRepo.updateDuplicateOfFunc = nil

	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("3回目のFetch() がエラーを返した: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("作成された記事数 = %d, want 3", len(created))
	}
	if created[2].DuplicateOf != created[0].ID {
		t.Errorf("DuplicateOf = %q, want %q", created[2].DuplicateOf, created[0].ID)
	}
}

func TestFetcher_Fetch_MissingDateUsesEstimate(t *testing.T) {
	const feedWithoutDate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>日付なしフィード</title>
    <item>
      <title>公開日時のない記事</title>
      <link>https://example.com/articles/3</link>
      <description>この記事には公開日時がありません。</description>
    </item>
  </channel>
</rss>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(feedWithoutDate))
	}))
	defer server.Close()

	var created *model.CanonicalItem
	itemRepo := &mockItemRepo{
		createFunc: func(ctx context.Context, item *model.CanonicalItem) error {
			created = item
			return nil
		},
	}

	env := newFetcherTestEnv(t, itemRepo)
	source := testSource(server.URL, model.SourceKindFeed)

	before := time.Now()
	if err := env.fetcher.Fetch(context.Background(), source); err != nil {
		t.Fatalf("Fetch() がエラーを返した: %v", err)
	}

	if created == nil {
		t.Fatal("記事が作成されていない")
	}
	if !created.IsDateEstimated {
		t.Error("公開日時のない記事は推定フラグが立つべき")
	}
	if created.PublishedAt.Before(before) {
		t.Error("推定日時はフェッチ時刻であるべき")
	}
}
