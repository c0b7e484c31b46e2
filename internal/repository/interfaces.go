// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/attnsync/internal/model"
)

// SourceRepository は取得元データの永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDの取得元を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Source, error)

	// FindByURL はURLで取得元を検索する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Source, error)

	// Create は取得元を作成する。
	Create(ctx context.Context, source *model.Source) error

	// ListActive はアクティブな取得元の一覧を返す。
	ListActive(ctx context.Context) ([]*model.Source, error)

	// ListDueForFetch はフェッチ対象の取得元を取得する。
	// active = TRUE かつ skip_cycles = 0 かつインターバル経過済みの取得元を
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForFetch(ctx context.Context) ([]*model.Source, error)

	// DecrementSkipCycles はバックオフ中の全取得元のskip_cyclesを1減らす。
	// フェッチサイクルの先頭で1回呼び出す。
	DecrementSkipCycles(ctx context.Context) error

	// UpdateFetchState は取得元のフェッチ状態を更新する。
	// active、last_fetched_at、consecutive_error_count、last_error、
	// skip_cycles、success_count、error_countを更新する。
	UpdateFetchState(ctx context.Context, source *model.Source) error
}

// ItemRepository は正準記事データの永続化インターフェース。
type ItemRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CanonicalItem, error)

	// FindByExactFingerprint は完全一致フィンガープリントで記事を検索する。
	// 見つからない場合はnilを返す。
	FindByExactFingerprint(ctx context.Context, fingerprint string) (*model.CanonicalItem, error)

	// Create は新規記事を作成する。
	Create(ctx context.Context, item *model.CanonicalItem) error

	// ListWindow は指定時刻以降に公開された全記事を返す。
	// 起動時の重複判定インデックス再構築に使用する。
	ListWindow(ctx context.Context, since time.Time) ([]*model.CanonicalItem, error)

	// UpdateDuplicateOf は記事のduplicate_ofを事後設定する。
	// ウィンドウ内の順序逆転時に、後着の正準記事への付け替えで使用する。
	UpdateDuplicateOf(ctx context.Context, itemID, canonicalID string) error

	// RepointDuplicates は旧正準記事を指す全記事のduplicate_ofを
	// 新正準記事へ一括で付け替える。
	RepointDuplicates(ctx context.Context, oldCanonicalID, newCanonicalID string) error

	// ListDigestCandidates は指定時刻以降に公開された正準記事（非重複）を
	// published_at降順で返す。
	ListDigestCandidates(ctx context.Context, since time.Time, limit int) ([]*model.CanonicalItem, error)

	// DeleteOlderThan は指定時刻より前に公開された記事を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
