package dedup

import (
	"context"
	"time"

	"github.com/hitoshi/attnsync/internal/model"
)

// ItemLister はインデックス再構築に必要な記事取得のインターフェース。
type ItemLister interface {
	// ListWindow は指定時刻以降に公開された全記事を返す。
	ListWindow(ctx context.Context, since time.Time) ([]*model.CanonicalItem, error)
}

// Rehydrate はウィンドウ内の正準記事をデータベースからロードして
// インデックスを再構築する。重複記事はインデックスに含めない。
// 登録したエントリ数を返す。起動時に1回呼び出す。
func Rehydrate(ctx context.Context, index WindowIndex, lister ItemLister, since time.Time) (int, error) {
	items, err := lister.ListWindow(ctx, since)
	if err != nil {
		return 0, &model.DedupIndexError{Op: "rehydrate", Cause: err}
	}

	loaded := 0
	for _, item := range items {
		if item.IsDuplicate() {
			continue
		}
		index.Add(Entry{
			ItemID:      item.ID,
			Exact:       item.ExactFingerprint,
			Signature:   item.Signature,
			PublishedAt: item.PublishedAt,
		})
		loaded++
	}

	return loaded, nil
}
