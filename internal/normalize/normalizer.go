// Package normalize は取得ペイロードを正規化済みコンテンツへ変換する。
//
// 取得元の種類（feed/page/api）ごとのパーサが生のペイロードを解釈し、
// Cleanerがタグ除去・空白圧縮・長さ制限を適用したNormalizedItemを生成する。
// パース不能・空・非対応エンコーディングのペイロードは
// 理由コード付きのNormalizationErrorとして報告される。
package normalize

import (
	"fmt"

	"github.com/hitoshi/attnsync/internal/model"
)

// Normalizer は取得元の種類に応じてペイロードを正規化する。
type Normalizer struct {
	cleaner *Cleaner
}

// NewNormalizer はNormalizerを生成する。
func NewNormalizer() *Normalizer {
	return &Normalizer{cleaner: NewCleaner()}
}

// Normalize はフェッチ結果を正規化済み記事のスライスに変換する。
// feedは複数記事、pageとapiは1件以上の記事を返しうる。
// タイトルと本文が両方とも空になった記事は除外される。
// 全記事が除外された場合はEmptyエラーを返す。
func (n *Normalizer) Normalize(kind model.SourceKind, raw *model.RawFetchResult) ([]model.NormalizedItem, error) {
	if len(raw.Body) == 0 {
		return nil, &model.NormalizationError{
			Reason: model.NormalizeReasonEmpty,
			Detail: "response body is empty",
		}
	}

	var items []model.NormalizedItem
	var err error

	switch kind {
	case model.SourceKindFeed:
		items, err = n.parseFeed(raw.Body)
	case model.SourceKindPage:
		items, err = n.parsePage(raw.Body)
	case model.SourceKindAPI:
		items, err = n.parseAPI(raw.Body)
	default:
		return nil, &model.NormalizationError{
			Reason: model.NormalizeReasonMalformed,
			Detail: fmt.Sprintf("unknown source kind: %s", kind),
		}
	}
	if err != nil {
		return nil, err
	}

	cleaned := make([]model.NormalizedItem, 0, len(items))
	for _, item := range items {
		title, err := n.cleaner.CleanText(item.Title)
		if err != nil {
			return nil, err
		}
		body, err := n.cleaner.CleanText(item.Body)
		if err != nil {
			return nil, err
		}
		if title == "" && body == "" {
			continue
		}
		item.Title = title
		item.Body = body
		cleaned = append(cleaned, item)
	}

	if len(cleaned) == 0 {
		return nil, &model.NormalizationError{
			Reason: model.NormalizeReasonEmpty,
			Detail: "no usable items in payload",
		}
	}

	return cleaned, nil
}
