package rank

import (
	"sort"
	"time"

	"github.com/hitoshi/attnsync/internal/model"
)

// Selector は候補記事からダイジェストを選択する。
// 同一の候補集合・予算・基準時刻に対して常に同一の選択を返す（冪等）。
type Selector struct {
	scorer *Scorer
}

// NewSelector はSelectorを生成する。
func NewSelector(scorer *Scorer) *Selector {
	return &Selector{scorer: scorer}
}

// scoredItem は候補記事とそのスコアの組。
type scoredItem struct {
	item   *model.CanonicalItem
	source *model.Source
	score  float64
}

// Select は候補記事をスコアリングし、予算内でダイジェストを構成する。
// duplicate_ofが設定された記事は除外される。スコア降順に並べ、
// 件数上限または読了時間の予算に達するまで貪欲に採用する。
// 読了時間の予算を超える記事はスキップし、後続の候補を検討する。
func (s *Selector) Select(candidates []*model.CanonicalItem, sources map[string]*model.Source, budget model.DigestBudget, now time.Time) model.DigestSelection {
	scored := make([]scoredItem, 0, len(candidates))
	for _, item := range candidates {
		if item.IsDuplicate() {
			continue
		}
		source, ok := sources[item.SourceID]
		if !ok {
			// 取得元が消えた記事は信頼度中立でスコアリングする
			source = &model.Source{}
		}
		scored = append(scored, scoredItem{
			item:   item,
			source: source,
			score:  s.scorer.Score(item, source, now),
		})
	}

	// スコア降順。同点はpublished_at降順、さらに同点はID昇順で決定的にする。
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if !scored[i].item.PublishedAt.Equal(scored[j].item.PublishedAt) {
			return scored[i].item.PublishedAt.After(scored[j].item.PublishedAt)
		}
		return scored[i].item.ID < scored[j].item.ID
	})

	selection := model.DigestSelection{GeneratedAt: now}
	for _, entry := range scored {
		if len(selection.Entries) >= budget.MaxItems {
			break
		}
		minutes := entry.item.ReadingMinutes()
		if selection.TotalMinutes+minutes > budget.MaxMinutes {
			continue
		}
		selection.Entries = append(selection.Entries, model.DigestEntry{
			ItemID:         entry.item.ID,
			Title:          entry.item.Title,
			Summary:        entry.item.Summary,
			Link:           entry.item.Link,
			SourceID:       entry.item.SourceID,
			PublishedAt:    entry.item.PublishedAt,
			Score:          entry.score,
			ReadingMinutes: minutes,
		})
		selection.TotalMinutes += minutes
	}

	return selection
}
