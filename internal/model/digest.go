// Package model はドメインモデルを定義する。
package model

import "time"

// DigestEntry はダイジェストに採用された1記事とそのスコアを表す。
type DigestEntry struct {
	ItemID         string
	Title          string
	Summary        string
	Link           string
	SourceID       string
	PublishedAt    time.Time
	Score          float64
	ReadingMinutes int
}

// DigestSelection は1回のダイジェスト生成の結果を表す。
// 同一の候補集合・予算・基準時刻に対して常に同一の選択を返す（冪等）。
type DigestSelection struct {
	GeneratedAt  time.Time
	Entries      []DigestEntry
	TotalMinutes int
}

// DigestBudget はダイジェスト選択の上限を表す。
type DigestBudget struct {
	MaxItems   int
	MaxMinutes int
}
