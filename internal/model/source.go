// Package model はドメインモデルを定義する。
package model

import "time"

// Source はコンテンツの取得元（フィード/ページ/API）を表す。
// フェッチ状態（last_fetched_at、consecutive_error_count、last_error、active）は
// フェッチスケジューラのみが更新する。作成・削除は外部コラボレータの責務。
type Source struct {
	ID                    string
	Name                  string
	URL                   string
	Kind                  SourceKind
	FetchIntervalMinutes  int
	Active                bool
	LastFetchedAt         *time.Time
	ConsecutiveErrorCount int
	LastError             string
	SkipCycles            int // バックオフにより残りNサイクルをスキップする
	SuccessCount          int
	ErrorCount            int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SourceKind は取得元の種類を表す。
type SourceKind string

const (
	// SourceKindFeed はRSS/Atomフィード。
	SourceKindFeed SourceKind = "feed"
	// SourceKindPage は単一のHTMLページ。
	SourceKindPage SourceKind = "page"
	// SourceKindAPI はJSONを返すAPIエンドポイント。
	SourceKindAPI SourceKind = "api"
)

// Reliability は取得元の信頼度を成功率から算出して[0,1]で返す。
// 履歴がない場合は中立値0.5を返す。
func (s *Source) Reliability() float64 {
	total := s.SuccessCount + s.ErrorCount
	if total == 0 {
		return 0.5
	}
	r := float64(s.SuccessCount) / float64(total)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// DueForFetch は指定時刻においてフェッチ対象かどうかを判定する。
// 非アクティブ、バックオフによるスキップ中、またはインターバル未経過の場合はfalse。
func (s *Source) DueForFetch(now time.Time) bool {
	if !s.Active {
		return false
	}
	if s.SkipCycles > 0 {
		return false
	}
	if s.LastFetchedAt == nil {
		return true
	}
	interval := time.Duration(s.FetchIntervalMinutes) * time.Minute
	return !s.LastFetchedAt.Add(interval).After(now)
}
