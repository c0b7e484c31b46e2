package fetch

import (
	"fmt"
	"time"

	"github.com/hitoshi/attnsync/internal/model"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（2xx）。
	FetchResultOK FetchResult = iota
	// FetchResultStop はフェッチ停止が必要なステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff はバックオフが必要なステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。バックオフとして扱う。
	FetchResultUnknown
)

// maxSkipCycles はバックオフでスキップするサイクル数の上限。
const maxSkipCycles = 6

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return FetchResultOK
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// BackoffCycles は連続エラー回数に基づくスキップサイクル数を計算する。
// 初回1サイクル、2倍ずつ増加、最大maxSkipCycles。
func BackoffCycles(consecutiveErrors int) int {
	if consecutiveErrors <= 0 {
		return 0
	}
	cycles := 1
	for i := 1; i < consecutiveErrors; i++ {
		cycles *= 2
		if cycles >= maxSkipCycles {
			return maxSkipCycles
		}
	}
	return cycles
}

// ApplySuccess はフェッチ成功時に取得元の状態をリセットする。
// 連続エラー回数とスキップサイクルを0に戻し、成功回数を加算する。
func ApplySuccess(source *model.Source, now time.Time) {
	source.ConsecutiveErrorCount = 0
	source.LastError = ""
	source.SkipCycles = 0
	source.SuccessCount++
	source.LastFetchedAt = &now
	source.UpdatedAt = now
}

// ApplyBackoff は取得元にバックオフ戦略を適用する。
// 連続エラー回数をインクリメントし、指数的に増えるスキップサイクルを設定する。
// 連続エラー回数がceilingに達した場合は取得元を自動停止する。
func ApplyBackoff(source *model.Source, reason string, ceiling int, now time.Time) {
	source.ConsecutiveErrorCount++
	source.ErrorCount++
	source.LastError = reason
	source.SkipCycles = BackoffCycles(source.ConsecutiveErrorCount)
	source.LastFetchedAt = &now
	source.UpdatedAt = now

	if source.ConsecutiveErrorCount >= ceiling {
		source.Active = false
		source.LastError = fmt.Sprintf("連続%d回のエラーにより自動停止しました: %s", source.ConsecutiveErrorCount, reason)
	}
}

// ApplyStopSource は取得元のフェッチを恒久的に停止する。
// 404や認証エラーなど、再試行しても回復しないステータスで使用する。
func ApplyStopSource(source *model.Source, reason string, now time.Time) {
	source.Active = false
	source.ConsecutiveErrorCount++
	source.ErrorCount++
	source.LastError = reason
	source.LastFetchedAt = &now
	source.UpdatedAt = now
}
