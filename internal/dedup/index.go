// Package dedup は取り込み記事の重複判定を提供する。
//
// ウィンドウ内の正準記事のフィンガープリントをインデックスに保持し、
// 新着記事を完全一致・近似一致の2段階で分類する。インデックスは
// データベースから再構築可能な導出状態であり、起動時にウィンドウ内の
// 記事をロードして復元する。
package dedup

import "time"

// Entry はインデックスに保持される1正準記事のフィンガープリント。
type Entry struct {
	ItemID      string
	Exact       string
	Signature   []uint64
	PublishedAt time.Time
}

// WindowIndex はウィンドウ内の正準記事フィンガープリントのインデックス。
// 実装はスレッドセーフであること。
type WindowIndex interface {
	// Add はエントリをインデックスに追加する。
	Add(entry Entry)

	// Remove は指定記事のエントリをインデックスから除去する。
	// 存在しない場合は何もしない。
	Remove(itemID string)

	// FindExact は完全一致フィンガープリントでエントリを検索する。
	FindExact(exact string) (Entry, bool)

	// Candidates はシグネチャのハッシュを1つ以上共有するエントリを返す。
	Candidates(signature []uint64) []Entry

	// Evict は指定時刻より前に公開されたエントリを除去し、件数を返す。
	Evict(horizon time.Time) int

	// Len は保持中のエントリ数を返す。
	Len() int
}
