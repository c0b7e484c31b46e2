// Package model はドメインモデルを定義する。
package model

import "time"

// RawFetchResult は1回のフェッチ試行の結果を表す一時的な値。
// 永続化されず、1回のパイプライン処理の中でのみ存在する。
type RawFetchResult struct {
	Body        []byte
	ContentType string
	StatusCode  int
	Duration    time.Duration
	FetchedAt   time.Time
}

// NormalizedItem は正規化済みの未保存コンテンツを表す。
// ノーマライザがパースした後、フィンガープリントエンジンに渡される。
type NormalizedItem struct {
	Title       string
	Body        string // タグ除去・空白圧縮・長さ制限済み
	Link        string
	Author      string
	PublishedAt *time.Time // 取得元が提供しない場合はnil
}

// Fingerprint は重複判定用のフィンガープリントの組を表す。
// Exactは正規化済みtitle+bodyに対するSHA-256ハッシュ（完全一致判定用）。
// Signatureはシングルハッシュの固定長集合（近似重複判定用）。
type Fingerprint struct {
	Exact     string
	Signature []uint64
}

// CanonicalItem は取り込みの永続的な成果物を表す。
// DuplicateOf以外は作成後イミュータブル。DuplicateOfは後着の正準記事が
// 検出された場合（ウィンドウ内の順序逆転）に限り事後設定される。
type CanonicalItem struct {
	ID               string
	SourceID         string
	Title            string
	Body             string
	Summary          string // AI要約または代替スニペット
	Link             string
	Author           string
	PublishedAt      time.Time
	IsDateEstimated  bool
	FetchedAt        time.Time
	ExactFingerprint string
	Signature        []uint64
	DuplicateOf      string // 正準記事のID。重複でない場合は空
	WordCount        int
	CreatedAt        time.Time
}

// IsDuplicate は記事が他の正準記事の重複かどうかを返す。
func (i *CanonicalItem) IsDuplicate() bool {
	return i.DuplicateOf != ""
}

// ReadingMinutes は推定読了時間（分）を返す。
// 読速度230wpm換算で切り上げ、最低1分。
func (i *CanonicalItem) ReadingMinutes() int {
	const wordsPerMinute = 230
	minutes := (i.WordCount + wordsPerMinute - 1) / wordsPerMinute
	if minutes < 1 {
		return 1
	}
	return minutes
}

// FetchOutcome は1取得元に対する1回のフェッチ試行の結果集計を表す。
type FetchOutcome struct {
	SourceID       string
	NewItems       int
	DuplicateItems int
	Err            error
}
