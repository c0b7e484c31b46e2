// Package model はドメインモデルを定義する。
package model

import "fmt"

// TransportError はネットワーク起因のフェッチ失敗を表す。
// タイムアウト、接続エラー、非2xxステータスが該当する。
// バックオフ付きで再試行され、影響範囲は該当取得元に限定される。
type TransportError struct {
	SourceID   string
	StatusCode int // トランスポート層の失敗（ステータス未取得）の場合は0
	Cause      error
}

// Error はerrorインターフェースを実装する。
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: source=%s status=%d", e.SourceID, e.StatusCode)
	}
	return fmt.Sprintf("transport error: source=%s: %v", e.SourceID, e.Cause)
}

// Unwrap はラップされた原因エラーを返す。
func (e *TransportError) Unwrap() error { return e.Cause }

// NormalizeReason は正規化失敗の理由コードを表す。
type NormalizeReason string

const (
	// NormalizeReasonMalformed はペイロードがパース不能であることを示す。
	NormalizeReasonMalformed NormalizeReason = "malformed"
	// NormalizeReasonEmpty はペイロードが空であることを示す。
	NormalizeReasonEmpty NormalizeReason = "empty"
	// NormalizeReasonUnsupportedEncoding は非対応エンコーディングを示す。
	NormalizeReasonUnsupportedEncoding NormalizeReason = "unsupported-encoding"
)

// NormalizationError はペイロードの正規化失敗を表す。
// バックオフのカウント対象だが、トランスポートエラーとは別種として
// 理由コード付きでログに記録される。
type NormalizationError struct {
	Reason NormalizeReason
	Detail string
}

// Error はerrorインターフェースを実装する。
func (e *NormalizationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("normalization error: %s", e.Reason)
	}
	return fmt.Sprintf("normalization error: %s: %s", e.Reason, e.Detail)
}

// DedupIndexError は重複判定インデックスの永続化・参照失敗を表す。
// 該当記事の処理のみを失敗させ、ウィンドウは破壊しない。次サイクルで再試行される。
type DedupIndexError struct {
	Op    string // insert / lookup / update
	Cause error
}

// Error はerrorインターフェースを実装する。
func (e *DedupIndexError) Error() string {
	return fmt.Sprintf("dedup index error: op=%s: %v", e.Op, e.Cause)
}

// Unwrap はラップされた原因エラーを返す。
func (e *DedupIndexError) Unwrap() error { return e.Cause }

// ConfigurationError は起動時設定の不正を表す。
// 唯一の致命的エラー種別であり、フェッチサイクル開始前にプロセスを停止させる。
type ConfigurationError struct {
	Field  string
	Detail string
}

// Error はerrorインターフェースを実装する。
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Detail)
}
