// Package summary は記事の要約生成を提供する。
//
// 外部の要約プロバイダはSummarizerインターフェースの背後に隠蔽され、
// 利用不能時は本文先頭の代替スニペットにフォールバックする。
package summary

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/attnsync/internal/model"
)

// ErrUnavailable は要約プロバイダが利用できないことを示す。
// 呼び出し側はFallbackSnippetで代替する。
var ErrUnavailable = errors.New("summarizer is unavailable")

// snippetMaxRunes は代替スニペットの最大長（ルーン数）。
const snippetMaxRunes = 200

// Summarizer は記事の要約を生成する。
type Summarizer interface {
	// Summarize は記事の要約を返す。
	// プロバイダが利用できない場合はErrUnavailableを返す。
	Summarize(ctx context.Context, item *model.NormalizedItem) (string, error)
}

// Disabled は常にErrUnavailableを返すSummarizer。
// 要約プロバイダが設定されていないデプロイで使用する。
type Disabled struct{}

// Summarize はErrUnavailableを返す。
func (Disabled) Summarize(_ context.Context, _ *model.NormalizedItem) (string, error) {
	return "", ErrUnavailable
}

// FallbackSnippet は本文先頭から代替スニペットを生成する。
// 語の途中では切らず、切り詰めた場合は末尾に省略記号を付ける。
// 本文が空の場合はタイトルを返す。
func FallbackSnippet(item *model.NormalizedItem) string {
	text := strings.TrimSpace(item.Body)
	if text == "" {
		return item.Title
	}
	if utf8.RuneCountInString(text) <= snippetMaxRunes {
		return text
	}

	runes := []rune(text)
	cut := snippetMaxRunes
	// 直前の空白まで戻って語の途中で切らない
	for i := cut; i > 0; i-- {
		if runes[i-1] == ' ' {
			cut = i - 1
			break
		}
	}
	if cut == 0 {
		cut = snippetMaxRunes
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}

// compile-time interface check
var _ Summarizer = Disabled{}
