package normalize

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/attnsync/internal/model"
)

// maxBodyRunes は本文の最大保持長（ルーン数）。超過分は切り捨てる。
const maxBodyRunes = 8000

// Cleaner は取り込みコンテンツをプレーンテキストに正規化する。
// bluemondayの全除去ポリシーでHTMLタグを落とし、実体参照を復元し、
// 制御文字の除去と空白の圧縮を行う。
// 同一入力に対して常に同一出力を返す（冪等）。
type Cleaner struct {
	policy *bluemonday.Policy
}

// NewCleaner はCleanerを生成する。
func NewCleaner() *Cleaner {
	return &Cleaner{
		policy: bluemonday.StrictPolicy(),
	}
}

// CleanText はHTML断片をプレーンテキストへ正規化する。
// UTF-8として不正なバイト列を含む場合はUnsupportedEncodingエラーを返す。
func (c *Cleaner) CleanText(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", &model.NormalizationError{
			Reason: model.NormalizeReasonUnsupportedEncoding,
			Detail: "input is not valid UTF-8",
		}
	}

	stripped := c.policy.Sanitize(raw)
	unescaped := html.UnescapeString(stripped)

	return truncateRunes(collapseWhitespace(unescaped), maxBodyRunes), nil
}

// collapseWhitespace は制御文字を除去し、連続する空白を1つのスペースに圧縮する。
func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}

	return b.String()
}

// truncateRunes は文字列をルーン数でnに切り詰める。
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// CountWords は空白区切りの語数を返す。
func CountWords(s string) int {
	return len(strings.Fields(s))
}
