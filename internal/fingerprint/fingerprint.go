// Package fingerprint は正規化済みコンテンツから重複判定用の
// フィンガープリントを導出する。
//
// 完全一致判定にはSHA-256ハッシュ、近似重複判定には語トライグラムの
// 最小ハッシュシグネチャを使用する。同一入力に対して常に同一の
// フィンガープリントを返す（決定的）。
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/hitoshi/attnsync/internal/model"
)

// SignatureSize はシグネチャに保持する最小ハッシュの数。
const SignatureSize = 12

// Compute は正規化済み記事のフィンガープリントを導出する。
func Compute(item *model.NormalizedItem) model.Fingerprint {
	canonical := canonicalText(item.Title, item.Body)
	return model.Fingerprint{
		Exact:     exactHash(canonical),
		Signature: minHashSignature(canonical),
	}
}

// canonicalText はフィンガープリント入力用の正準テキストを構築する。
// 小文字化した上でタイトルと本文を改行で連結する。
func canonicalText(title, body string) string {
	return strings.ToLower(title) + "\n" + strings.ToLower(body)
}

// exactHash は正準テキストのSHA-256ハッシュを16進文字列で返す。
func exactHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// minHashSignature は語トライグラムのFNV-1aハッシュのうち
// 最小のSignatureSize個を昇順で返す。
// トライグラムがSignatureSize未満の場合は全ハッシュを返す。
func minHashSignature(text string) []uint64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	hashes := make(map[uint64]struct{})
	if len(words) < 3 {
		// 短いテキストは全体を1シングルとして扱う
		hashes[hashShingle(strings.Join(words, " "))] = struct{}{}
	} else {
		for i := 0; i+3 <= len(words); i++ {
			shingle := strings.Join(words[i:i+3], " ")
			hashes[hashShingle(shingle)] = struct{}{}
		}
	}

	sorted := make([]uint64, 0, len(hashes))
	for h := range hashes {
		sorted = append(sorted, h)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if len(sorted) > SignatureSize {
		sorted = sorted[:SignatureSize]
	}
	return sorted
}

// hashShingle はシングルのFNV-1a 64bitハッシュを返す。
func hashShingle(shingle string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(shingle))
	return h.Sum64()
}
