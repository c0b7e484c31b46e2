package dedup

import (
	"sync"
	"time"
)

// Decision は1記事の重複判定結果を表す。
type Decision struct {
	// Duplicate は記事が既存の正準記事の重複であることを示す。
	Duplicate bool

	// CanonicalID はDuplicate=trueの場合の正準記事のID。
	CanonicalID string

	// DisplacedID は新着記事により正準の座を失った既存記事のID。
	// 新着記事の公開日時が既存の正準記事より古い場合に設定され、
	// 呼び出し側は既存記事とその重複群を新着記事へ付け替える。
	DisplacedID string

	// displaced は座を失った既存エントリのスナップショット。
	// 永続化に失敗した場合のReleaseでインデックスへ復元する。
	displaced Entry
}

// Engine はフィンガープリントの2段階照合で記事を分類する。
// 分類とインデックス登録は単一のロック下で行うため、同一記事を
// 並行に取り込んでも新規と判定されるのは1件だけとなる。
type Engine struct {
	mu        sync.Mutex
	index     WindowIndex
	threshold float64
}

// NewEngine はEngineを生成する。
// thresholdは近似重複と判定するシグネチャ重なり率の下限（0より大きく1以下）。
func NewEngine(index WindowIndex, threshold float64) *Engine {
	return &Engine{index: index, threshold: threshold}
}

// Reserve は新着記事を分類し、新規または正準交代の場合はその場で
// インデックスへ登録する。完全一致を先に照合し、ヒットしなければ
// シグネチャの重なり率で近似重複を照合する。どちらの段階でも、
// 公開日時が最も古い記事が正準となる。新着記事の方が古い場合は
// DisplacedIDで既存記事の付け替えを指示する。
// 永続化に失敗した呼び出し側はReleaseで予約を取り消すこと。
func (e *Engine) Reserve(entry Entry) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	decision := e.classify(entry)
	if decision.Duplicate {
		return decision
	}

	// 完全一致表は先着優先のため、座を失うエントリの除去が
	// 新着の登録より先でなければならない
	if decision.DisplacedID != "" {
		e.index.Remove(decision.DisplacedID)
	}
	e.index.Add(entry)
	return decision
}

// Release は永続化に失敗した予約を取り消す。
// 予約済みの新着エントリを除去し、座を失っていた既存エントリを
// 復元する。重複判定はインデックスを変更しないため何もしない。
func (e *Engine) Release(decision Decision, itemID string) {
	if decision.Duplicate {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.index.Remove(itemID)
	if decision.DisplacedID != "" {
		e.index.Add(decision.displaced)
	}
}

// classify は2段階照合を行う。呼び出し側がe.muを保持していること。
func (e *Engine) classify(entry Entry) Decision {
	if match, ok := e.index.FindExact(entry.Exact); ok {
		return resolve(match, entry.PublishedAt)
	}

	if match, ok := e.earliestNearMatch(entry.Signature); ok {
		return resolve(match, entry.PublishedAt)
	}

	return Decision{}
}

// earliestNearMatch は重なり率が閾値以上の候補のうち公開日時が
// 最も古い1件を返す。同時刻なら重なり率が高い候補を、それも同率
// ならIDの昇順で選び、結果を決定的にする。
func (e *Engine) earliestNearMatch(signature []uint64) (Entry, bool) {
	if len(signature) == 0 {
		return Entry{}, false
	}

	var best Entry
	var bestRatio float64
	found := false

	for _, candidate := range e.index.Candidates(signature) {
		ratio := overlapRatio(signature, candidate.Signature)
		if ratio < e.threshold {
			continue
		}
		switch {
		case !found,
			candidate.PublishedAt.Before(best.PublishedAt),
			candidate.PublishedAt.Equal(best.PublishedAt) && ratio > bestRatio,
			candidate.PublishedAt.Equal(best.PublishedAt) && ratio == bestRatio && candidate.ItemID < best.ItemID:
			best = candidate
			bestRatio = ratio
			found = true
		}
	}

	return best, found
}

// resolve は照合ヒット後の正準決定を行う。
// 公開日時が古い方が正準。同時刻の場合は先着（既存）が正準。
func resolve(match Entry, publishedAt time.Time) Decision {
	if publishedAt.Before(match.PublishedAt) {
		return Decision{DisplacedID: match.ItemID, displaced: match}
	}
	return Decision{Duplicate: true, CanonicalID: match.ItemID}
}

// overlapRatio は2つのシグネチャの重なり率を返す。
// 共有ハッシュ数を短い方のシグネチャ長で割った値（0から1）。
func overlapRatio(a, b []uint64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	set := make(map[uint64]struct{}, len(a))
	for _, h := range a {
		set[h] = struct{}{}
	}

	shared := 0
	for _, h := range b {
		if _, ok := set[h]; ok {
			shared++
		}
	}

	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	return float64(shared) / float64(minLen)
}
