// Package rank は記事の重要度スコアリングとダイジェスト選択を提供する。
package rank

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/attnsync/internal/model"
)

// recencyHalfLife はリーセンシースコアの半減期。
// 公開から24時間でスコアが半分になる。
const recencyHalfLife = 24 * time.Hour

// Weights は重要度スコアの重み。
type Weights struct {
	Recency     float64
	Reliability float64
	TextSignal  float64
}

// Scorer は記事の重要度スコアを算出する。
// 副作用を持たない純関数であり、同一入力に対して常に同一スコアを返す。
type Scorer struct {
	weights Weights
}

// NewScorer はScorerを生成する。重みは合計1に正規化して保持する。
func NewScorer(weights Weights) *Scorer {
	sum := weights.Recency + weights.Reliability + weights.TextSignal
	if sum > 0 {
		weights.Recency /= sum
		weights.Reliability /= sum
		weights.TextSignal /= sum
	}
	return &Scorer{weights: weights}
}

// Score は記事の重要度スコアを[0,1]で算出する。
// リーセンシー減衰、取得元の信頼度、テキストシグナルの重み付き和。
func (s *Scorer) Score(item *model.CanonicalItem, source *model.Source, now time.Time) float64 {
	return s.weights.Recency*recencyDecay(item.PublishedAt, now) +
		s.weights.Reliability*source.Reliability() +
		s.weights.TextSignal*textSignal(item)
}

// recencyDecay は公開からの経過時間に対して単調減少する値を[0,1]で返す。
// 未来の公開日時は経過ゼロとして扱う。
func recencyDecay(publishedAt, now time.Time) float64 {
	age := now.Sub(publishedAt)
	if age < 0 {
		age = 0
	}
	return math.Exp2(-float64(age) / float64(recencyHalfLife))
}

// textSignal は題名と本文の充実度から軽量なシグナルを[0,1]で算出する。
// 400語で飽和する本文量と、極端に短くも長くもない題名を評価する。
func textSignal(item *model.CanonicalItem) float64 {
	bodyScore := float64(item.WordCount) / 400
	if bodyScore > 1 {
		bodyScore = 1
	}

	titleLen := utf8.RuneCountInString(item.Title)
	var titleScore float64
	switch {
	case titleLen == 0:
		titleScore = 0
	case titleLen >= 10 && titleLen <= 120:
		titleScore = 1
	default:
		titleScore = 0.5
	}

	return 0.7*bodyScore + 0.3*titleScore
}
