package normalize

import (
	"encoding/json"
	"time"

	"github.com/hitoshi/attnsync/internal/model"
)

// apiItem はAPI応答の1記事のJSON表現。
// トップレベルの配列、または {"items": [...]} のどちらの形式も受け付ける。
type apiItem struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Content     string `json:"content"`
	Link        string `json:"link"`
	URL         string `json:"url"`
	Author      string `json:"author"`
	PublishedAt string `json:"published_at"`
}

type apiEnvelope struct {
	Items []apiItem `json:"items"`
}

// parseAPI はJSON APIの応答を記事のスライスに変換する。
func (n *Normalizer) parseAPI(body []byte) ([]model.NormalizedItem, error) {
	var raw []apiItem

	if err := json.Unmarshal(body, &raw); err != nil {
		var envelope apiEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, &model.NormalizationError{
				Reason: model.NormalizeReasonMalformed,
				Detail: err.Error(),
			}
		}
		raw = envelope.Items
	}

	items := make([]model.NormalizedItem, 0, len(raw))
	for _, entry := range raw {
		normalized := model.NormalizedItem{
			Title:  entry.Title,
			Body:   entry.Body,
			Link:   entry.Link,
			Author: entry.Author,
		}
		if normalized.Body == "" {
			normalized.Body = entry.Content
		}
		if normalized.Link == "" {
			normalized.Link = entry.URL
		}
		if entry.PublishedAt != "" {
			if t, err := time.Parse(time.RFC3339, entry.PublishedAt); err == nil {
				normalized.PublishedAt = &t
			}
		}
		items = append(items, normalized)
	}

	return items, nil
}
