package normalize

import (
	"bytes"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/attnsync/internal/model"
)

// parseFeed はRSS/Atomフィードを記事のスライスに変換する。
func (n *Normalizer) parseFeed(body []byte) ([]model.NormalizedItem, error) {
	parser := gofeed.NewParser()
	parsed, err := parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &model.NormalizationError{
			Reason: model.NormalizeReasonMalformed,
			Detail: err.Error(),
		}
	}

	items := make([]model.NormalizedItem, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}

		normalized := model.NormalizedItem{
			Title: item.Title,
			Body:  item.Content,
			Link:  item.Link,
		}

		// Contentが空の場合はDescriptionを使用
		if normalized.Body == "" && item.Description != "" {
			normalized.Body = item.Description
		}

		// 著者情報
		if item.Author != nil {
			normalized.Author = item.Author.Name
		}
		if normalized.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
			normalized.Author = item.Authors[0].Name
		}

		// 公開日時
		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			normalized.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			normalized.PublishedAt = &t
		}

		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		if normalized.Link == "" && item.GUID != "" &&
			(strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
			normalized.Link = item.GUID
		}

		items = append(items, normalized)
	}

	return items, nil
}
