package normalize

import (
	"bytes"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/attnsync/internal/model"
)

// parsePage は単一のHTMLページを1件の記事に変換する。
// titleタグまたはog:titleをタイトル、本文テキストをボディとして抽出する。
// article:published_timeメタタグがあれば公開日時として使用する。
func (n *Normalizer) parsePage(body []byte) ([]model.NormalizedItem, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &model.NormalizationError{
			Reason: model.NormalizeReasonMalformed,
			Detail: err.Error(),
		}
	}

	var item model.NormalizedItem
	var textParts []string

	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch node.Data {
			case "script", "style", "noscript", "nav", "header", "footer", "aside":
				// 本文以外の要素はサブツリーごとスキップする
				return
			case "title":
				if item.Title == "" && node.FirstChild != nil && node.FirstChild.Type == html.TextNode {
					item.Title = node.FirstChild.Data
				}
				return
			case "meta":
				handleMeta(node, &item)
				return
			case "link":
				if attrValue(node, "rel") == "canonical" && item.Link == "" {
					item.Link = attrValue(node, "href")
				}
				return
			}
		}
		if node.Type == html.TextNode {
			if text := strings.TrimSpace(node.Data); text != "" {
				textParts = append(textParts, text)
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	item.Body = strings.Join(textParts, " ")

	return []model.NormalizedItem{item}, nil
}

// handleMeta はmetaタグからタイトル・著者・公開日時を抽出する。
func handleMeta(node *html.Node, item *model.NormalizedItem) {
	property := attrValue(node, "property")
	name := attrValue(node, "name")
	content := attrValue(node, "content")
	if content == "" {
		return
	}

	switch {
	case property == "og:title":
		// og:titleはtitleタグより優先する
		item.Title = content
	case property == "article:published_time":
		if t, err := time.Parse(time.RFC3339, content); err == nil {
			item.PublishedAt = &t
		}
	case name == "author":
		if item.Author == "" {
			item.Author = content
		}
	case property == "og:url":
		if item.Link == "" {
			item.Link = content
		}
	}
}

// attrValue はノードの属性値を返す。属性が存在しない場合は空文字列。
func attrValue(node *html.Node, key string) string {
	for _, attr := range node.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}
