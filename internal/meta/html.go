package meta

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLInfo 汇总从页面中提取出的可缓存相关信息。
type HTMLInfo struct {
	Title     string
	Canonical string
	Keywords  []string
	// NoCache 表示页面通过 meta 标签声明不希望被缓存。
	NoCache bool
}

// InspectHTML 解析 HTML 文档，提取标题、canonical 链接、关键词与禁止缓存标记。
func InspectHTML(body []byte) (HTMLInfo, error) {
	var info HTMLInfo
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return info, err
	}

	info.Title = strings.TrimSpace(doc.Find("head > title").First().Text())
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		info.Canonical = strings.TrimSpace(href)
	}

	doc.Find("meta[name]").Each(func(i int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		content, _ := s.Attr("content")
		name = strings.ToLower(strings.TrimSpace(name))
		content = strings.ToLower(content)
		switch name {
		case "keywords":
			for _, kw := range strings.Split(content, ",") {
				if kw = strings.TrimSpace(kw); kw != "" {
					info.Keywords = append(info.Keywords, kw)
				}
			}
		case "robots":
			if strings.Contains(content, "noarchive") {
				info.NoCache = true
			}
		case "any-cache":
			if strings.Contains(content, "no-cache") {
				info.NoCache = true
			}
		}
	})
	return info, nil
}
