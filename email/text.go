package email

import (
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const blockElements = "h1, h2, h3, h4, p, div, li, tr, br"

// plainText derives the text/plain alternative from a rendered HTML body.
// Links keep their target in parentheses.
func plainText(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find("head, style, script").Remove()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href != "" && strings.TrimSpace(s.Text()) != href {
			s.AfterHtml(" (" + html.EscapeString(href) + ")")
		}
	})
	doc.Find("td, th").Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml(" | ")
	})
	doc.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml("\n")
	})

	var lines []string
	blank := false
	for _, line := range strings.Split(doc.Text(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(lines) > 0 {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		blank = false
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}
