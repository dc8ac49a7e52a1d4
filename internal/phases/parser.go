// Package phases provides the concrete collaborators behind the pipeline
// phases.
package phases

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/pipeline"
)

// maxPageBytes caps how much of a page is read.
const maxPageBytes = 10 << 20

// nonContentSelectors lists elements to strip before extracting body text.
const nonContentSelectors = "script, style, nav, header, footer, aside, noscript, form"

// HTMLParser fetches an article page and extracts its text and images.
type HTMLParser struct {
	client    *http.Client
	userAgent string
	maxMedia  int
}

// NewHTMLParser creates a parser. maxMedia caps recorded images; 0 means
// no cap.
func NewHTMLParser(userAgent string, timeout time.Duration, maxMedia int) *HTMLParser {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTMLParser{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		maxMedia:  maxMedia,
	}
}

// Parse implements pipeline.ContentParser.
func (p *HTMLParser) Parse(ctx context.Context, article *models.Article) (*pipeline.ParseResult, error) {
	pageURL, err := url.Parse(article.URL)
	if err != nil || pageURL.Host == "" {
		return nil, fmt.Errorf("invalid article url %q", article.URL)
	}

	body, err := fetch(ctx, p.client, p.userAgent, article.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	root := contentRoot(doc)
	root.Find(nonContentSelectors).Remove()
	text := normalizeSpace(root.Text())
	if text == "" {
		return nil, fmt.Errorf("no article text found at %s", article.URL)
	}

	return &pipeline.ParseResult{
		Title:         extractTitle(doc),
		Content:       text,
		MediaURLs:     p.extractImages(root, pageURL),
		ContentLength: len(text),
		WordCount:     len(strings.Fields(text)),
	}, nil
}

func fetch(ctx context.Context, client *http.Client, userAgent, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

// contentRoot prefers <article>, then <main>, then <body>.
func contentRoot(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{"article", "main", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return doc.Selection
}

func extractTitle(doc *goquery.Document) string {
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	if h1 := normalizeSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func (p *HTMLParser) extractImages(root *goquery.Selection, base *url.URL) []string {
	seen := make(map[string]bool)
	var out []string
	root.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src, ok := img.Attr("src")
		if !ok {
			src, ok = img.Attr("data-src")
		}
		src = strings.TrimSpace(src)
		if !ok || src == "" || strings.HasPrefix(src, "data:") {
			return true
		}
		ref, err := url.Parse(src)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref).String()
		if seen[abs] {
			return true
		}
		seen[abs] = true
		out = append(out, abs)
		return p.maxMedia <= 0 || len(out) < p.maxMedia
	})
	return out
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
