package preload

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxSitemapSize 是单个 sitemap 文档（解压后）允许的最大字节数，与 sitemaps.org 的 50MB 上限一致。
const MaxSitemapSize = 50 << 20

// errSitemapTooLarge 表示文档超过大小上限，重试也不会成功。
var errSitemapTooLarge = fmt.Errorf("sitemap exceeds %d bytes", MaxSitemapSize)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// Fetcher 获取一个 sitemap 文档的原始字节。
type Fetcher interface {
	Fetch(ctx context.Context, sitemapURL string) ([]byte, error)
}

// HTTPFetcher 通过 HTTP 获取 sitemap，对网络错误与 5xx 做指数退避重试。
type HTTPFetcher struct {
	client     *http.Client
	logger     *logrus.Logger
	maxRetries int
	backoff    time.Duration
	limit      int64
}

// NewHTTPFetcher 创建 sitemap 获取器。
func NewHTTPFetcher(client *http.Client, logger *logrus.Logger, maxRetries int, backoff time.Duration) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, logger: logger, maxRetries: maxRetries, backoff: backoff, limit: MaxSitemapSize}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, sitemapURL string) ([]byte, error) {
	wait := f.backoff
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			if f.logger != nil {
				f.logger.WithError(lastErr).WithFields(logrus.Fields{
					"action":  "sitemap_fetch",
					"sitemap": sitemapURL,
					"attempt": attempt,
				}).Warn("sitemap_fetch_retry")
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		body, retry, err := f.fetchOnce(ctx, sitemapURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, sitemapURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, resp.StatusCode >= 500, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := readLimited(resp.Body, f.limit)
	if errors.Is(err, errSitemapTooLarge) {
		return nil, false, err
	}
	if err != nil {
		return nil, true, err
	}
	return body, false, nil
}

// Crawler 广度优先展开 sitemap 索引，输出去重后的页面 URL 列表。
type Crawler struct {
	fetcher Fetcher
	origin  string
	// hosts 为允许预热的站点域名，为空时不过滤。
	hosts map[string]struct{}
	limit int64
}

// NewCrawler 创建爬取器；origin 用于解析相对路径形式的 sitemap 与 loc。
// 传入 hosts 时，只保留这些域名（以及 origin 自身）下的页面，站外链接被丢弃。
func NewCrawler(fetcher Fetcher, origin string, hosts ...string) *Crawler {
	c := &Crawler{fetcher: fetcher, origin: strings.TrimRight(origin, "/"), limit: MaxSitemapSize}
	if len(hosts) > 0 {
		c.hosts = map[string]struct{}{normalizeHostname(hostOf(c.origin)): {}}
		for _, h := range hosts {
			c.hosts[normalizeHostname(h)] = struct{}{}
		}
	}
	return c
}

// Crawl 依次处理 sources 及其嵌套索引。任一 sitemap 获取或解析失败都会使整个爬取失败。
func (c *Crawler) Crawl(ctx context.Context, sources []string) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	queue := make([]string, 0, len(sources))
	for _, sm := range sources {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, c.resolve(sm))
		}
	}
	if len(queue) == 0 {
		return nil, fmt.Errorf("no sitemap configured")
	}

	var urls []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := c.fetchAndParse(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}

		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, c.resolve(nested))
			}
		}
		for _, loc := range doc.URLs {
			if loc == "" {
				continue
			}
			page := c.resolve(loc)
			if !c.onSite(page) {
				continue
			}
			if _, ok := seenURLs[page]; ok {
				continue
			}
			seenURLs[page] = struct{}{}
			urls = append(urls, page)
		}
	}
	return urls, nil
}

func (c *Crawler) fetchAndParse(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	body, err := c.fetcher.Fetch(ctx, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz 链接或 gzip 魔数；若传输层已解压则保持原文。
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			unzipped, err := readLimited(gz, c.limit)
			if errors.Is(err, errSitemapTooLarge) {
				return sitemapDoc{}, err
			}
			if err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func (c *Crawler) onSite(page string) bool {
	if c.hosts == nil {
		return true
	}
	_, ok := c.hosts[normalizeHostname(hostOf(page))]
	return ok
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func normalizeHostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// readLimited 读取至多 limit 字节，超出时返回 errSitemapTooLarge。
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = MaxSitemapSize
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errSitemapTooLarge
	}
	return body, nil
}

// resolve 将相对路径补全为基于 origin 的绝对 URL。
func (c *Crawler) resolve(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	base, err := url.Parse(c.origin + "/")
	if err != nil || c.origin == "" {
		if !strings.HasPrefix(raw, "/") {
			raw = "/" + raw
		}
		return c.origin + raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return c.origin + "/" + strings.TrimPrefix(raw, "/")
	}
	return base.ResolveReference(ref).String()
}
