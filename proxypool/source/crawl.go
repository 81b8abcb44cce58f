package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/proxypool/model"
)

// PagePlaceholder 出现在描述符中时，该描述符按分页站点处理。
const PagePlaceholder = "{page}"

const defaultCrawlDelay = 2 * time.Second

// fpsList 是部分免费代理站点把列表嵌在页面脚本里的写法。
var embeddedListRe = regexp.MustCompile(`(var|let|const)\s+fpsList\s*=\s*(\[.*?\]);`)

type embeddedProxy struct {
	IP   string `json:"ip"`
	Port string `json:"port"`
}

// PageSource 用 colly 依次抓取一个分页站点的前 N 页。
// 页面内嵌 fpsList 时直接解码，否则交给 Parse 处理表格或纯文本。
type PageSource struct {
	pattern string
	pages   int
	delay   time.Duration
	client  *http.Client
}

// NewPageSource 创建一个 PageSource。pattern 中的 {page} 会被替换为 1..pages。
func NewPageSource(pattern string, pages int, delay time.Duration, client *http.Client) *PageSource {
	if pages < 1 {
		pages = 1
	}
	return &PageSource{pattern: pattern, pages: pages, delay: delay, client: client}
}

func (s *PageSource) Name() string { return s.pattern }

func (s *PageSource) pageURL(i int) string {
	return strings.ReplaceAll(s.pattern, PagePlaceholder, strconv.Itoa(i))
}

// newCollector 每次 Fetch 都新建，colly 会记住访问过的 URL。
func (s *PageSource) newCollector(ctx context.Context) (*colly.Collector, error) {
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
	)
	timeout := 20 * time.Second
	if s.client != nil {
		if s.client.Transport != nil {
			c.WithTransport(s.client.Transport)
		}
		if s.client.Timeout > 0 {
			timeout = s.client.Timeout
		}
	}
	c.SetRequestTimeout(timeout)
	if s.delay > 0 {
		if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Delay: s.delay}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (s *PageSource) Fetch(ctx context.Context) ([]Candidate, error) {
	l := logger.WithComponent("ProxyPool/Source")

	c, err := s.newCollector(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceFetch, s.Name(), err)
	}

	var (
		mu       sync.Mutex
		out      []Candidate
		pageErrs int
		lastErr  error
	)

	c.OnResponse(func(r *colly.Response) {
		found := s.parsePage(r.Body)
		mu.Lock()
		out = append(out, found...)
		mu.Unlock()
		l.Debug().Str("url", r.Request.URL.String()).Int("count", len(found)).Msg("Page parsed.")
	})
	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Page request failed.")
	})

	// 同步模式下 Visit 会返回该页的错误
	for i := 1; i <= s.pages; i++ {
		if ctx.Err() != nil {
			break
		}
		if err := c.Visit(s.pageURL(i)); err != nil {
			pageErrs++
			lastErr = err
		}
	}
	c.Wait()

	if err := ctx.Err(); err != nil && len(out) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceFetch, s.Name(), err)
	}
	// 全部页面失败才算源失败
	if pageErrs >= s.pages {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceFetch, s.Name(), lastErr)
	}
	return dedupe(out), nil
}

// dedupe 去掉跨页重复的地址，保留首次出现的顺序。
func dedupe(in []Candidate) []Candidate {
	seen := make(map[candKey]bool, len(in))
	out := in[:0]
	for _, c := range in {
		if !seen[keyOf(c)] {
			seen[keyOf(c)] = true
			out = append(out, c)
		}
	}
	return out
}

func (s *PageSource) parsePage(body []byte) []Candidate {
	matches := embeddedListRe.FindSubmatch(body)
	if len(matches) < 3 {
		return Parse(string(body), s.Name())
	}

	var list []embeddedProxy
	if err := json.Unmarshal(matches[2], &list); err != nil {
		l := logger.WithComponent("ProxyPool/Source")
		l.Warn().Err(err).Str("source", s.Name()).Msg("Failed to unmarshal fpsList JSON.")
		return nil
	}
	out := make([]Candidate, 0, len(list))
	for _, p := range list {
		// 这类站点只提供 HTTP 代理
		if c, ok := candidate(strings.TrimSpace(p.IP), strings.TrimSpace(p.Port), "http", s.Name()); ok {
			out = append(out, c)
		}
	}
	return out
}
