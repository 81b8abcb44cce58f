package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/proxypool/model"
)

const (
	maxSourceBytes = 16 << 20
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
)

// Candidate 是从代理源中解析出的一个 host:port 候选。
type Candidate struct {
	Host     string
	Port     int
	Protocol string
	Source   string
}

// Key 返回候选代理的注册表身份。
func (c Candidate) Key() model.Key {
	return model.Key{Host: c.Host, Port: c.Port, Protocol: c.Protocol}
}

// Source 接口定义了从一个代理源抓取候选代理的行为。
// 实现者只负责抓取和解析，不做验证。
type Source interface {
	Fetch(ctx context.Context) ([]Candidate, error)

	// Name 返回代理源的名称，用于日志记录。
	Name() string
}

// FromDescriptors 按描述符创建代理源：http(s):// 开头的是 URL，其余视为本地文件。
// 含 {page} 的 URL 按分页站点抓取前 pages 页。
func FromDescriptors(descriptors []string, client *http.Client, attempts int, retryDelay time.Duration, pages int) []Source {
	sources := make([]Source, 0, len(descriptors))
	for _, d := range descriptors {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		lower := strings.ToLower(d)
		isURL := strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
		if isURL && strings.Contains(d, PagePlaceholder) {
			sources = append(sources, NewPageSource(d, pages, defaultCrawlDelay, client))
		} else if isURL {
			sources = append(sources, NewURLSource(d, client, attempts, retryDelay))
		} else {
			sources = append(sources, NewFileSource(d))
		}
	}
	return sources
}

// URLSource 通过 HTTP GET 抓取代理列表，失败时按指数退避重试。
type URLSource struct {
	url        string
	client     *http.Client
	attempts   int
	retryDelay time.Duration
}

// NewURLSource 创建一个 URLSource。
func NewURLSource(url string, client *http.Client, attempts int, retryDelay time.Duration) *URLSource {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if attempts < 1 {
		attempts = 1
	}
	return &URLSource{url: url, client: client, attempts: attempts, retryDelay: retryDelay}
}

func (s *URLSource) Name() string { return s.url }

func (s *URLSource) Fetch(ctx context.Context) ([]Candidate, error) {
	l := logger.WithComponent("ProxyPool/Source")

	delay := s.retryDelay
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		body, retryable, err := s.fetchOnce(ctx)
		if err == nil {
			return Parse(body, s.Name()), nil
		}
		lastErr = err
		if !retryable || attempt == s.attempts {
			break
		}
		l.Debug().Err(err).Str("source", s.Name()).Int("attempt", attempt).Dur("backoff", delay).Msg("Fetch failed, retrying.")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceFetch, s.Name(), ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceFetch, s.Name(), lastErr)
}

func (s *URLSource) fetchOnce(ctx context.Context) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			fmt.Errorf("received non-200 status code (%d)", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return "", true, fmt.Errorf("failed to read body: %w", err)
	}
	return string(data), false, nil
}

// FileSource 从本地文件读取代理列表。
type FileSource struct {
	path string
}

// NewFileSource 创建一个 FileSource。
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return s.path }

func (s *FileSource) Fetch(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceFetch, s.path, err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceFetch, s.path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxSourceBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceFetch, s.path, err)
	}
	return Parse(string(data), s.Name()), nil
}
