package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"rapidproxyscan/internal/shared/logger"
)

const (
	DefaultDNSTTL = 300 * time.Second
	lookupTimeout = 10 * time.Second
)

type dnsEntry struct {
	ip       string
	resolved time.Time
}

// LookupFunc 解析主机名，返回地址列表。
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// DNSCache 是带 TTL 的主机名解析缓存。
// 解析过程中不持有锁；同一主机名的并发未命中合并为一次解析。
type DNSCache struct {
	mu      sync.RWMutex
	entries map[string]dnsEntry
	flight  singleflight.Group
	ttl     time.Duration
	lookup  LookupFunc
	now     func() time.Time
}

// NewDNSCache 创建 DNSCache。lookup 为 nil 时使用 net.DefaultResolver。
func NewDNSCache(ttl time.Duration, lookup LookupFunc) *DNSCache {
	if ttl <= 0 {
		ttl = DefaultDNSTTL
	}
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	return &DNSCache{
		entries: make(map[string]dnsEntry),
		ttl:     ttl,
		lookup:  lookup,
		now:     time.Now,
	}
}

// Resolve 返回主机名对应的 IP。IP 字面量原样返回。
func (c *DNSCache) Resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	if ip, ok := c.cached(host); ok {
		return ip, nil
	}

	// 解析本身不随单个调用方取消，等待方各自响应自己的 ctx
	ch := c.flight.DoChan(host, func() (interface{}, error) {
		if ip, ok := c.cached(host); ok {
			return ip, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		addrs, err := c.lookup(lctx, host)
		if err != nil {
			return "", err
		}
		if len(addrs) == 0 {
			return "", errors.New("no addresses")
		}
		c.mu.Lock()
		c.entries[host] = dnsEntry{ip: addrs[0], resolved: c.now()}
		c.mu.Unlock()
		return addrs[0], nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("resolve %s: %w", host, res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("resolve %s: %w", host, ctx.Err())
	}
}

func (c *DNSCache) cached(host string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.resolved) < c.ttl {
		return e.ip, true
	}
	return "", false
}

// PreResolve 并发预解析一组常用主机名，失败只记录日志。
func (c *DNSCache) PreResolve(ctx context.Context, hosts []string) {
	l := logger.WithComponent("ProxyPool/DNSCache")
	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			if _, err := c.Resolve(ctx, host); err != nil {
				l.Warn().Err(err).Str("host", host).Msg("Pre-resolve failed.")
			}
		}(h)
	}
	wg.Wait()
	l.Info().Int("count", len(hosts)).Msg("Pre-resolved popular hostnames.")
}

// Cached 返回当前缓存中未过期的主机名数量。
func (c *DNSCache) Cached() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.entries {
		if c.now().Sub(e.resolved) < c.ttl {
			n++
		}
	}
	return n
}

// DialContext 返回一个先经缓存解析主机名再拨号的 DialContext 函数。
func (c *DNSCache) DialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ip, err := c.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
	}
}

// HostsOf 从 URL 列表中提取去重后的主机名，忽略无法解析的项和 IP 字面量。
func HostsOf(urls []string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		h := u.Hostname()
		if net.ParseIP(h) != nil || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts
}
