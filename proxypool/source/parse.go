package source

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	lineRe = regexp.MustCompile(`^(?:(https?|socks5)://)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})\b`)
	cellRe = regexp.MustCompile(`^(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})$`)
)

// Parse 从源内容中提取候选代理。先按行匹配 "IPv4:port"；
// 只有这一步一个都没匹配到时，才退回到 HTML 表格解析，避免同一批地址被两种策略重复登记。
func Parse(content, sourceName string) []Candidate {
	out := parseLines(content, sourceName)
	if len(out) > 0 {
		return out
	}
	return parseTable(content, sourceName)
}

func parseLines(content, sourceName string) []Candidate {
	seen := make(map[candKey]bool)
	var out []Candidate
	for _, line := range strings.Split(content, "\n") {
		m := lineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		proto := m[1]
		if proto == "" {
			proto = "http"
		}
		if c, ok := candidate(m[2], m[3], proto, sourceName); ok && !seen[keyOf(c)] {
			seen[keyOf(c)] = true
			out = append(out, c)
		}
	}
	return out
}

func parseTable(content, sourceName string) []Candidate {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil
	}

	seen := make(map[candKey]bool)
	var out []Candidate
	add := func(c Candidate) {
		if !seen[keyOf(c)] {
			seen[keyOf(c)] = true
			out = append(out, c)
		}
	}

	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		matched := false
		cells.Each(func(_ int, td *goquery.Selection) {
			if m := cellRe.FindStringSubmatch(strings.TrimSpace(td.Text())); m != nil {
				if c, ok := candidate(m[1], m[2], "http", sourceName); ok {
					add(c)
					matched = true
				}
			}
		})
		if matched || cells.Length() < 2 {
			return
		}
		// 常见的两列布局: | ip | port | ...
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		if c, ok := candidate(ip, port, "http", sourceName); ok {
			add(c)
		}
	})
	return out
}

type candKey struct {
	host     string
	port     int
	protocol string
}

func keyOf(c Candidate) candKey {
	return candKey{c.Host, c.Port, c.Protocol}
}

func candidate(ip, portStr, proto, sourceName string) (Candidate, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return Candidate{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Candidate{}, false
	}
	return Candidate{Host: parsed.String(), Port: port, Protocol: proto, Source: sourceName}, true
}
