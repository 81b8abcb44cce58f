package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/proxypool/model"
	"rapidproxyscan/proxypool/storage"
)

// 导出文件名
const (
	FileProxies = "proxies.txt"
	FileCSV     = "proxies.csv"
	FileRanked  = "ranked_proxies.txt"
	FileElite   = "elite_proxies.txt"
	FileStats   = "proxy_stats.json"
)

// Stats 是 proxy_stats.json 的内容，同时通过 web 接口推送。
type Stats struct {
	RunID            string         `json:"run_id"`
	Timestamp        time.Time      `json:"timestamp"`
	TotalProxies     int            `json:"total_proxies"`
	SpeedTiers       map[string]int `json:"speed_categories"`
	ReliabilityTiers map[string]int `json:"reliability_categories"`
	AnonymityTiers   map[string]int `json:"stealth_categories"`
	Persistent       int            `json:"persistent_proxies"`
	FastTrack        int            `json:"fast_track_proxies"`
	Exports          map[string]int `json:"exports"`
}

// Result 是一次导出周期的结果。即使写文件失败，Entries 和 Flags 也是有效的。
type Result struct {
	Entries []Entry
	Flags   map[model.Key]Flags
	Stats   Stats
}

// Exporter 分级已验证代理，并把所有产物原子地写入存储。
type Exporter struct {
	store storage.Storage
	cat   *Categorizer
	runID string
	now   func() time.Time
}

// NewExporter 创建一个 Exporter。每个进程有一个独立的 run id。
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{
		store: store,
		cat:   NewCategorizer(),
		runID: uuid.NewString(),
		now:   time.Now,
	}
}

// RunID 返回本次运行的标识。
func (e *Exporter) RunID() string { return e.runID }

// Export 执行一个导出周期。关闭时的最终导出也走这里，不因 ctx 取消而中止。
// 写入失败时返回包装了 model.ErrExportIO 的错误，其余文件照常写入。
func (e *Exporter) Export(_ context.Context, verified []*model.ProxyRecord) (Result, error) {
	l := logger.WithComponent("ProxyPool/Exporter")

	entries, flags := e.cat.Tick(verified)
	elite := eliteSubset(entries)
	stats := buildStats(e.runID, e.now().UTC(), entries)
	stats.Exports = map[string]int{
		"proxies": len(entries),
		"ranked":  len(entries),
		"elite":   len(elite),
	}
	res := Result{Entries: entries, Flags: flags, Stats: stats}

	var errs []error
	write := func(name string, fn func(w io.Writer) error) {
		if err := e.store.WriteAtomic(name, fn); err != nil {
			errs = append(errs, err)
			l.Error().Err(err).Str("file", name).Msg("Failed to write export file.")
		}
	}
	write(FileProxies, func(w io.Writer) error { return writePlain(w, entries) })
	write(FileCSV, func(w io.Writer) error { return writeCSV(w, entries) })
	write(FileRanked, func(w io.Writer) error { return writeRanked(w, entries, stats.Timestamp) })
	write(FileElite, func(w io.Writer) error { return writeElite(w, elite) })
	write(FileStats, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	})

	if len(errs) > 0 {
		return res, fmt.Errorf("export to %s: %w", e.store.Dir(), errors.Join(errs...))
	}
	l.Info().
		Int("verified", len(entries)).
		Int("elite", len(elite)).
		Int("persistent", stats.Persistent).
		Int("fast_track", stats.FastTrack).
		Str("dir", e.store.Dir()).
		Msg("Export finished.")
	return res, nil
}

// NopExporter 在禁用导出时使用：照常分级和跟踪持久性，但不写任何文件。
type NopExporter struct {
	cat   *Categorizer
	runID string
}

func NewNopExporter() *NopExporter {
	return &NopExporter{cat: NewCategorizer(), runID: uuid.NewString()}
}

func (n *NopExporter) Export(_ context.Context, verified []*model.ProxyRecord) (Result, error) {
	entries, flags := n.cat.Tick(verified)
	stats := buildStats(n.runID, time.Now().UTC(), entries)
	stats.Exports = map[string]int{}
	return Result{Entries: entries, Flags: flags, Stats: stats}, nil
}

func buildStats(runID string, ts time.Time, entries []Entry) Stats {
	s := Stats{
		RunID:            runID,
		Timestamp:        ts,
		TotalProxies:     len(entries),
		SpeedTiers:       map[string]int{TierUltra: 0, TierFast: 0, TierMedium: 0, TierSlow: 0},
		ReliabilityTiers: map[string]int{TierPlatinum: 0, TierGold: 0, TierSilver: 0, TierBronze: 0},
		AnonymityTiers: map[string]int{
			string(model.AnonymityElite):       0,
			string(model.AnonymityAnonymous):   0,
			string(model.AnonymityTransparent): 0,
		},
	}
	for _, e := range entries {
		s.SpeedTiers[e.SpeedTier]++
		s.ReliabilityTiers[e.ReliabilityTier]++
		s.AnonymityTiers[e.AnonymityTier]++
		if e.Record.Persistent {
			s.Persistent++
		}
		if e.Record.FastTrack {
			s.FastTrack++
		}
	}
	return s
}

// eliteSubset: platinum/gold 可靠性且 elite 匿名。
func eliteSubset(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if (e.ReliabilityTier == TierPlatinum || e.ReliabilityTier == TierGold) &&
			e.AnonymityTier == string(model.AnonymityElite) {
			out = append(out, e)
		}
	}
	return out
}

func writePlain(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, e.Record.Key.String()); err != nil {
			return err
		}
	}
	return nil
}

var csvHeader = []string{
	"protocol", "host", "port", "source", "country", "is_usable",
	"latency_ms", "speed_tier", "reliability", "reliability_tier",
	"anonymity", "security_level", "persistence", "persistent", "fast_track",
	"score", "discovered_at", "last_tested_at", "description", "raw_response",
}

func writeCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		r := e.Record
		row := []string{
			r.Protocol,
			r.Host,
			strconv.Itoa(r.Port),
			r.Source,
			r.Country,
			strconv.FormatBool(r.IsUsable),
			strconv.FormatFloat(r.LatencyMs, 'f', 1, 64),
			e.SpeedTier,
			strconv.Itoa(r.Reliability),
			e.ReliabilityTier,
			string(r.Anonymity),
			string(r.SecurityLevel),
			strconv.Itoa(r.Persistence),
			strconv.FormatBool(r.Persistent),
			strconv.FormatBool(r.FastTrack),
			strconv.FormatFloat(e.Score, 'f', 4, 64),
			formatTime(r.DiscoveredAt),
			formatTime(r.LastTestedAt),
			r.Description,
			r.RawResponse,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeRanked(w io.Writer, entries []Entry, ts time.Time) error {
	header := fmt.Sprintf("# RAPIDPROXYSCAN RANKED EXPORT\n"+
		"# Generated: %s\n"+
		"# Total proxies: %d\n"+
		"#\n"+
		"# FORMAT: [protocol]://[host]:[port] [latency_ms] [reliability] [anonymity] [flags]\n"+
		"# FLAGS: P = persistent, F = fast track\n"+
		"#\n", ts.Format(time.RFC3339), len(entries))
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for _, e := range entries {
		r := e.Record
		if _, err := fmt.Fprintf(w, "%s %.1f %d %s %s\n",
			r.Key.String(), r.LatencyMs, r.Reliability, e.AnonymityTier, flagString(r)); err != nil {
			return err
		}
	}
	return nil
}

func writeElite(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, e.Record.Key.Addr()); err != nil {
			return err
		}
	}
	return nil
}

func flagString(r *model.ProxyRecord) string {
	b := []byte("--")
	if r.Persistent {
		b[0] = 'P'
	}
	if r.FastTrack {
		b[1] = 'F'
	}
	return string(b)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
