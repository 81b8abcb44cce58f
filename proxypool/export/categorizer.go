package export

import (
	"sort"
	"sync"

	"rapidproxyscan/proxypool/model"
)

// 速度分级 (毫秒)
const (
	TierUltra  = "ultra"
	TierFast   = "fast"
	TierMedium = "medium"
	TierSlow   = "slow"
)

// 可靠性分级
const (
	TierPlatinum = "platinum"
	TierGold     = "gold"
	TierSilver   = "silver"
	TierBronze   = "bronze"
)

const (
	// 连续出现在已验证集合中的导出周期数，达到后视为持久代理
	persistentAfterTicks = 3
	// 持久代理达到该可靠性后进入快速通道
	fastTrackReliability = 85

	persistenceBonus = 1.5
	minSpeedFactor   = 0.05
)

// Flags 是 Categorizer 计算出、需要写回注册表的持久性标记。
type Flags struct {
	Persistence int
	Persistent  bool
	FastTrack   bool
}

// Entry 是一条已分级的代理。Record 是快照拷贝，可以在锁外读取。
type Entry struct {
	Record          *model.ProxyRecord
	SpeedTier       string
	ReliabilityTier string
	AnonymityTier   string
	Score           float64
}

// Categorizer 给已验证代理分级，并跨导出周期跟踪持久性。
type Categorizer struct {
	mu       sync.Mutex
	counters map[model.Key]int
}

func NewCategorizer() *Categorizer {
	return &Categorizer{counters: make(map[model.Key]int)}
}

// Tick 记录一个导出周期：出现在 verified 中的代理计数加一，缺席的清零。
// 返回按分数排序的条目以及每个代理的新标记。verified 中的记录不会被修改。
func (c *Categorizer) Tick(verified []*model.ProxyRecord) ([]Entry, map[model.Key]Flags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[model.Key]struct{}, len(verified))
	flags := make(map[model.Key]Flags, len(verified))
	records := make([]*model.ProxyRecord, 0, len(verified))
	for _, r := range verified {
		if r == nil {
			continue
		}
		if _, dup := seen[r.Key]; dup {
			continue
		}
		seen[r.Key] = struct{}{}

		c.counters[r.Key]++
		n := c.counters[r.Key]
		f := Flags{Persistence: n, Persistent: n >= persistentAfterTicks}
		f.FastTrack = f.Persistent && r.Reliability >= fastTrackReliability
		flags[r.Key] = f

		rec := r.Clone()
		rec.Persistence = f.Persistence
		rec.Persistent = f.Persistent
		rec.FastTrack = f.FastTrack
		records = append(records, rec)
	}
	for k := range c.counters {
		if _, ok := seen[k]; !ok {
			delete(c.counters, k)
		}
	}

	return Rank(records), flags
}

// Persistence 返回代理当前的连续周期计数。
func (c *Categorizer) Persistence(k model.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[k]
}

// Rank 按分数降序排列记录，分数相同按身份字符串升序。不修改记录。
func Rank(records []*model.ProxyRecord) []Entry {
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, Entry{
			Record:          r,
			SpeedTier:       SpeedTier(r.LatencyMs),
			ReliabilityTier: ReliabilityTier(r.Reliability),
			AnonymityTier:   AnonymityTier(r.Anonymity),
			Score:           Score(r),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Record.Key.String() < entries[j].Record.Key.String()
	})
	return entries
}

// SpeedTier 未测得延迟的按最慢处理。
func SpeedTier(latencyMs float64) string {
	switch {
	case latencyMs < 0:
		return TierSlow
	case latencyMs < 200:
		return TierUltra
	case latencyMs < 500:
		return TierFast
	case latencyMs < 1000:
		return TierMedium
	default:
		return TierSlow
	}
}

func ReliabilityTier(reliability int) string {
	switch {
	case reliability >= 100:
		return TierPlatinum
	case reliability >= 90:
		return TierGold
	case reliability >= 75:
		return TierSilver
	default:
		return TierBronze
	}
}

// AnonymityTier 把 unknown 归为 transparent。
func AnonymityTier(a model.Anonymity) string {
	switch a {
	case model.AnonymityElite:
		return string(model.AnonymityElite)
	case model.AnonymityAnonymous:
		return string(model.AnonymityAnonymous)
	default:
		return string(model.AnonymityTransparent)
	}
}

// Score = (reliability/100) * speed_factor * anonymity_bonus * persistence_bonus
func Score(r *model.ProxyRecord) float64 {
	latency := r.LatencyMs
	if latency < 0 {
		latency = 1000
	}
	norm := latency / 1000.0
	if norm > 1 {
		norm = 1
	}
	speedFactor := 1 - norm
	if speedFactor < minSpeedFactor {
		speedFactor = minSpeedFactor
	}

	anonymityBonus := 1.0
	switch r.Anonymity {
	case model.AnonymityElite:
		anonymityBonus = 1.5
	case model.AnonymityAnonymous:
		anonymityBonus = 1.2
	}

	bonus := 1.0
	if r.Persistent {
		bonus = persistenceBonus
	}
	return float64(r.Reliability) / 100.0 * speedFactor * anonymityBonus * bonus
}
