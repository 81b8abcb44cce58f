package endpoint

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

const (
	// 平滑权重 1/20
	latencySmoothing = 20.0
	// 延迟归一化上限 (毫秒)
	latencyCeilingMs = 5000.0
	successWeight    = 0.7
	latencyWeight    = 0.3
	defaultTopK      = 3
)

// Stat 是单个验证端点的健康统计，仅用于端点选择，不与代理关联。
type Stat struct {
	Success      int     `json:"success"`
	Failure      int     `json:"failure"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

func (s Stat) score() float64 {
	total := s.Success + s.Failure
	if total == 0 {
		return 0.5
	}
	successRate := float64(s.Success) / float64(total)
	timeScore := 0.5
	if s.AvgLatencyMs > 0 {
		norm := s.AvgLatencyMs / latencyCeilingMs
		if norm > 1 {
			norm = 1
		}
		timeScore = 1 - norm
	}
	return successWeight*successRate + latencyWeight*timeScore
}

// Tracker 维护验证端点的健康度，并为代理挑选端点。
type Tracker struct {
	mu      sync.Mutex
	stats   map[string]*Stat
	regions *RegionMap
	topK    int
	rng     *rand.Rand
}

// NewTracker 创建一个 Tracker。
func NewTracker(regions *RegionMap) *Tracker {
	return &Tracker{
		stats:   make(map[string]*Stat),
		regions: regions,
		topK:    defaultTopK,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Regions 返回 Tracker 使用的区域映射。
func (t *Tracker) Regions() *RegionMap { return t.regions }

// Record 记录一次探测结果。延迟只在成功时计入平滑均值，首个样本直接作为初值。
func (t *Tracker) Record(endpoint string, success bool, latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[endpoint]
	if !ok {
		s = &Stat{}
		t.stats[endpoint] = s
	}
	if !success {
		s.Failure++
		return
	}
	s.Success++
	if s.AvgLatencyMs == 0 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = (s.AvgLatencyMs*(latencySmoothing-1) + latencyMs) / latencySmoothing
	}
}

// Select 为给定国家的代理挑选一个端点：按区域缩小候选集，
// 以 0.7*成功率 + 0.3*(1-归一化延迟) 打分，在前 K 个中均匀随机选择。
// 没有候选时返回空字符串。
func (t *Tracker) Select(country string) string {
	candidates := t.regions.Endpoints(t.regions.RegionFor(country))
	if len(candidates) == 0 {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	type scored struct {
		endpoint string
		score    float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, e := range candidates {
		var s Stat
		if st, ok := t.stats[e]; ok {
			s = *st
		}
		ranked = append(ranked, scored{endpoint: e, score: s.score()})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	k := t.topK
	if len(ranked) < k {
		k = len(ranked)
	}
	return ranked[t.rng.Intn(k)].endpoint
}

// Snapshot 返回所有端点统计的拷贝。
func (t *Tracker) Snapshot() map[string]Stat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stat, len(t.stats))
	for k, v := range t.stats {
		out[k] = *v
	}
	return out
}
