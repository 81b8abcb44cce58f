package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/internal/shared/types"
	"rapidproxyscan/proxypool/export"
	"rapidproxyscan/proxypool/model"
	"rapidproxyscan/proxypool/source"
	"rapidproxyscan/proxypool/validator"
)

const (
	defaultQueueSize = 10000
	// 单次运行模式下，等待队列排空时的兜底轮询间隔
	drainPollInterval = 500 * time.Millisecond
)

// ProxyTester 执行一次代理探测。
type ProxyTester interface {
	Test(ctx context.Context, key model.Key, endpointURL string) model.TestVerdict
}

// ResultExporter 对已验证集合做分级和导出，返回需要写回注册表的持久性标记。
type ResultExporter interface {
	Export(ctx context.Context, verified []*model.ProxyRecord) (export.Result, error)
}

// SourceFetcher 抓取所有代理源。
type SourceFetcher interface {
	FetchAll(ctx context.Context) source.Report
}

// EndpointSelector 为代理挑选验证端点并记录端点健康度。
type EndpointSelector interface {
	Select(country string) string
	Record(endpoint string, success bool, latencyMs float64)
}

// ProxyProvider 是下游消费者使用的访问接口。
type ProxyProvider interface {
	GetProxy() (string, bool)
	GetProxies() []string
	GetPoolSize() int
}

// IdleCloser 在关闭时释放空闲连接，*http.Client 和 *http.Transport 都满足。
type IdleCloser interface {
	CloseIdleConnections()
}

// Options 是 Manager 的调度参数。
type Options struct {
	CheckInterval      time.Duration
	ProxyFetchInterval time.Duration
	ExportInterval     time.Duration
	RefreshMinInterval time.Duration
	ConnectionLimit    int
	MaxProxiesToKeep   int
	QueueSize          int
	ForceFetch         bool
	SingleRun          bool
	TestURL            string
}

// OptionsFromConfig 把配置中的秒数转换为 Options。
func OptionsFromConfig(cfg *types.Config) Options {
	return Options{
		CheckInterval:      time.Duration(cfg.ScanConf.CheckInterval) * time.Second,
		ProxyFetchInterval: time.Duration(cfg.SourcesConf.ProxyFetchInterval) * time.Second,
		ExportInterval:     time.Duration(cfg.ExportConf.ExportInterval) * time.Second,
		RefreshMinInterval: time.Duration(cfg.ScanConf.ProxyRefreshMinInterval) * time.Second,
		ConnectionLimit:    cfg.ScanConf.ConnectionLimit,
		MaxProxiesToKeep:   cfg.ScanConf.MaxProxiesToKeep,
		ForceFetch:         cfg.ScanConf.ForceFetch,
		SingleRun:          cfg.ScanConf.SingleRun,
		TestURL:            cfg.ScanConf.TestURL,
	}
}

func (o *Options) normalize() {
	if o.ConnectionLimit < 1 {
		o.ConnectionLimit = 1
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = 30 * time.Second
	}
	if o.ProxyFetchInterval <= 0 {
		o.ProxyFetchInterval = 60 * time.Second
	}
	if o.ExportInterval <= 0 {
		o.ExportInterval = 300 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = o.MaxProxiesToKeep
		if o.QueueSize <= 0 {
			o.QueueSize = defaultQueueSize
		}
	}
}

// Counts 是注册表的即时计数。
type Counts struct {
	Registry int `json:"registry"`
	Verified int `json:"verified"`
	Busy     int `json:"busy"`
}

// Manager 是代理池模块的总控制器：持有注册表与已验证集合，
// 驱动抓取、测试、复测和导出循环。
type Manager struct {
	opts      Options
	fetcher   SourceFetcher
	tester    ProxyTester
	validator *validator.Validator
	endpoints EndpointSelector
	exporter  ResultExporter

	// mu 保护以下所有字段
	mu         sync.Mutex
	proxies    map[model.Key]*model.ProxyRecord
	verified   map[model.Key]struct{}
	busy       map[model.Key]struct{} // 已入队或正在测试
	lastExport *export.Stats
	rng        *rand.Rand

	queue   chan model.Key
	drained chan struct{}
	closers []IdleCloser
	hooks   []func(export.Result)
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewManager 创建并初始化代理池管理器。endpoints 为 nil 时总是使用 Options.TestURL。
func NewManager(opts Options, fetcher SourceFetcher, tester ProxyTester, v *validator.Validator, endpoints EndpointSelector, exporter ResultExporter) *Manager {
	opts.normalize()
	if exporter == nil {
		exporter = export.NewNopExporter()
	}
	return &Manager{
		opts:      opts,
		fetcher:   fetcher,
		tester:    tester,
		validator: v,
		endpoints: endpoints,
		exporter:  exporter,
		proxies:   make(map[model.Key]*model.ProxyRecord),
		verified:  make(map[model.Key]struct{}),
		busy:      make(map[model.Key]struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		queue:     make(chan model.Key, opts.QueueSize),
		drained:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// AddIdleCloser 注册一个在关闭时释放空闲连接的对象。
func (m *Manager) AddIdleCloser(c IdleCloser) {
	m.closers = append(m.closers, c)
}

// OnExport 注册一个在每次导出后调用的回调。必须在 Run 之前调用。
func (m *Manager) OnExport(fn func(export.Result)) {
	m.hooks = append(m.hooks, fn)
}

// Run 启动 worker 和调度循环，直到 ctx 取消 (或单次运行完成) 才返回。
// 返回前会等待所有正在进行的探测结束，并执行一次强制导出。
func (m *Manager) Run(ctx context.Context) error {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().
		Int("workers", m.opts.ConnectionLimit).
		Int("rounds", m.validator.Rounds()).
		Str("mode", string(m.validator.Mode())).
		Bool("single_run", m.opts.SingleRun).
		Msg("Manager starting...")

	// worker 只在调度循环结束后才停止，与外部 ctx 解耦
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < m.opts.ConnectionLimit; i++ {
		m.wg.Add(1)
		go m.worker(workCtx)
	}

	if m.opts.SingleRun {
		m.runOnce(ctx)
	} else {
		m.runContinuous(ctx)
	}

	l.Info().Msg("Stopping workers, waiting for in-flight probes...")
	stopWorkers()
	m.wg.Wait()

	m.exportNow(context.WithoutCancel(ctx), true)
	for _, c := range m.closers {
		c.CloseIdleConnections()
	}

	counts := m.Counts()
	l.Info().
		Int("registry", counts.Registry).
		Int("verified", counts.Verified).
		Msg("ProxyPool Manager gracefully stopped.")
	return nil
}

// runOnce: 抓取一次，等待队列 (含所有验证轮) 排空。
func (m *Manager) runOnce(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	m.fetchOnce(ctx)

	for {
		m.mu.Lock()
		m.sweepPendingLocked()
		pending := len(m.busy)
		m.mu.Unlock()
		if pending == 0 {
			l.Info().Msg("Test queue drained.")
			return
		}
		select {
		case <-ctx.Done():
			l.Info().Msg("Cancelled before the test queue drained.")
			return
		case <-m.drained:
		case <-time.After(drainPollInterval):
		}
	}
}

// runContinuous 是核心的调度循环：抓取循环并发运行，
// 这里处理复测 tick 和导出 tick，直到 ctx 取消。
func (m *Manager) runContinuous(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		m.fetchLoop(ctx)
	}()

	checkTicker := time.NewTicker(m.opts.CheckInterval)
	exportTicker := time.NewTicker(m.opts.ExportInterval)
	defer checkTicker.Stop()
	defer exportTicker.Stop()

	l.Info().
		Dur("check_interval", m.opts.CheckInterval).
		Dur("fetch_interval", m.opts.ProxyFetchInterval).
		Dur("export_interval", m.opts.ExportInterval).
		Msg("Schedulers initialized.")

	for {
		select {
		case <-checkTicker.C:
			n := m.scheduleTick()
			l.Debug().Int("enqueued", n).Msg("Scheduling tick.")
		case <-exportTicker.C:
			m.exportNow(ctx, false)
		case <-ctx.Done():
			l.Info().Msg("Stop signal received. Shutting down schedulers.")
			loops.Wait()
			return
		}
	}
}

func (m *Manager) fetchLoop(ctx context.Context) {
	m.mu.Lock()
	empty := len(m.proxies) == 0
	m.mu.Unlock()
	if m.opts.ForceFetch || empty {
		m.fetchOnce(ctx)
	}

	ticker := time.NewTicker(m.opts.ProxyFetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.fetchOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// fetchOnce 抓取所有源并注册新候选。已知的候选不会被重新入队。
func (m *Manager) fetchOnce(ctx context.Context) {
	if ctx.Err() != nil || m.fetcher == nil {
		return
	}
	l := logger.WithComponent("ProxyPool/Manager")
	report := m.fetcher.FetchAll(ctx)
	added, dropped := m.Import(report.Candidates)
	l.Info().
		Int("candidates", len(report.Candidates)).
		Int("new", added).
		Int("dropped", dropped).
		Msg("Registered fetched candidates.")
}

// Import 注册一批候选代理，新代理立即入队。返回新增数和因容量被丢弃的数目。
func (m *Manager) Import(candidates []source.Candidate) (added, dropped int) {
	l := logger.WithComponent("ProxyPool/Manager")
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candidates {
		ok, err := m.registerLocked(c)
		if err != nil {
			dropped++
			l.Debug().Err(err).Str("proxy", c.Key().String()).Msg("Candidate dropped.")
			continue
		}
		if ok {
			added++
		}
	}
	return added, dropped
}

// registerLocked 注册一个候选。已存在时返回 false。
// 调用方必须持有 m.mu。
func (m *Manager) registerLocked(c source.Candidate) (bool, error) {
	key := c.Key()
	if key.Protocol == "" {
		key.Protocol = "http"
	}
	if _, exists := m.proxies[key]; exists {
		return false, nil
	}
	if m.opts.MaxProxiesToKeep > 0 && len(m.proxies) >= m.opts.MaxProxiesToKeep {
		if !m.evictLocked() {
			return false, fmt.Errorf("%w: %d records, none evictable", model.ErrRegistryCapacity, len(m.proxies))
		}
	}
	rec := model.NewProxyRecord(key.Host, key.Port, key.Protocol, c.Source, m.now())
	m.proxies[key] = rec
	m.enqueueLocked(key)
	return true, nil
}

// evictLocked 淘汰可靠性最低的空闲记录。同分时先淘汰未验证的，再按身份字符串。
func (m *Manager) evictLocked() bool {
	var victim *model.ProxyRecord
	for k, r := range m.proxies {
		if _, busy := m.busy[k]; busy {
			continue
		}
		if victim == nil || evictBefore(r, victim, m.verified) {
			victim = r
		}
	}
	if victim == nil {
		return false
	}
	l := logger.WithComponent("ProxyPool/Manager")
	l.Debug().
		Str("proxy", victim.Key.String()).
		Int("reliability", victim.Reliability).
		Msg("Evicted proxy to make room.")
	delete(m.proxies, victim.Key)
	delete(m.verified, victim.Key)
	return true
}

func evictBefore(a, b *model.ProxyRecord, verified map[model.Key]struct{}) bool {
	if a.Reliability != b.Reliability {
		return a.Reliability < b.Reliability
	}
	_, av := verified[a.Key]
	_, bv := verified[b.Key]
	if av != bv {
		return !av
	}
	return a.Key.String() < b.Key.String()
}

// enqueueLocked 非阻塞入队。已入队或正在测试的不会重复入队；队列满时放弃，
// 留给下一个调度 tick。
func (m *Manager) enqueueLocked(key model.Key) bool {
	if _, busy := m.busy[key]; busy {
		return false
	}
	select {
	case m.queue <- key:
		m.busy[key] = struct{}{}
		return true
	default:
		return false
	}
}

// scheduleTick 按复测策略把到期的代理入队：不可用的每个 tick 都复测，
// 可用的要等到 RefreshMinInterval 之后。返回入队数量。
func (m *Manager) scheduleTick() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, k := range m.sortedKeysLocked() {
		if _, busy := m.busy[k]; busy {
			continue
		}
		r := m.proxies[k]
		due := r.LastTestedAt.IsZero() ||
			len(r.Rounds) > 0 ||
			!r.IsUsable ||
			now.Sub(r.LastTestedAt) >= m.opts.RefreshMinInterval
		if !due {
			continue
		}
		if !m.enqueueLocked(k) {
			// 队列已满
			break
		}
		n++
	}
	return n
}

// sweepPendingLocked 把从未测试或验证轮未收满、但因队列满而没有入队的代理补入队列。
func (m *Manager) sweepPendingLocked() {
	for _, k := range m.sortedKeysLocked() {
		if _, busy := m.busy[k]; busy {
			continue
		}
		r := m.proxies[k]
		if r.LastTestedAt.IsZero() || len(r.Rounds) > 0 {
			if !m.enqueueLocked(k) {
				return
			}
		}
	}
}

// sortedKeysLocked 按发现时间排序，保证调度顺序稳定。
func (m *Manager) sortedKeysLocked() []model.Key {
	keys := make([]model.Key, 0, len(m.proxies))
	for k := range m.proxies {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m.proxies[keys[i]], m.proxies[keys[j]]
		if !a.DiscoveredAt.Equal(b.DiscoveredAt) {
			return a.DiscoveredAt.Before(b.DiscoveredAt)
		}
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// worker 从队列取出代理并完整处理。取出后的代理总会被处理完，
// 即使此时已经开始关闭。
func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-m.queue:
			m.process(ctx, key)
		}
	}
}

func (m *Manager) process(ctx context.Context, key model.Key) {
	m.mu.Lock()
	rec, ok := m.proxies[key]
	if !ok {
		// 入队后被淘汰
		delete(m.busy, key)
		m.signalIfDrainedLocked()
		m.mu.Unlock()
		return
	}
	country := rec.Country
	m.mu.Unlock()

	endpointURL := ""
	if m.endpoints != nil {
		endpointURL = m.endpoints.Select(country)
	}
	if endpointURL == "" {
		endpointURL = m.opts.TestURL
	}

	// 探测只受 Tester 自身的超时约束，不随关闭而中断
	verdict := m.tester.Test(context.WithoutCancel(ctx), key, endpointURL)

	if m.endpoints != nil && verdict.Endpoint != "" {
		m.endpoints.Record(verdict.Endpoint, verdict.Success, verdict.LatencyMs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	requeue := m.applyVerdictLocked(key, verdict)
	delete(m.busy, key)
	if requeue && !ctxDone(ctx) {
		m.enqueueLocked(key)
	}
	m.signalIfDrainedLocked()
}

// applyVerdictLocked 把一次探测结果写入记录，收满验证轮后做准入判定。
// 返回是否需要立即进行下一轮。
func (m *Manager) applyVerdictLocked(key model.Key, v model.TestVerdict) bool {
	r, ok := m.proxies[key]
	if !ok {
		return false
	}
	l := logger.WithComponent("ProxyPool/Manager")

	r.LastTestedAt = m.now()
	r.AdjustReliability(v.Success)
	r.SpeedTier = v.SpeedRating
	r.Description = v.Description
	r.RawResponse = v.Raw
	if v.Success && v.LatencyMs >= 0 {
		r.LatencyMs = v.LatencyMs
	}
	if v.SecurityLevel != model.SecurityUnknown || v.Success {
		r.Anonymity = v.Anonymity
		r.SecurityLevel = v.SecurityLevel
	}
	if v.Country != "" {
		r.Country = v.Country
	}
	if v.Err != nil {
		l.Debug().Err(v.Err).Str("proxy", key.String()).Msg("Probe failed.")
	}

	r.Rounds = append(r.Rounds, v.Success)

	// 已验证的代理复测失败一轮就先移出已验证集合，窗口收满后再重新判定
	if !v.Success && r.IsUsable {
		r.IsUsable = false
		delete(m.verified, key)
		l.Info().Str("proxy", key.String()).Msg("Verified proxy failed a refresh round, suspended.")
	}

	var decided, admitted bool
	switch {
	case r.FastTrack && v.Success:
		decided, admitted = true, true
	case m.validator.Ready(r.Rounds):
		decided, admitted = true, m.validator.Decide(r.Rounds)
	}
	if !decided {
		return true
	}

	r.Rounds = nil
	r.IsUsable = admitted
	if admitted {
		if _, was := m.verified[key]; !was {
			l.Info().
				Str("proxy", key.String()).
				Float64("latency_ms", r.LatencyMs).
				Str("anonymity", string(r.Anonymity)).
				Int("reliability", r.Reliability).
				Msg("Proxy verified.")
		}
		m.verified[key] = struct{}{}
	} else {
		if _, was := m.verified[key]; was {
			l.Info().Str("proxy", key.String()).Msg("Proxy dropped from verified set.")
		}
		delete(m.verified, key)
		r.LatencyMs = -1
	}
	return false
}

func (m *Manager) signalIfDrainedLocked() {
	if len(m.busy) != 0 {
		return
	}
	select {
	case m.drained <- struct{}{}:
	default:
	}
}

// exportNow 对已验证集合做一次快照并导出。非强制时已验证集合为空则跳过。
// 导出失败只记日志，下一个导出 tick 会重试。
func (m *Manager) exportNow(ctx context.Context, force bool) {
	l := logger.WithComponent("ProxyPool/Manager")
	snapshot := m.Snapshot()
	if !force && len(snapshot) == 0 {
		l.Debug().Msg("Verified set is empty, skipping export.")
		return
	}

	res, err := m.exporter.Export(ctx, snapshot)
	if err != nil {
		if errors.Is(err, model.ErrExportIO) {
			l.Warn().Err(err).Msg("Export failed, will retry on next tick.")
		} else {
			l.Error().Err(err).Msg("Export failed.")
		}
	}

	m.mu.Lock()
	for k, r := range m.proxies {
		f := res.Flags[k]
		r.Persistence = f.Persistence
		r.Persistent = f.Persistent
		r.FastTrack = f.FastTrack
	}
	stats := res.Stats
	m.lastExport = &stats
	m.mu.Unlock()

	for _, fn := range m.hooks {
		fn(res)
	}
}

// ForceExport 立即导出一次，即使已验证集合为空。
func (m *Manager) ForceExport(ctx context.Context) {
	m.exportNow(ctx, true)
}

// Snapshot 返回已验证代理的拷贝，按分数排名。
func (m *Manager) Snapshot() []*model.ProxyRecord {
	m.mu.Lock()
	out := make([]*model.ProxyRecord, 0, len(m.verified))
	for k := range m.verified {
		out = append(out, m.proxies[k].Clone())
	}
	m.mu.Unlock()

	entries := export.Rank(out)
	for i, e := range entries {
		out[i] = e.Record
	}
	return out
}

// Lookup 返回指定代理记录的拷贝。
func (m *Manager) Lookup(key model.Key) (*model.ProxyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.proxies[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Counts 返回注册表的即时计数。
func (m *Manager) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		Registry: len(m.proxies),
		Verified: len(m.verified),
		Busy:     len(m.busy),
	}
}

// LastExport 返回最近一次导出的统计。
func (m *Manager) LastExport() (export.Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastExport == nil {
		return export.Stats{}, false
	}
	return *m.lastExport, true
}

// GetProxy 从已验证集合中随机返回一个代理。
func (m *Manager) GetProxy() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.verified) == 0 {
		return "", false
	}
	keys := make([]model.Key, 0, len(m.verified))
	for k := range m.verified {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys[m.rng.Intn(len(keys))].String(), true
}

// GetProxies 返回按分数排名的全部已验证代理。
func (m *Manager) GetProxies() []string {
	snapshot := m.Snapshot()
	out := make([]string, 0, len(snapshot))
	for _, r := range snapshot {
		out = append(out, r.Key.String())
	}
	return out
}

// GetPoolSize 返回已验证集合的大小。
func (m *Manager) GetPoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.verified)
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

var _ ProxyProvider = (*Manager)(nil)
