package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rapidproxyscan/proxypool/export"
	"rapidproxyscan/proxypool/model"
	"rapidproxyscan/proxypool/source"
	"rapidproxyscan/proxypool/validator"
)

// fakeFetcher 每次返回相同的候选。
type fakeFetcher struct {
	candidates []source.Candidate
	calls      atomic.Int32
}

func (f *fakeFetcher) FetchAll(ctx context.Context) source.Report {
	f.calls.Add(1)
	return source.Report{Candidates: f.candidates, Succeeded: 1}
}

// fakeTester 按代理地址决定每一轮的结果，并统计并发度。
type fakeTester struct {
	mu       sync.Mutex
	outcomes map[string][]bool // host -> 依次返回的结果，用完后重复最后一个
	calls    map[string]int
	delay    time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
	started  atomic.Int32
	finished atomic.Int32
}

func newFakeTester(outcomes map[string][]bool) *fakeTester {
	return &fakeTester{outcomes: outcomes, calls: make(map[string]int)}
}

func (f *fakeTester) Test(ctx context.Context, key model.Key, endpointURL string) model.TestVerdict {
	f.started.Add(1)
	defer f.finished.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	i := f.calls[key.Host]
	f.calls[key.Host]++
	seq := f.outcomes[key.Host]
	f.mu.Unlock()

	ok := true
	if len(seq) > 0 {
		if i >= len(seq) {
			i = len(seq) - 1
		}
		ok = seq[i]
	}
	v := model.TestVerdict{
		Proxy:         key,
		Endpoint:      endpointURL,
		Success:       ok,
		LatencyMs:     -1,
		Anonymity:     model.AnonymityUnknown,
		SecurityLevel: model.SecurityUnknown,
		SpeedRating:   model.SpeedFailed,
	}
	if ok {
		v.LatencyMs = 100
		v.Anonymity = model.AnonymityElite
		v.SecurityLevel = model.SecuritySecure
		v.SpeedRating = model.SpeedFast
	} else {
		v.Err = fmt.Errorf("%w: refused", model.ErrProbeTransport)
	}
	return v
}

func (f *fakeTester) callsFor(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

// recordingExporter 记录每次导出的快照，内部用 NopExporter 计算标记。
type recordingExporter struct {
	mu    sync.Mutex
	inner *export.NopExporter
	sizes []int
	err   error
}

func newRecordingExporter() *recordingExporter {
	return &recordingExporter{inner: export.NewNopExporter()}
}

func (r *recordingExporter) Export(ctx context.Context, verified []*model.ProxyRecord) (export.Result, error) {
	res, _ := r.inner.Export(ctx, verified)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, len(verified))
	return res, r.err
}

func (r *recordingExporter) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sizes...)
}

type fakeCloser struct{ closed atomic.Bool }

func (f *fakeCloser) CloseIdleConnections() { f.closed.Store(true) }

func candidates(hosts ...string) []source.Candidate {
	out := make([]source.Candidate, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, source.Candidate{Host: h, Port: 8080, Protocol: "http", Source: "test"})
	}
	return out
}

func singleRunOptions() Options {
	return Options{
		ConnectionLimit:  4,
		MaxProxiesToKeep: 1000,
		SingleRun:        true,
		ForceFetch:       true,
		TestURL:          "http://verify.test/",
	}
}

func runSingle(t *testing.T, mode validator.Mode, rounds int, outcomes map[string][]bool, hosts ...string) (*Manager, *fakeTester, *recordingExporter) {
	t.Helper()
	ft := newFakeTester(outcomes)
	exp := newRecordingExporter()
	m := NewManager(singleRunOptions(), &fakeFetcher{candidates: candidates(hosts...)}, ft,
		validator.NewValidator(mode, rounds), nil, exp)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	return m, ft, exp
}

func TestSingleRun_ValidationModes(t *testing.T) {
	outcomes := map[string][]bool{
		"10.0.0.1": {true, true, true},
		"10.0.0.2": {false, false, false},
		"10.0.0.3": {true, false, true},
		"10.0.0.4": {false, true, false},
	}
	hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}

	tests := []struct {
		mode   validator.Mode
		expect []string
	}{
		{validator.ModeAny, []string{"10.0.0.1", "10.0.0.3", "10.0.0.4"}},
		{validator.ModeMajority, []string{"10.0.0.1", "10.0.0.3"}},
		{validator.ModeAll, []string{"10.0.0.1"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			m, ft, exp := runSingle(t, tt.mode, 3, outcomes, hosts...)

			assert.Equal(t, len(tt.expect), m.GetPoolSize())
			for _, h := range tt.expect {
				rec, ok := m.Lookup(model.Key{Host: h, Port: 8080, Protocol: "http"})
				require.True(t, ok)
				assert.True(t, rec.IsUsable, h)
			}
			for _, h := range hosts {
				assert.Equal(t, 3, ft.callsFor(h), "every proxy gets all rounds")
			}
			assert.Equal(t, []int{len(tt.expect)}, exp.calls(), "exactly one forced export")
		})
	}
}

func TestSingleRun_ReliabilityAndTimestamps(t *testing.T) {
	m, _, _ := runSingle(t, validator.ModeAny, 2,
		map[string][]bool{"10.0.0.1": {true, true}, "10.0.0.2": {false, false}},
		"10.0.0.1", "10.0.0.2")

	good, ok := m.Lookup(model.Key{Host: "10.0.0.1", Port: 8080, Protocol: "http"})
	require.True(t, ok)
	assert.Equal(t, 10, good.Reliability)
	assert.False(t, good.LastTestedAt.IsZero())
	assert.Empty(t, good.Rounds)
	assert.Equal(t, model.AnonymityElite, good.Anonymity)

	bad, ok := m.Lookup(model.Key{Host: "10.0.0.2", Port: 8080, Protocol: "http"})
	require.True(t, ok)
	assert.Equal(t, 0, bad.Reliability, "reliability never drops below zero")
	assert.False(t, bad.IsUsable)
	assert.Equal(t, float64(-1), bad.LatencyMs)
}

func TestSingleRun_DuplicateCandidatesRegisteredOnce(t *testing.T) {
	hosts := []string{"10.0.0.1", "10.0.0.1", "10.0.0.2", "10.0.0.1"}
	m, ft, _ := runSingle(t, validator.ModeAny, 2, nil, hosts...)

	assert.Equal(t, 2, m.Counts().Registry)
	assert.Equal(t, 2, ft.callsFor("10.0.0.1"))
	assert.Equal(t, 2, ft.callsFor("10.0.0.2"))
}

func TestSingleRun_ManyProxiesFewWorkers(t *testing.T) {
	hosts := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		hosts = append(hosts, fmt.Sprintf("10.0.1.%d", i))
	}
	ft := newFakeTester(nil)
	ft.delay = 2 * time.Millisecond
	opts := singleRunOptions()
	opts.ConnectionLimit = 4
	opts.QueueSize = 8 // 小于代理数，部分入队会延后
	m := NewManager(opts, &fakeFetcher{candidates: candidates(hosts...)}, ft,
		validator.NewValidator(validator.ModeAll, 2), nil, newRecordingExporter())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	assert.LessOrEqual(t, ft.peak.Load(), int32(4))
	assert.Equal(t, 60, m.GetPoolSize())
	for _, h := range hosts {
		assert.Equal(t, 2, ft.callsFor(h), h)
	}
	assert.Equal(t, ft.started.Load(), ft.finished.Load())
}

func TestFastTrackAdmittedAfterOneRound(t *testing.T) {
	ft := newFakeTester(nil)
	m := NewManager(singleRunOptions(), nil, ft, validator.NewValidator(validator.ModeAll, 3), nil, newRecordingExporter())

	key := model.Key{Host: "10.0.0.9", Port: 8080, Protocol: "http"}
	m.Import(candidates("10.0.0.9"))
	m.mu.Lock()
	m.proxies[key].FastTrack = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	assert.Equal(t, 1, ft.callsFor("10.0.0.9"))
	assert.Equal(t, 1, m.GetPoolSize())
}

func applyRound(m *Manager, key model.Key, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := model.TestVerdict{Proxy: key, Success: ok, LatencyMs: -1, SpeedRating: model.SpeedFailed}
	if ok {
		v.LatencyMs = 120
		v.SpeedRating = model.SpeedFast
		v.Anonymity = model.AnonymityElite
		v.SecurityLevel = model.SecuritySecure
	}
	m.applyVerdictLocked(key, v)
}

func TestRefreshFailureLeavesVerifiedSetImmediately(t *testing.T) {
	for _, mode := range []validator.Mode{validator.ModeMajority, validator.ModeAll} {
		t.Run(string(mode), func(t *testing.T) {
			m := NewManager(singleRunOptions(), nil, newFakeTester(nil), validator.NewValidator(mode, 3), nil, nil)
			key := model.Key{Host: "10.9.9.9", Port: 8080, Protocol: "http"}
			m.Import(candidates("10.9.9.9"))

			for i := 0; i < 3; i++ {
				applyRound(m, key, true)
			}
			got, ok := m.GetProxy()
			require.True(t, ok)
			assert.Equal(t, "http://10.9.9.9:8080", got)

			applyRound(m, key, false)
			rec, found := m.Lookup(key)
			require.True(t, found)
			assert.False(t, rec.IsUsable)
			assert.Equal(t, 0, m.GetPoolSize())
			assert.Empty(t, m.GetProxies())
			_, ok = m.GetProxy()
			assert.False(t, ok)

			applyRound(m, key, false)
			assert.Equal(t, 0, m.GetPoolSize())
		})
	}
}

func TestRefreshReadmitsWhenWindowPasses(t *testing.T) {
	m := NewManager(singleRunOptions(), nil, newFakeTester(nil), validator.NewValidator(validator.ModeMajority, 3), nil, nil)
	key := model.Key{Host: "10.9.9.8", Port: 8080, Protocol: "http"}
	m.Import(candidates("10.9.9.8"))
	for i := 0; i < 3; i++ {
		applyRound(m, key, true)
	}
	require.Equal(t, 1, m.GetPoolSize())

	applyRound(m, key, false)
	assert.Equal(t, 0, m.GetPoolSize())
	applyRound(m, key, true)
	applyRound(m, key, true)

	rec, _ := m.Lookup(key)
	assert.True(t, rec.IsUsable)
	assert.Equal(t, 1, m.GetPoolSize())
}

func newTickManager(refresh time.Duration) *Manager {
	opts := Options{ConnectionLimit: 1, MaxProxiesToKeep: 100, RefreshMinInterval: refresh}
	return NewManager(opts, nil, newFakeTester(nil), validator.NewValidator(validator.ModeAny, 1), nil, nil)
}

func addRecord(m *Manager, host string, usable bool, testedAgo time.Duration) model.Key {
	now := m.now()
	r := model.NewProxyRecord(host, 8080, "http", "test", now.Add(-time.Hour))
	r.IsUsable = usable
	r.LastTestedAt = now.Add(-testedAgo)
	m.mu.Lock()
	m.proxies[r.Key] = r
	if usable {
		m.verified[r.Key] = struct{}{}
	}
	m.mu.Unlock()
	return r.Key
}

func drainQueue(m *Manager) map[model.Key]int {
	out := make(map[model.Key]int)
	for {
		select {
		case k := <-m.queue:
			out[k]++
		default:
			return out
		}
	}
}

func TestScheduleTick_RefreshAsymmetry(t *testing.T) {
	m := newTickManager(5 * time.Minute)
	fresh := addRecord(m, "10.0.0.1", true, time.Minute)
	stale := addRecord(m, "10.0.0.2", true, 10*time.Minute)
	failing := addRecord(m, "10.0.0.3", false, time.Second)

	assert.Equal(t, 2, m.scheduleTick())
	queued := drainQueue(m)
	assert.NotContains(t, queued, fresh)
	assert.Equal(t, 1, queued[stale])
	assert.Equal(t, 1, queued[failing])
}

func TestScheduleTick_NeverDoubleQueues(t *testing.T) {
	m := newTickManager(0)
	a := addRecord(m, "10.0.0.1", false, time.Second)
	b := addRecord(m, "10.0.0.2", true, time.Hour)

	assert.Equal(t, 2, m.scheduleTick())
	assert.Equal(t, 0, m.scheduleTick(), "queued proxies are skipped")

	queued := drainQueue(m)
	assert.Equal(t, 1, queued[a])
	assert.Equal(t, 1, queued[b])
}

func TestImport_KnownCandidatesNotRequeued(t *testing.T) {
	m := newTickManager(0)
	added, dropped := m.Import(candidates("10.0.0.1", "10.0.0.2"))
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, dropped)
	drainQueue(m)
	m.mu.Lock()
	m.busy = make(map[model.Key]struct{})
	m.mu.Unlock()

	added, _ = m.Import(candidates("10.0.0.1"))
	assert.Equal(t, 0, added)
	assert.Empty(t, drainQueue(m))
}

func TestCapacity_EvictsLeastReliable(t *testing.T) {
	opts := Options{ConnectionLimit: 1, MaxProxiesToKeep: 2}
	m := NewManager(opts, nil, newFakeTester(nil), validator.NewValidator(validator.ModeAny, 1), nil, nil)

	strong := addRecord(m, "10.0.0.1", true, time.Minute)
	weak := addRecord(m, "10.0.0.2", false, time.Minute)
	m.mu.Lock()
	m.proxies[strong].Reliability = 90
	m.proxies[weak].Reliability = 20
	m.mu.Unlock()

	added, dropped := m.Import(candidates("10.0.0.3"))
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, dropped)

	_, ok := m.Lookup(weak)
	assert.False(t, ok)
	_, ok = m.Lookup(strong)
	assert.True(t, ok)
	assert.Equal(t, 2, m.Counts().Registry)
}

func TestCapacity_DropsWhenNothingEvictable(t *testing.T) {
	opts := Options{ConnectionLimit: 1, MaxProxiesToKeep: 1}
	m := NewManager(opts, nil, newFakeTester(nil), validator.NewValidator(validator.ModeAny, 1), nil, nil)

	m.Import(candidates("10.0.0.1")) // 入队后处于 busy 状态，不可淘汰

	m.mu.Lock()
	ok, err := m.registerLocked(candidates("10.0.0.2")[0])
	m.mu.Unlock()
	assert.False(t, ok)
	assert.True(t, errors.Is(err, model.ErrRegistryCapacity))
	assert.Equal(t, 1, m.Counts().Registry)
}

func TestContinuous_ShutdownCompleteness(t *testing.T) {
	hosts := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		hosts = append(hosts, fmt.Sprintf("10.0.2.%d", i))
	}
	ft := newFakeTester(nil)
	ft.delay = 20 * time.Millisecond
	exp := newRecordingExporter()
	closer := &fakeCloser{}

	opts := Options{
		CheckInterval:      10 * time.Millisecond,
		ProxyFetchInterval: time.Hour,
		ExportInterval:     time.Hour,
		ConnectionLimit:    3,
		MaxProxiesToKeep:   100,
		TestURL:            "http://verify.test/",
	}
	m := NewManager(opts, &fakeFetcher{candidates: candidates(hosts...)}, ft,
		validator.NewValidator(validator.ModeAny, 1), nil, exp)
	m.AddIdleCloser(closer)

	var hooked atomic.Int32
	m.OnExport(func(export.Result) { hooked.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, ft.started.Load(), ft.finished.Load(), "every dequeued probe completes")
	assert.True(t, ft.started.Load() > 0)
	calls := exp.calls()
	require.NotEmpty(t, calls, "final export is forced")
	assert.Equal(t, m.GetPoolSize(), calls[len(calls)-1])
	assert.True(t, closer.closed.Load())
	assert.Equal(t, int32(len(calls)), hooked.Load())
}

func TestContinuous_SeededRegistrySkipsImmediateFetch(t *testing.T) {
	ff := &fakeFetcher{candidates: candidates("10.0.0.1")}
	opts := Options{
		CheckInterval:      time.Hour,
		ProxyFetchInterval: time.Hour,
		ExportInterval:     time.Hour,
		ConnectionLimit:    1,
		ForceFetch:         false,
	}
	m := NewManager(opts, ff, newFakeTester(nil), validator.NewValidator(validator.ModeAny, 1), nil, nil)
	m.Import(candidates("10.0.0.5"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	assert.Equal(t, int32(0), ff.calls.Load())
}

func TestExportFlagsWrittenBack(t *testing.T) {
	m := newTickManager(0)
	key := addRecord(m, "10.0.0.1", true, time.Minute)
	m.mu.Lock()
	m.proxies[key].Reliability = 95
	m.mu.Unlock()

	for i := 0; i < 3; i++ {
		m.exportNow(context.Background(), true)
	}
	rec, ok := m.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 3, rec.Persistence)
	assert.True(t, rec.Persistent)
	assert.True(t, rec.FastTrack)

	stats, ok := m.LastExport()
	require.True(t, ok)
	assert.Equal(t, 1, stats.FastTrack)
}

func TestExportErrorDoesNotStopCycle(t *testing.T) {
	m := newTickManager(0)
	exp := newRecordingExporter()
	exp.err = fmt.Errorf("%w: disk full", model.ErrExportIO)
	m.exporter = exp
	addRecord(m, "10.0.0.1", true, time.Minute)

	m.exportNow(context.Background(), false)
	m.exportNow(context.Background(), false)
	assert.Equal(t, []int{1, 1}, exp.calls())
}

func TestAccessor(t *testing.T) {
	m := newTickManager(0)
	_, ok := m.GetProxy()
	assert.False(t, ok)
	assert.Empty(t, m.GetProxies())

	fast := addRecord(m, "10.0.0.1", true, time.Minute)
	slow := addRecord(m, "10.0.0.2", true, time.Minute)
	addRecord(m, "10.0.0.3", false, time.Minute)
	m.mu.Lock()
	for _, k := range []model.Key{fast, slow} {
		m.proxies[k].Reliability = 80
		m.proxies[k].Anonymity = model.AnonymityElite
	}
	m.proxies[fast].LatencyMs = 100
	m.proxies[slow].LatencyMs = 700
	m.mu.Unlock()

	assert.Equal(t, 2, m.GetPoolSize())
	assert.Equal(t, []string{"http://10.0.0.1:8080", "http://10.0.0.2:8080"}, m.GetProxies())

	p, ok := m.GetProxy()
	require.True(t, ok)
	assert.Contains(t, []string{"http://10.0.0.1:8080", "http://10.0.0.2:8080"}, p)
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{MaxProxiesToKeep: 50}
	o.normalize()
	assert.Equal(t, 1, o.ConnectionLimit)
	assert.Equal(t, 50, o.QueueSize)
	assert.Equal(t, 30*time.Second, o.CheckInterval)
}
