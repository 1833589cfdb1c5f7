package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"flatDnsProxy/internal/metrics"
	"flatDnsProxy/internal/utils"
)

// CheckConfig 健康检查配置
type CheckConfig struct {
	Enabled           bool
	Interval          time.Duration
	Timeout           time.Duration
	FailureThreshold  int
	RecoveryThreshold int
	StartupGrace      time.Duration
}

// ProbeFunc 执行一次探测并返回结果分类，可注入便于测试
type ProbeFunc func(srv *Server, timeout time.Duration) (Outcome, time.Duration)

// entry 单个上游的可变状态，状态迁移只由Monitor驱动
type entry struct {
	server *Server
	window *Window

	mu             sync.Mutex
	state          State
	lastTransition time.Time

	inflight atomic.Int64
}

// Monitor 上游健康监控器
type Monitor struct {
	cfg     CheckConfig
	logger  *utils.Logger
	metrics *metrics.Collector
	probe   ProbeFunc

	entries []*entry
	byName  map[string]*entry

	startedAt time.Time
	stopCh    chan struct{}
	started   bool
	mu        sync.Mutex
}

// NewMonitor 创建健康监控器
func NewMonitor(servers []*Server, cfg CheckConfig, logger *utils.Logger, collector *metrics.Collector) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		probe:   probeRootSOA,
		byName:  make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	for _, srv := range servers {
		e := &entry{
			server: srv,
			window: NewWindow(DefaultWindowSize),
			state:  StateUnknown,
		}
		m.entries = append(m.entries, e)
		m.byName[srv.Name] = e
	}
	return m
}

// SetProbe 替换探测函数，仅测试使用
func (m *Monitor) SetProbe(probe ProbeFunc) {
	m.probe = probe
}

// Start 启动探测循环
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.startedAt = time.Now()
	m.mu.Unlock()

	if !m.cfg.Enabled {
		m.logger.Info("健康检查未启用")
		return
	}

	m.logger.Info("健康监控已启动: %d 个上游, 间隔 %v", len(m.entries), m.cfg.Interval)
	go m.runLoop()
}

// Stop 停止探测循环
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
	m.logger.Info("健康监控已停止")
}

// runLoop 探测循环，启动后立即执行第一轮
func (m *Monitor) runLoop() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probeAll()
	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.stopCh:
			return
		}
	}
}

// probeAll 对所有启用健康检查的上游并发探测，不阻塞请求处理
func (m *Monitor) probeAll() {
	for _, e := range m.entries {
		if !e.server.HealthCheck {
			continue
		}
		go func(e *entry) {
			outcome, latency := m.probe(e.server, m.cfg.Timeout)
			m.record(e, outcome, latency)
			m.logger.Debug("探测 %s: %s (耗时: %v)", e.server.Name, outcome, latency)
		}(e)
	}
}

// probeRootSOA 默认探测：查询根域SOA
// NoError和NXDomain都算成功；REFUSED和其他响应码、超时及网络错误都算失败
func probeRootSOA(srv *Server, timeout time.Duration) (Outcome, time.Duration) {
	req := new(dns.Msg)
	req.SetQuestion(".", dns.TypeSOA)

	c := &dns.Client{Net: "udp", Timeout: timeout}

	start := time.Now()
	resp, _, err := c.Exchange(req, srv.Addr())
	latency := time.Since(start)

	switch {
	case err != nil:
		if isTimeout(err) {
			return OutcomeTimeout, latency
		}
		return OutcomeError, latency
	case resp == nil:
		return OutcomeError, latency
	case resp.Rcode == dns.RcodeSuccess || resp.Rcode == dns.RcodeNameError:
		return OutcomeSuccess, latency
	case resp.Rcode == dns.RcodeRefused:
		return OutcomeRefused, latency
	default:
		return OutcomeServfail, latency
	}
}

// isTimeout 判断网络错误是否为超时
func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

// RecordOutcome 记录一次查询/探测结果并应用状态迁移
func (m *Monitor) RecordOutcome(name string, outcome Outcome, latency time.Duration) {
	e, ok := m.byName[name]
	if !ok {
		m.logger.Warn("记录了未知上游的结果: %s", name)
		return
	}
	m.record(e, outcome, latency)
}

// record 写入窗口并应用迁移规则
func (m *Monitor) record(e *entry, outcome Outcome, latency time.Duration) {
	e.window.Record(outcome, latency)

	e.mu.Lock()
	old := e.state
	if outcome == OutcomeSuccess {
		switch e.state {
		case StateUnknown:
			// 首次成功立即提升
			e.transitionLocked(StateHealthy)
		case StateUnhealthy:
			if e.window.ConsecutiveSuccesses() >= m.cfg.RecoveryThreshold {
				e.transitionLocked(StateHealthy)
			}
		}
	} else {
		// 启动宽限期内不允许降级
		if m.inStartupGrace() {
			e.mu.Unlock()
			return
		}
		if e.state != StateUnhealthy && e.window.ConsecutiveFailures() >= m.cfg.FailureThreshold {
			e.transitionLocked(StateUnhealthy)
		}
	}
	current := e.state
	e.mu.Unlock()

	if old != current {
		m.logger.Info("上游 %s 状态变更: %s -> %s", e.server.Name, old, current)
		m.updateHealthyGauge()
	}
}

// transitionLocked 切换状态，调用方必须持有e.mu
func (e *entry) transitionLocked(s State) {
	e.state = s
	e.lastTransition = time.Now()
}

// inStartupGrace 是否处于启动宽限期
func (m *Monitor) inStartupGrace() bool {
	m.mu.Lock()
	started := m.startedAt
	m.mu.Unlock()
	if started.IsZero() {
		return false
	}
	return time.Since(started) < m.cfg.StartupGrace
}

// updateHealthyGauge 刷新健康上游数量指标
func (m *Monitor) updateHealthyGauge() {
	if m.metrics == nil {
		return
	}
	n := 0
	for _, e := range m.entries {
		e.mu.Lock()
		if e.state == StateHealthy {
			n++
		}
		e.mu.Unlock()
	}
	m.metrics.GetHealthyUpstreams().Set(float64(n))
}

// snapshot 生成单个上游的状态快照
func (e *entry) snapshot() Status {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	return Status{
		Server:      e.server,
		State:       state,
		SuccessRate: e.window.SuccessRate(),
		MeanLatency: e.window.MeanLatency(),
		Samples:     e.window.SampleCount(),
		Inflight:    e.inflight.Load(),
	}
}

// HealthyFor 返回可用上游快照：Healthy与预热中的Unknown
// 集合为空时降级返回全部上游并计入指标
func (m *Monitor) HealthyFor() []Status {
	var healthy []Status
	for _, e := range m.entries {
		st := e.snapshot()
		if st.State == StateHealthy || st.State == StateUnknown {
			healthy = append(healthy, st)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}

	m.logger.Warn("没有健康的上游服务器，降级使用全部上游")
	if m.metrics != nil {
		m.metrics.GetDegradedSelections().Inc()
	}
	all := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e.snapshot())
	}
	return all
}

// Statistics 按配置顺序返回全部上游的状态快照，仅供观测
func (m *Monitor) Statistics() []Status {
	all := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e.snapshot())
	}
	return all
}

// StateOf 返回某个上游的当前状态
func (m *Monitor) StateOf(name string) State {
	e, ok := m.byName[name]
	if !ok {
		return StateUnknown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AddInflight 调整某个上游的在途查询计数
func (m *Monitor) AddInflight(name string, delta int64) {
	if e, ok := m.byName[name]; ok {
		e.inflight.Add(delta)
	}
}

// Inflight 返回某个上游的在途查询计数
func (m *Monitor) Inflight(name string) int64 {
	if e, ok := m.byName[name]; ok {
		return e.inflight.Load()
	}
	return 0
}
