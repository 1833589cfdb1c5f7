package dns

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"flatDnsProxy/internal/config"
	"flatDnsProxy/internal/health"
	"flatDnsProxy/internal/metrics"
	"flatDnsProxy/internal/utils"
)

// 全部上游失败时SERVFAIL负缓存的TTL上限
const servfailTTLCap = 30 * time.Second

// Result 一次解析的结果，Answer里的TTL已经是倒计时后的剩余值
type Result struct {
	Answer []dns.RR
	Ns     []dns.RR
	Rcode  int
}

// Resolver 带CNAME展开的解析器
// 地址类查询的CNAME链被递归展开，最终答案只含以原查询名为所有者的地址记录
type Resolver struct {
	maxRecursion int
	maxRetries   int
	negativeTTL  time.Duration

	cache    *Cache
	monitor  *health.Monitor
	selector *health.Selector
	client   Exchanger
	logger   *utils.Logger
	metrics  *metrics.Collector

	flight singleflight.Group
}

// NewResolver 创建解析器
func NewResolver(cfg *config.Config, cache *Cache, monitor *health.Monitor, selector *health.Selector, client Exchanger, logger *utils.Logger, collector *metrics.Collector) *Resolver {
	return &Resolver{
		maxRecursion: cfg.Flatten.MaxRecursion,
		maxRetries:   cfg.MaxUpstreamRetries,
		negativeTTL:  cfg.Cache.NegativeTTL.Std(),
		cache:        cache,
		monitor:      monitor,
		selector:     selector,
		client:       client,
		logger:       logger,
		metrics:      collector,
	}
}

// Resolve 解析一个问题
func (r *Resolver) Resolve(ctx context.Context, q dns.Question) (*Result, error) {
	name := utils.CanonicalName(q.Name)
	key := CacheKey(name, q.Qtype, q.Qclass)

	now := time.Now()
	if e, ok := r.cache.Get(key, now); ok {
		r.countCacheHit(e)
		r.logger.Debug("缓存命中: %s", key)
		return r.resultFromEntry(e, now), nil
	}

	// 同键并发解析合并为一次上游查询
	v, err, shared := r.flight.Do(string(key), func() (interface{}, error) {
		return r.resolveUpstream(ctx, name, q.Qtype, q.Qclass, 0)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("合并了并发解析: %s", key)
	}

	return r.resultFromEntry(v.(*Entry), time.Now()), nil
}

// countCacheHit 记录缓存命中指标
func (r *Resolver) countCacheHit(e *Entry) {
	if r.metrics == nil {
		return
	}
	kind := "answer"
	if e.Negative {
		kind = "negative"
	}
	r.metrics.GetCacheHits().WithLabelValues(kind).Inc()
}

// resultFromEntry 从缓存条目生成响应，复制记录并写入剩余TTL
func (r *Resolver) resultFromEntry(e *Entry, now time.Time) *Result {
	remaining := e.Remaining(now)

	res := &Result{Rcode: e.Rcode}
	for _, rr := range e.Answer {
		cp := dns.Copy(rr)
		cp.Header().Ttl = remaining
		res.Answer = append(res.Answer, cp)
	}
	for _, rr := range e.Ns {
		cp := dns.Copy(rr)
		cp.Header().Ttl = remaining
		res.Ns = append(res.Ns, cp)
	}
	return res
}

// resolveTarget 解析链内CNAME目标
// 走缓存但绕过合并组：持有合并组条目的解析再去等待另一条链的
// 合并组条目会在交叉链路上互相等待，直接解析最多重复一次上游查询
func (r *Resolver) resolveTarget(ctx context.Context, name string, qtype, qclass uint16, depth int) (*Result, error) {
	key := CacheKey(name, qtype, qclass)

	now := time.Now()
	if e, ok := r.cache.Get(key, now); ok {
		r.countCacheHit(e)
		return r.resultFromEntry(e, now), nil
	}

	e, err := r.resolveUpstream(ctx, name, qtype, qclass, depth)
	if err != nil {
		return nil, err
	}
	return r.resultFromEntry(e, time.Now()), nil
}

// resolveUpstream 缓存未命中时的完整解析路径
// depth为嵌套展开深度，交叉引用的CNAME链在此封顶
func (r *Resolver) resolveUpstream(ctx context.Context, name string, qtype, qclass uint16, depth int) (*Entry, error) {
	if depth > r.maxRecursion {
		r.logger.Warn("嵌套解析超过最大深度 %d: %s", r.maxRecursion, utils.TrimName(name))
		r.countLoop()
		return r.storeNegative(name, qtype, qclass, dns.RcodeServerFailure, nil, r.servfailTTL()), nil
	}
	req := new(dns.Msg)
	req.SetQuestion(name, qtype)
	req.Question[0].Qclass = qclass
	req.RecursionDesired = true
	req.SetEdns0(4096, false)

	tried := make(map[string]bool)
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		srv := r.pickUpstream(tried)
		if srv == nil {
			break
		}
		tried[srv.Name] = true

		resp, err := r.client.Exchange(ctx, srv, req)
		if err != nil {
			r.logger.Debug("上游 %s 查询失败: %v，尝试下一个", srv.Name, err)
			continue
		}
		if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
			r.logger.Debug("上游 %s 返回 %s，尝试下一个", srv.Name, dns.RcodeToString[resp.Rcode])
			continue
		}

		return r.processResponse(ctx, name, qtype, qclass, resp, depth)
	}

	r.logger.Warn("所有上游查询失败: %s", utils.TrimName(name))
	return r.storeNegative(name, qtype, qclass, dns.RcodeServerFailure, nil, r.servfailTTL()), nil
}

// pickUpstream 从健康集合中选一个未尝试过的上游
func (r *Resolver) pickUpstream(tried map[string]bool) *health.Server {
	snapshot := r.monitor.HealthyFor()

	candidates := snapshot[:0:0]
	for _, st := range snapshot {
		if !tried[st.Server.Name] {
			candidates = append(candidates, st)
		}
	}
	return r.selector.Pick(candidates)
}

// processResponse 处理一次成功交换的响应
func (r *Resolver) processResponse(ctx context.Context, name string, qtype, qclass uint16, resp *dns.Msg, depth int) (*Entry, error) {
	if resp.Rcode == dns.RcodeNameError {
		soa, ttl := r.negativeFromSOA(resp.Ns)
		r.logger.Debug("NXDOMAIN: %s (负缓存 %v)", utils.TrimName(name), ttl)
		return r.storeNegative(name, qtype, qclass, dns.RcodeNameError, soa, ttl), nil
	}

	normalizeOwners(resp.Answer, name)

	if len(resp.Answer) == 0 {
		soa, ttl := r.negativeFromSOA(resp.Ns)
		return r.storeNegative(name, qtype, qclass, dns.RcodeSuccess, soa, ttl), nil
	}

	if isAddressType(qtype) && hasCNAME(resp.Answer) {
		flat, aborted := r.flatten(ctx, name, qtype, qclass, resp.Answer, depth)
		switch {
		case len(flat) > 0:
			if r.metrics != nil {
				r.metrics.GetFlattenedRecords().Add(float64(len(flat)))
			}
			return r.storePositive(name, qtype, qclass, flat), nil
		case aborted:
			// 链路成环或超深且没有拿到任何地址
			return r.storeNegative(name, qtype, qclass, dns.RcodeServerFailure, nil, r.servfailTTL()), nil
		default:
			return r.storeNegative(name, qtype, qclass, dns.RcodeSuccess, nil, r.negativeTTL), nil
		}
	}

	return r.storePositive(name, qtype, qclass, resp.Answer), nil
}

// flatten 展开CNAME链
// 返回以原查询名为所有者的地址记录；aborted表示链因环路或深度限制被截断
func (r *Resolver) flatten(ctx context.Context, name string, qtype, qclass uint16, answer []dns.RR, depth int) (flat []dns.RR, aborted bool) {
	// 原始答案按所有者分组，链内记录优先本地消费
	byOwner := make(map[string][]dns.RR)
	for _, rr := range answer {
		owner := utils.CanonicalName(rr.Header().Name)
		byOwner[owner] = append(byOwner[owner], rr)
	}

	type target struct {
		name     string
		chainTTL uint32
	}

	visited := make(map[string]bool)
	queue := []target{{name: name, chainTTL: ^uint32(0)}}

	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]

		if visited[t.name] {
			r.logger.Warn("检测到CNAME环路: %s (链首 %s)", utils.TrimName(t.name), utils.TrimName(name))
			r.countLoop()
			aborted = true
			continue
		}
		visited[t.name] = true
		if len(visited) > r.maxRecursion {
			r.logger.Warn("CNAME链超过最大深度 %d: %s", r.maxRecursion, utils.TrimName(name))
			r.countLoop()
			aborted = true
			break
		}

		rrs := byOwner[t.name]

		// 答案里已有目标类型的记录，直接消费
		consumed := false
		for _, rr := range rrs {
			if rr.Header().Rrtype == qtype {
				flat = append(flat, rewriteOwner(rr, name, minTTL(rr.Header().Ttl, t.chainTTL)))
				consumed = true
			}
		}
		if consumed {
			continue
		}

		// 继续跟进答案内的CNAME
		followed := false
		for _, rr := range rrs {
			if cname, ok := rr.(*dns.CNAME); ok {
				next := utils.CanonicalName(cname.Target)
				queue = append(queue, target{name: next, chainTTL: minTTL(cname.Hdr.Ttl, t.chainTTL)})
				followed = true
			}
		}
		if followed {
			continue
		}

		// 目标不在本次答案里，经缓存走完整解析路径
		sub, err := r.resolveTarget(ctx, t.name, qtype, qclass, depth+1)
		if err != nil || sub.Rcode != dns.RcodeSuccess {
			r.logger.Debug("CNAME目标 %s 解析失败", utils.TrimName(t.name))
			continue
		}
		for _, rr := range sub.Answer {
			if rr.Header().Rrtype == qtype {
				flat = append(flat, rewriteOwner(rr, name, minTTL(rr.Header().Ttl, t.chainTTL)))
			}
		}
	}

	if len(flat) > 0 {
		r.logger.Debug("CNAME展开完成: %s -> %d 条地址记录", utils.TrimName(name), len(flat))
	}
	return flat, aborted
}

// countLoop 记录环路/深度截断指标
func (r *Resolver) countLoop() {
	if r.metrics != nil {
		r.metrics.GetCNAMELoops().Inc()
	}
}

// storePositive 写入正向缓存条目，TTL取答案内最小值
func (r *Resolver) storePositive(name string, qtype, qclass uint16, answer []dns.RR) *Entry {
	ttl := ^uint32(0)
	for _, rr := range answer {
		if rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}
	key := CacheKey(name, qtype, qclass)
	return r.cache.Put(key, answer, nil, dns.RcodeSuccess, false, time.Duration(ttl)*time.Second, time.Now())
}

// storeNegative 写入负向缓存条目
func (r *Resolver) storeNegative(name string, qtype, qclass uint16, rcode int, soa []dns.RR, ttl time.Duration) *Entry {
	key := CacheKey(name, qtype, qclass)
	return r.cache.Put(key, nil, soa, rcode, true, ttl, time.Now())
}

// negativeFromSOA 从权威段提取SOA，负缓存TTL取SOA最小TTL与配置上限的较小者
func (r *Resolver) negativeFromSOA(ns []dns.RR) ([]dns.RR, time.Duration) {
	ttl := r.negativeTTL
	var soa []dns.RR
	for _, rr := range ns {
		if s, ok := rr.(*dns.SOA); ok {
			soa = append(soa, s)
			if soaMin := time.Duration(s.Minttl) * time.Second; soaMin < ttl {
				ttl = soaMin
			}
		}
	}
	return soa, ttl
}

// servfailTTL 上游整体失败时的短负缓存TTL
func (r *Resolver) servfailTTL() time.Duration {
	if r.negativeTTL < servfailTTLCap {
		return r.negativeTTL
	}
	return servfailTTLCap
}

// normalizeOwners 把与查询名等价的所有者名改写成规范形式
func normalizeOwners(answer []dns.RR, name string) {
	for _, rr := range answer {
		if strings.EqualFold(rr.Header().Name, name) {
			rr.Header().Name = name
		}
	}
}

// rewriteOwner 复制记录并改写所有者和TTL
func rewriteOwner(rr dns.RR, owner string, ttl uint32) dns.RR {
	cp := dns.Copy(rr)
	cp.Header().Name = owner
	cp.Header().Ttl = ttl
	return cp
}

// minTTL 取两个TTL的较小者
func minTTL(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// isAddressType 是否为地址类查询
func isAddressType(qtype uint16) bool {
	return qtype == dns.TypeA || qtype == dns.TypeAAAA
}

// hasCNAME 答案段中是否含CNAME
func hasCNAME(answer []dns.RR) bool {
	for _, rr := range answer {
		if rr.Header().Rrtype == dns.TypeCNAME {
			return true
		}
	}
	return false
}
