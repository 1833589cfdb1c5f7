package dns

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/miekg/dns"

	"flatDnsProxy/internal/config"
	"flatDnsProxy/internal/health"
	"flatDnsProxy/internal/metrics"
	"flatDnsProxy/internal/ratelimit"
	"flatDnsProxy/internal/utils"
)

// 没有OPT记录时UDP响应的最大字节数
const defaultUDPPayload = 512

// 单次请求的整体处理期限，覆盖重试和递归展开
const resolveDeadline = 10 * time.Second

// Handler DNS请求处理器，实现dns.Handler接口
type Handler struct {
	cfg      *config.Config
	logger   *utils.Logger
	metrics  *metrics.Collector
	resolver *Resolver
	monitor  *health.Monitor
	limiter  *ratelimit.Limiter
}

// NewHandler 创建请求处理器，limiter可为nil表示不限速
func NewHandler(cfg *config.Config, resolver *Resolver, monitor *health.Monitor, limiter *ratelimit.Limiter, logger *utils.Logger, collector *metrics.Collector) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   logger,
		metrics:  collector,
		resolver: resolver,
		monitor:  monitor,
		limiter:  limiter,
	}
}

// recoverPanic 恢复panic，保证单个请求不拖垮进程
func recoverPanic(w dns.ResponseWriter, req *dns.Msg) {
	if err := recover(); err != nil {
		log.Printf("[PANIC] Recovered from panic: %v", err)
		_ = w.WriteMsg(new(dns.Msg).SetRcode(req, dns.RcodeServerFailure))
	}
}

// ServeDNS 实现dns.Handler接口
func (h *Handler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	defer recoverPanic(w, req)

	// 限速检查最先执行，超限直接丢弃避免放大
	if h.limiter != nil {
		if host, _, err := net.SplitHostPort(w.RemoteAddr().String()); err == nil {
			if !h.limiter.Allow(host) {
				h.logger.Debug("客户端 %s 超过速率限制，丢弃查询", host)
				if h.metrics != nil {
					h.metrics.GetRateLimited().Inc()
				}
				return
			}
		}
	}

	if err := validateRequest(req); err != nil {
		h.logger.Debug("请求校验失败: %v", err)
		h.countQuery(req, "formerr")
		_ = w.WriteMsg(new(dns.Msg).SetRcode(req, dns.RcodeFormatError))
		return
	}

	q := req.Question[0]
	q.Name = utils.SanitizeDomainName(q.Name)

	if isStatsQuery(q) {
		h.countQuery(req, "stats")
		_ = w.WriteMsg(buildStatsResponse(req, h.monitor.Statistics()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveDeadline)
	defer cancel()

	res, err := h.resolver.Resolve(ctx, q)
	if err != nil {
		h.logger.Error("解析失败 %s: %v", utils.TrimName(q.Name), err)
		h.countQuery(req, "failed")
		_ = w.WriteMsg(new(dns.Msg).SetRcode(req, dns.RcodeServerFailure))
		return
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true
	resp.Rcode = res.Rcode
	resp.Answer = res.Answer
	resp.Ns = res.Ns

	// AAAA过滤在发出时应用，缓存里保存的是未过滤的展开结果
	if h.cfg.Flatten.RemoveAAAA {
		resp.Answer = stripAAAA(resp.Answer)
	}

	if isUDP(w) {
		resp.Truncate(udpPayloadSize(req))
	}

	if err := w.WriteMsg(resp); err != nil {
		h.logger.Error("写入响应失败: %v", err)
		h.countQuery(req, "failed")
		return
	}
	h.countQuery(req, rcodeStatus(res.Rcode))
}

// countQuery 记录查询指标
func (h *Handler) countQuery(req *dns.Msg, status string) {
	if h.metrics == nil {
		return
	}
	qtype := "unknown"
	if len(req.Question) > 0 {
		qtype = dns.TypeToString[req.Question[0].Qtype]
	}
	h.metrics.GetQueriesTotal().WithLabelValues(qtype, status).Inc()
}

// rcodeStatus 响应码到指标状态标签
func rcodeStatus(rcode int) string {
	switch rcode {
	case dns.RcodeSuccess:
		return "ok"
	case dns.RcodeNameError:
		return "nxdomain"
	case dns.RcodeServerFailure:
		return "servfail"
	default:
		return "other"
	}
}

// stripAAAA 从答案段移除AAAA记录
func stripAAAA(answer []dns.RR) []dns.RR {
	filtered := answer[:0:0]
	for _, rr := range answer {
		if rr.Header().Rrtype != dns.TypeAAAA {
			filtered = append(filtered, rr)
		}
	}
	return filtered
}

// isUDP 判断响应是否经UDP发出
func isUDP(w dns.ResponseWriter) bool {
	if addr := w.RemoteAddr(); addr != nil {
		return addr.Network() == "udp"
	}
	return false
}

// udpPayloadSize 客户端通过EDNS0协商的载荷大小，下限512
func udpPayloadSize(req *dns.Msg) int {
	size := defaultUDPPayload
	if opt := req.IsEdns0(); opt != nil {
		if s := int(opt.UDPSize()); s > size {
			size = s
		}
	}
	return size
}
