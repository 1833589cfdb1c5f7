package dns

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"

	"flatDnsProxy/internal/health"
	"flatDnsProxy/internal/metrics"
	"flatDnsProxy/internal/utils"
)

// 单个上游的在途查询上限，避免突发时无限扇出
const maxInflightPerUpstream = 64

// Exchanger 对单个上游执行一次DNS查询
type Exchanger interface {
	Exchange(ctx context.Context, srv *health.Server, req *dns.Msg) (*dns.Msg, error)
}

// Client 上游查询客户端
// 默认走UDP，收到截断响应后对同一上游改用TCP重试一次；
// 每次终结的查询都会向监控器记录结果和延迟
type Client struct {
	monitor *health.Monitor
	metrics *metrics.Collector
	logger  *utils.Logger

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewClient 创建上游客户端
func NewClient(monitor *health.Monitor, collector *metrics.Collector, logger *utils.Logger) *Client {
	return &Client{
		monitor: monitor,
		metrics: collector,
		logger:  logger,
		sems:    make(map[string]*semaphore.Weighted),
	}
}

// sem 获取某个上游的在途信号量
func (c *Client) sem(name string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sems[name]
	if !ok {
		s = semaphore.NewWeighted(maxInflightPerUpstream)
		c.sems[name] = s
	}
	return s
}

// Exchange 查询单个上游
func (c *Client) Exchange(ctx context.Context, srv *health.Server, req *dns.Msg) (*dns.Msg, error) {
	sem := c.sem(srv.Name)
	if err := sem.Acquire(ctx, 1); err != nil {
		// 尚未发出查询，不计入上游指标
		return nil, err
	}
	defer sem.Release(1)

	c.monitor.AddInflight(srv.Name, 1)
	defer c.monitor.AddInflight(srv.Name, -1)

	start := time.Now()
	resp, err := c.exchange(ctx, srv, req, "udp")
	if err == nil && resp != nil && resp.Truncated {
		c.logger.Debug("上游 %s 响应被截断，改用TCP重试", srv.Name)
		resp, err = c.exchange(ctx, srv, req, "tcp")
	}
	latency := time.Since(start)

	if c.metrics != nil {
		c.metrics.GetUpstreamLatency().Observe(latency.Seconds())
	}

	outcome := classifyOutcome(resp, err)
	c.monitor.RecordOutcome(srv.Name, outcome, latency)

	if err != nil {
		c.logger.Debug("DNS查询失败 %s: %v (耗时: %v)", srv.Name, err, latency)
		return nil, err
	}
	if resp == nil {
		return nil, utils.NewDNSError(dns.RcodeServerFailure, "empty response from server", nil)
	}

	c.logger.Debug("DNS查询完成 %s: %s (耗时: %v)", srv.Name, dns.RcodeToString[resp.Rcode], latency)
	return resp, nil
}

// exchange 在指定网络上执行一次交换
func (c *Client) exchange(ctx context.Context, srv *health.Server, req *dns.Msg, network string) (*dns.Msg, error) {
	client := &dns.Client{
		Net:     network,
		Timeout: srv.Timeout,
		UDPSize: 4096,
	}
	resp, _, err := client.ExchangeContext(ctx, req, srv.Addr())
	return resp, err
}

// classifyOutcome 将交换结果映射到监控结果分类
func classifyOutcome(resp *dns.Msg, err error) health.Outcome {
	if err != nil {
		if isTimeoutErr(err) {
			return health.OutcomeTimeout
		}
		return health.OutcomeError
	}
	if resp == nil {
		return health.OutcomeError
	}
	switch resp.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return health.OutcomeSuccess
	case dns.RcodeRefused:
		return health.OutcomeRefused
	case dns.RcodeServerFailure:
		return health.OutcomeServfail
	default:
		return health.OutcomeError
	}
}

// isTimeoutErr 判断错误是否为超时
func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
