package dns

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flatDnsProxy/internal/config"
	"flatDnsProxy/internal/health"
	"flatDnsProxy/internal/utils"
)

// fakeResponseWriter 测试用的dns.ResponseWriter
type fakeResponseWriter struct {
	msg    *dns.Msg
	remote net.Addr
}

func newFakeWriter(network string) *fakeResponseWriter {
	w := &fakeResponseWriter{}
	switch network {
	case "tcp":
		w.remote = &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40000}
	default:
		w.remote = &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40000}
	}
	return w
}

func (f *fakeResponseWriter) LocalAddr() net.Addr  { return &net.UDPAddr{} }
func (f *fakeResponseWriter) RemoteAddr() net.Addr { return f.remote }
func (f *fakeResponseWriter) WriteMsg(m *dns.Msg) error {
	f.msg = m
	return nil
}
func (f *fakeResponseWriter) Write([]byte) (int, error) { return 0, nil }
func (f *fakeResponseWriter) Close() error              { return nil }
func (f *fakeResponseWriter) TsigStatus() error         { return nil }
func (f *fakeResponseWriter) TsigTimersOnly(bool)       {}
func (f *fakeResponseWriter) Hijack()                   {}

func newTestHandler(removeAAAA bool, servers []*health.Server, fake *fakeExchanger) (*Handler, *health.Monitor) {
	cfg := &config.Config{
		MaxUpstreamRetries: 2,
		Cache: config.CacheConfig{
			MaxSize:         1000,
			DefaultTTL:      config.Duration(5 * time.Minute),
			MaxTTL:          config.Duration(24 * time.Hour),
			NegativeTTL:     config.Duration(60 * time.Second),
			CleanupInterval: config.Duration(5 * time.Minute),
		},
		Flatten: config.FlattenConfig{MaxRecursion: 10, RemoveAAAA: removeAAAA},
	}

	logger := utils.NewLogger("error")
	monitor := health.NewMonitor(servers, health.CheckConfig{
		FailureThreshold:  3,
		RecoveryThreshold: 2,
	}, logger, nil)
	selector := health.NewSelector(health.StrategyFailover)
	cache := NewCache(cfg.Cache, logger, nil)
	resolver := NewResolver(cfg, cache, monitor, selector, fake, logger, nil)

	return NewHandler(cfg, resolver, monitor, nil, logger, nil), monitor
}

func queryMsg(name string, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)
	return msg
}

func testAAAARR(name string, ttl uint32, ip string) *dns.AAAA {
	return &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: net.ParseIP(ip),
	}
}

func TestHandlerRemoveAAAAFilter(t *testing.T) {
	fake := &fakeExchanger{
		respond: func(_ *health.Server, req *dns.Msg) (*dns.Msg, error) {
			switch req.Question[0].Qtype {
			case dns.TypeA:
				return answerMsg(testARR("x.test.", 100, "1.2.3.4")), nil
			case dns.TypeAAAA:
				return answerMsg(testAAAARR("x.test.", 100, "::1")), nil
			}
			return answerMsg(), nil
		},
	}
	h, _ := newTestHandler(true, []*health.Server{testUpstream("u1", 1)}, fake)

	// A查询只保留A记录
	w := newFakeWriter("udp")
	h.ServeDNS(w, queryMsg("x.test.", dns.TypeA))
	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	require.Len(t, w.msg.Answer, 1)
	assert.Equal(t, dns.TypeA, w.msg.Answer[0].Header().Rrtype)

	// AAAA查询返回空答案且RCODE为NoError
	w = newFakeWriter("udp")
	h.ServeDNS(w, queryMsg("x.test.", dns.TypeAAAA))
	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	assert.Empty(t, w.msg.Answer)
}

func TestHandlerAAAAPassesWithoutFilter(t *testing.T) {
	fake := &fakeExchanger{
		respond: func(_ *health.Server, req *dns.Msg) (*dns.Msg, error) {
			return answerMsg(testAAAARR("x.test.", 100, "::1")), nil
		},
	}
	h, _ := newTestHandler(false, []*health.Server{testUpstream("u1", 1)}, fake)

	w := newFakeWriter("udp")
	h.ServeDNS(w, queryMsg("x.test.", dns.TypeAAAA))
	require.NotNil(t, w.msg)
	require.Len(t, w.msg.Answer, 1)
	assert.Equal(t, dns.TypeAAAA, w.msg.Answer[0].Header().Rrtype)
}

func TestHandlerStatsEndpoint(t *testing.T) {
	fake := &fakeExchanger{
		respond: func(_ *health.Server, req *dns.Msg) (*dns.Msg, error) {
			return answerMsg(), nil
		},
	}
	h, _ := newTestHandler(false, []*health.Server{
		testUpstream("u1", 1),
		testUpstream("u2", 2),
	}, fake)

	w := newFakeWriter("udp")
	h.ServeDNS(w, queryMsg("_dns-proxy-stats.local.", dns.TypeTXT))

	require.NotNil(t, w.msg)
	require.Len(t, w.msg.Answer, 2, "每个上游一条TXT记录")
	for _, rr := range w.msg.Answer {
		txt, ok := rr.(*dns.TXT)
		require.True(t, ok)
		assert.Equal(t, uint32(0), txt.Hdr.Ttl, "统计记录不允许被缓存")
		assert.Contains(t, txt.Txt[0], "state=")
	}
	// 统计查询不打上游
	assert.Equal(t, 0, fake.callCount())
}

func TestHandlerFormErrOnEmptyQuestion(t *testing.T) {
	fake := &fakeExchanger{
		respond: func(_ *health.Server, req *dns.Msg) (*dns.Msg, error) {
			return answerMsg(), nil
		},
	}
	h, _ := newTestHandler(false, []*health.Server{testUpstream("u1", 1)}, fake)

	w := newFakeWriter("udp")
	h.ServeDNS(w, new(dns.Msg))

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeFormatError, w.msg.Rcode)
}

func TestHandlerFormErrOnOversizedName(t *testing.T) {
	fake := &fakeExchanger{
		respond: func(_ *health.Server, req *dns.Msg) (*dns.Msg, error) {
			return answerMsg(), nil
		},
	}
	h, _ := newTestHandler(false, []*health.Server{testUpstream("u1", 1)}, fake)

	// 单个标签超过63字符
	long := ""
	for i := 0; i < 70; i++ {
		long += "a"
	}
	req := new(dns.Msg)
	req.Question = []dns.Question{{
		Name:   long + ".test.",
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}}
	req.Id = dns.Id()

	w := newFakeWriter("udp")
	h.ServeDNS(w, req)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeFormatError, w.msg.Rcode)
}

func TestHandlerTruncatesUDPResponses(t *testing.T) {
	// 构造一个远超512字节的响应
	var rrs []dns.RR
	for i := 0; i < 60; i++ {
		rrs = append(rrs, testARR("big.test.", 300, fmt.Sprintf("10.0.%d.%d", i/250, i%250)))
	}
	fake := &fakeExchanger{
		respond: func(_ *health.Server, req *dns.Msg) (*dns.Msg, error) {
			return answerMsg(rrs...), nil
		},
	}
	h, _ := newTestHandler(false, []*health.Server{testUpstream("u1", 1)}, fake)

	w := newFakeWriter("udp")
	h.ServeDNS(w, queryMsg("big.test.", dns.TypeA))
	require.NotNil(t, w.msg)
	assert.True(t, w.msg.Truncated, "超过UDP载荷的响应必须置TC位")
	assert.Less(t, len(w.msg.Answer), 60)

	// 同一查询走TCP不截断
	w = newFakeWriter("tcp")
	h.ServeDNS(w, queryMsg("big.test.", dns.TypeA))
	require.NotNil(t, w.msg)
	assert.False(t, w.msg.Truncated)
	assert.Len(t, w.msg.Answer, 60)
}

func TestHandlerServfailWhenResolverFails(t *testing.T) {
	fake := &fakeExchanger{
		respond: func(_ *health.Server, req *dns.Msg) (*dns.Msg, error) {
			return nil, context.DeadlineExceeded
		},
	}
	h, _ := newTestHandler(false, []*health.Server{testUpstream("u1", 1)}, fake)

	w := newFakeWriter("udp")
	h.ServeDNS(w, queryMsg("down.test.", dns.TypeA))

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeServerFailure, w.msg.Rcode)
}
