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

	"flatDnsProxy/internal/health"
	"flatDnsProxy/internal/utils"
)

// startBackend 在同一端口上起一对UDP/TCP测试上游
func startBackend(t *testing.T, handler dns.Handler) (addr string, cleanup func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)

	udpSrv := &dns.Server{PacketConn: pc, Handler: handler}
	tcpSrv := &dns.Server{Listener: l, Handler: handler}
	go func() { _ = udpSrv.ActivateAndServe() }()
	go func() { _ = tcpSrv.ActivateAndServe() }()

	return fmt.Sprintf("127.0.0.1:%d", port), func() {
		_ = udpSrv.Shutdown()
		_ = tcpSrv.Shutdown()
	}
}

func backendServer(t *testing.T, addr string) *health.Server {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)

	return &health.Server{
		Name:        "backend",
		Address:     host,
		Port:        port,
		Weight:      100,
		Priority:    1,
		HealthCheck: true,
		Timeout:     2 * time.Second,
	}
}

func newClientForTest(servers []*health.Server) (*Client, *health.Monitor) {
	logger := utils.NewLogger("error")
	monitor := health.NewMonitor(servers, health.CheckConfig{
		FailureThreshold:  1,
		RecoveryThreshold: 1,
	}, logger, nil)
	return NewClient(monitor, nil, logger), monitor
}

func TestClientRetriesOverTCPOnTruncation(t *testing.T) {
	// UDP侧只回TC位，完整答案只在TCP侧给出
	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		if w.RemoteAddr().Network() == "udp" {
			resp.Truncated = true
		} else {
			resp.Answer = []dns.RR{testARR(req.Question[0].Name, 60, "10.9.9.9")}
		}
		_ = w.WriteMsg(resp)
	})

	addr, cleanup := startBackend(t, handler)
	defer cleanup()

	srv := backendServer(t, addr)
	client, monitor := newClientForTest([]*health.Server{srv})

	req := new(dns.Msg)
	req.SetQuestion("tc.test.", dns.TypeA)

	resp, err := client.Exchange(context.Background(), srv, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1, "截断后应通过TCP拿到完整答案")
	assert.False(t, resp.Truncated)

	// 成功结果计入健康状态
	assert.Equal(t, health.StateHealthy, monitor.StateOf("backend"))
}

func TestClientRecordsTimeout(t *testing.T) {
	// 只监听不应答，客户端按超时处理
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	port := pc.LocalAddr().(*net.UDPAddr).Port
	srv := &health.Server{
		Name:    "silent",
		Address: "127.0.0.1",
		Port:    port,
		Timeout: 200 * time.Millisecond,
	}
	client, monitor := newClientForTest([]*health.Server{srv})

	req := new(dns.Msg)
	req.SetQuestion("timeout.test.", dns.TypeA)

	_, err = client.Exchange(context.Background(), srv, req)
	assert.Error(t, err)

	// failure_threshold为1，单次超时即降级
	assert.Equal(t, health.StateUnhealthy, monitor.StateOf("silent"))
}

func TestClientTracksInflight(t *testing.T) {
	release := make(chan struct{})
	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		<-release
		resp := new(dns.Msg)
		resp.SetReply(req)
		_ = w.WriteMsg(resp)
	})

	addr, cleanup := startBackend(t, handler)
	defer cleanup()

	srv := backendServer(t, addr)
	client, monitor := newClientForTest([]*health.Server{srv})

	req := new(dns.Msg)
	req.SetQuestion("inflight.test.", dns.TypeA)

	done := make(chan struct{})
	go func() {
		_, _ = client.Exchange(context.Background(), srv, req)
		close(done)
	}()

	// 查询挂起期间在途计数为1
	deadline := time.Now().Add(2 * time.Second)
	for monitor.Inflight("backend") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(1), monitor.Inflight("backend"))

	close(release)
	<-done
	assert.Equal(t, int64(0), monitor.Inflight("backend"))
}

func TestClassifyOutcome(t *testing.T) {
	mkResp := func(rcode int) *dns.Msg {
		m := new(dns.Msg)
		m.Rcode = rcode
		return m
	}

	tests := []struct {
		name     string
		resp     *dns.Msg
		err      error
		expected health.Outcome
	}{
		{"超时错误", nil, context.DeadlineExceeded, health.OutcomeTimeout},
		{"普通网络错误", nil, fmt.Errorf("connection refused"), health.OutcomeError},
		{"空响应", nil, nil, health.OutcomeError},
		{"NoError视为成功", mkResp(dns.RcodeSuccess), nil, health.OutcomeSuccess},
		{"NXDomain也是成功", mkResp(dns.RcodeNameError), nil, health.OutcomeSuccess},
		{"REFUSED", mkResp(dns.RcodeRefused), nil, health.OutcomeRefused},
		{"SERVFAIL", mkResp(dns.RcodeServerFailure), nil, health.OutcomeServfail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifyOutcome(tt.resp, tt.err))
		})
	}
}
