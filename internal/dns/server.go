package dns

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"flatDnsProxy/internal/config"
	"flatDnsProxy/internal/utils"
)

// ServerSet 一组UDP/TCP监听器
type ServerSet struct {
	servers []*dns.Server
	logger  *utils.Logger
}

// StartServers 按配置启动全部监听器
// 每个监听地址开UDP和TCP各一个；绑定失败通过errCh上报，启动阶段视为致命
func StartServers(cfg *config.Config, handler dns.Handler, logger *utils.Logger) (*ServerSet, <-chan error) {
	set := &ServerSet{logger: logger}
	errCh := make(chan error, len(cfg.ListenAddresses)*4)

	idle := cfg.TCPIdleTimeout.Std()

	for _, addr := range expandListenAddresses(cfg.ListenAddresses, logger) {
		bind := net.JoinHostPort(addr, strconv.Itoa(cfg.ListenPort))

		udp := &dns.Server{
			Addr:    bind,
			Net:     "udp",
			Handler: handler,
			UDPSize: 65535,
		}
		tcp := &dns.Server{
			Addr:        bind,
			Net:         "tcp",
			Handler:     handler,
			ReadTimeout: idle,
			IdleTimeout: func() time.Duration { return idle },
		}
		set.servers = append(set.servers, udp, tcp)

		for _, srv := range []*dns.Server{udp, tcp} {
			go func(srv *dns.Server) {
				logger.Info("DNS服务器启动: %s/%s", srv.Net, srv.Addr)
				if err := srv.ListenAndServe(); err != nil {
					errCh <- fmt.Errorf("%s server on %s failed: %w", srv.Net, srv.Addr, err)
				}
			}(srv)
		}
	}

	return set, errCh
}

// expandListenAddresses 处理双栈监听
// 监听"::"且内核bindv6only=1时，单个IPv6套接字收不到IPv4流量，需补一个IPv4监听
func expandListenAddresses(addrs []string, logger *utils.Logger) []string {
	var out []string
	seen := make(map[string]bool)

	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}

	for _, addr := range addrs {
		add(addr)
		if addr == "::" && bindV6Only() {
			logger.Info("内核 bindv6only=1，追加IPv4监听 0.0.0.0")
			add("0.0.0.0")
		}
	}
	return out
}

// bindV6Only 读取内核的bindv6only设置，读取失败按双栈处理
func bindV6Only() bool {
	data, err := os.ReadFile("/proc/sys/net/ipv6/bindv6only")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// Shutdown 优雅关闭：停止接收新请求，在期限内排空在途解析
func (s *ServerSet) Shutdown(ctx context.Context) {
	for _, srv := range s.servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			s.logger.Warn("关闭 %s/%s 失败: %v", srv.Net, srv.Addr, err)
		}
	}
}
