package dns

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"flatDnsProxy/internal/health"
)

// StatsQueryName 保留查询名，TXT查询返回各上游的健康摘要
const StatsQueryName = "_dns-proxy-stats.local."

// isStatsQuery 是否为统计查询
func isStatsQuery(q dns.Question) bool {
	return q.Qtype == dns.TypeTXT &&
		q.Qclass == dns.ClassINET &&
		strings.EqualFold(q.Name, StatsQueryName)
}

// buildStatsResponse 生成统计响应，每个上游一条TXT记录，TTL为0
// 只读快照，不改变任何组件状态
func buildStatsResponse(req *dns.Msg, statuses []health.Status) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true

	for _, st := range statuses {
		txt := fmt.Sprintf("%s: state=%s success_rate=%.1f%% avg_time=%.1fms samples=%d inflight=%d",
			st.Server.Name,
			st.State,
			st.SuccessRate*100,
			float64(st.MeanLatency.Microseconds())/1000,
			st.Samples,
			st.Inflight,
		)
		resp.Answer = append(resp.Answer, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   req.Question[0].Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    0,
			},
			Txt: []string{txt},
		})
	}
	return resp
}
