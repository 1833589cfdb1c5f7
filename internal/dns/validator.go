package dns

import (
	"fmt"

	"github.com/miekg/dns"

	"flatDnsProxy/internal/utils"
)

// 请求校验限制
const (
	maxQuestions = 10
)

// validateRequest 校验已解码的请求，防止畸形或超限查询继续消耗资源
func validateRequest(req *dns.Msg) error {
	if len(req.Question) == 0 {
		return fmt.Errorf("request has no question")
	}
	if len(req.Question) > maxQuestions {
		return fmt.Errorf("too many questions: %d (maximum %d)", len(req.Question), maxQuestions)
	}

	q := req.Question[0]
	if _, ok := dns.IsDomainName(q.Name); !ok {
		return fmt.Errorf("invalid domain name: %s", q.Name)
	}
	if err := utils.ValidateName(q.Name); err != nil {
		return err
	}
	return nil
}
