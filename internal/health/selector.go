package health

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Strategy 上游选择策略
type Strategy string

const (
	StrategyWeighted      Strategy = "weighted"
	StrategyLowestLatency Strategy = "lowest_latency"
	StrategyFailover      Strategy = "failover"
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyRandom        Strategy = "random"
	StrategyLeastQueries  Strategy = "least_queries"
)

// ParseStrategy 解析策略名称
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyWeighted, StrategyLowestLatency, StrategyFailover,
		StrategyRoundRobin, StrategyRandom, StrategyLeastQueries:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("unknown selection strategy: %s", name)
	}
}

// 延迟策略的探索阈值：样本不足时按零延迟参与竞争
const latencyExplorationSamples = 3

// Selector 在健康快照上应用选择策略
// 候选列表必须按配置顺序传入，平局时以此顺序决胜
type Selector struct {
	mu       sync.Mutex
	strategy Strategy
	rrIndex  int
	rng      *rand.Rand
}

// NewSelector 创建选择器
func NewSelector(strategy Strategy) *Selector {
	return &Selector{
		strategy: strategy,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Strategy 当前策略
func (s *Selector) Strategy() Strategy {
	return s.strategy
}

// Pick 从候选快照中选出一个上游，候选为空时返回nil
func (s *Selector) Pick(candidates []Status) *Server {
	if len(candidates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.strategy {
	case StrategyLowestLatency:
		return s.pickLowestLatency(candidates)
	case StrategyFailover:
		return s.pickFailover(candidates)
	case StrategyRoundRobin:
		return s.pickRoundRobin(candidates)
	case StrategyRandom:
		return candidates[s.rng.Intn(len(candidates))].Server
	case StrategyLeastQueries:
		return s.pickLeastQueries(candidates)
	default:
		return s.pickWeighted(candidates)
	}
}

// pickWeighted 按权重随机选择
func (s *Selector) pickWeighted(candidates []Status) *Server {
	total := 0
	for _, c := range candidates {
		total += c.Server.Weight
	}
	if total <= 0 {
		return candidates[s.rng.Intn(len(candidates))].Server
	}

	pick := s.rng.Intn(total)
	for _, c := range candidates {
		pick -= c.Server.Weight
		if pick < 0 {
			return c.Server
		}
	}
	return candidates[len(candidates)-1].Server
}

// pickLowestLatency 选平均延迟最小者，样本不足按零延迟鼓励探索
func (s *Selector) pickLowestLatency(candidates []Status) *Server {
	best := candidates[0]
	bestLatency := effectiveLatency(best)
	for _, c := range candidates[1:] {
		if l := effectiveLatency(c); l < bestLatency {
			best = c
			bestLatency = l
		}
	}
	return best.Server
}

func effectiveLatency(st Status) time.Duration {
	if st.Samples < latencyExplorationSamples {
		return 0
	}
	return st.MeanLatency
}

// pickFailover 严格按优先级号最小者选择
func (s *Selector) pickFailover(candidates []Status) *Server {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Server.Priority < best.Server.Priority {
			best = c
		}
	}
	return best.Server
}

// pickRoundRobin 按名称排序后轮转
func (s *Selector) pickRoundRobin(candidates []Status) *Server {
	sorted := make([]Status, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Server.Name < sorted[j].Server.Name
	})

	selected := sorted[s.rrIndex%len(sorted)]
	s.rrIndex++
	return selected.Server
}

// pickLeastQueries 选在途查询最少者，平局先比权重再按配置顺序
func (s *Selector) pickLeastQueries(candidates []Status) *Server {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.Inflight < best.Inflight:
			best = c
		case c.Inflight == best.Inflight && c.Server.Weight > best.Server.Weight:
			best = c
		}
	}
	return best.Server
}
