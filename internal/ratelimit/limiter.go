package ratelimit

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"
)

// 空闲令牌桶的保留时间，过期由ristretto回收
const bucketIdleTTL = 5 * time.Minute

// Limiter 按客户端地址限速
// 每个客户端一个令牌桶，桶存放在带TTL的缓存里，空闲客户端自动释放
type Limiter struct {
	buckets *ristretto.Cache
	perIP   rate.Limit
	burst   int
}

// NewLimiter 创建限速器，perIP为每秒补充的令牌数
func NewLimiter(perIP float64, burst int) (*Limiter, error) {
	buckets, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     65536,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Limiter{
		buckets: buckets,
		perIP:   rate.Limit(perIP),
		burst:   burst,
	}, nil
}

// Allow 判断来自addr的一次查询是否放行
// 并发未命中时可能短暂创建多个桶，ristretto本身是最终一致的，
// 多放行的几个请求在限速语义上可以接受
func (l *Limiter) Allow(addr string) bool {
	if v, ok := l.buckets.Get(addr); ok {
		if bucket, ok := v.(*rate.Limiter); ok {
			return bucket.Allow()
		}
	}

	bucket := rate.NewLimiter(l.perIP, l.burst)
	l.buckets.SetWithTTL(addr, bucket, 1, bucketIdleTTL)
	return bucket.Allow()
}

// Close 释放底层缓存
func (l *Limiter) Close() {
	l.buckets.Close()
}
