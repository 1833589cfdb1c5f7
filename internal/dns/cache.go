package dns

import (
	"container/list"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/miekg/dns"

	"flatDnsProxy/internal/config"
	"flatDnsProxy/internal/metrics"
	"flatDnsProxy/internal/utils"
)

// get调用触发清扫的概率，用于在访问不均匀时摊平清扫成本
const sweepProbability = 0.01

// Key 缓存键：规范化域名 + 查询类型 + 查询类别
type Key string

// CacheKey 生成缓存键
func CacheKey(name string, qtype, qclass uint16) Key {
	return Key(fmt.Sprintf("%s:%d:%d", utils.CanonicalName(name), qtype, qclass))
}

// Entry 一条缓存记录，正向或负向
type Entry struct {
	Key        Key
	Answer     []dns.RR
	Ns         []dns.RR
	Rcode      int
	Negative   bool
	InsertedAt time.Time
	ExpiresAt  time.Time

	elem *list.Element
}

// Expired 是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Remaining 剩余TTL秒数，客户端看到的是倒计时后的值
// 向上取整，刚写入的条目返回完整TTL
func (e *Entry) Remaining(now time.Time) uint32 {
	if e.Expired(now) {
		return 0
	}
	return uint32((e.ExpiresAt.Sub(now) + time.Second - 1) / time.Second)
}

// CacheStats 缓存统计
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`
}

// Cache TTL约束的LRU缓存
// 过期在命中时惰性处理，整体清扫由Sweep按周期执行；
// get只以小概率触发清扫，且同样受cleanup_interval约束，不会每次全量扫描
type Cache struct {
	mu      sync.Mutex
	logger  *utils.Logger
	metrics *metrics.Collector

	maxSize         int
	defaultTTL      time.Duration
	minTTL          time.Duration
	maxTTL          time.Duration
	negativeTTL     time.Duration
	cleanupInterval time.Duration

	entries map[Key]*list.Element
	lru     *list.List // 队首最旧，命中移到队尾

	stats     CacheStats
	lastSweep time.Time
	rng       *rand.Rand
}

// NewCache 创建缓存
func NewCache(cfg config.CacheConfig, logger *utils.Logger, collector *metrics.Collector) *Cache {
	return &Cache{
		logger:          logger,
		metrics:         collector,
		maxSize:         cfg.MaxSize,
		defaultTTL:      cfg.DefaultTTL.Std(),
		minTTL:          cfg.MinTTL.Std(),
		maxTTL:          cfg.MaxTTL.Std(),
		negativeTTL:     cfg.NegativeTTL.Std(),
		cleanupInterval: cfg.CleanupInterval.Std(),
		entries:         make(map[Key]*list.Element),
		lru:             list.New(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		lastSweep:       time.Now(),
	}
}

// NegativeTTL 负缓存TTL上限
func (c *Cache) NegativeTTL() time.Duration {
	return c.negativeTTL
}

// Get 查找缓存，过期条目按未命中处理并顺手删除
func (c *Cache) Get(key Key, now time.Time) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 小概率触发一次周期清扫，内部仍受cleanup_interval约束
	if c.rng.Float64() < sweepProbability {
		c.sweepLocked(now)
	}

	elem, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	e := elem.Value.(*Entry)
	if e.Expired(now) {
		c.removeLocked(e)
		c.stats.Misses++
		return nil, false
	}

	c.lru.MoveToBack(elem)
	c.stats.Hits++
	return e, true
}

// Put 写入缓存并返回生效的条目
// 正向条目TTL被夹到[min_ttl, max_ttl]，负向条目只受negative_ttl上限约束；
// 夹取后TTL不为正的条目不落缓存，但仍返回用于本次响应
func (c *Cache) Put(key Key, answer, ns []dns.RR, rcode int, negative bool, ttl time.Duration, now time.Time) *Entry {
	ttl = c.clampTTL(ttl, negative)

	e := &Entry{
		Key:        key,
		Answer:     answer,
		Ns:         ns,
		Rcode:      rcode,
		Negative:   negative,
		InsertedAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	if ttl <= 0 {
		e.ExpiresAt = now
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		// 单键原子替换：读方看到旧条目或新条目，不会看到中间态
		c.lru.Remove(old)
		delete(c.entries, key)
	}

	for len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	e.elem = c.lru.PushBack(e)
	c.entries[key] = e.elem
	c.stats.Size = len(c.entries)
	return e
}

// clampTTL 应用TTL边界
// 负值表示调用方没有拿到TTL，回退到default_ttl；
// 显式的0是合法TTL，不会被替换成默认值；
// 正向条目做min/max夹取，负向条目只压到negative_ttl以下，不做min/max夹取
func (c *Cache) clampTTL(ttl time.Duration, negative bool) time.Duration {
	if ttl < 0 {
		ttl = c.defaultTTL
	}
	if negative {
		if ttl > c.negativeTTL {
			ttl = c.negativeTTL
		}
		return ttl
	}
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	return ttl
}

// Invalidate 删除指定键
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem.Value.(*Entry))
	}
}

// Sweep 周期清扫，返回清除的条目数
// 距上次清扫不足cleanup_interval时直接返回
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

// sweepLocked 执行清扫，调用方必须持锁
func (c *Cache) sweepLocked(now time.Time) int {
	if now.Sub(c.lastSweep) < c.cleanupInterval {
		return 0
	}
	c.lastSweep = now

	removed := 0
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*Entry)
		if e.Expired(now) {
			c.removeLocked(e)
			removed++
		}
		elem = next
	}
	if removed > 0 && c.logger != nil {
		c.logger.Debug("缓存清扫完成: 清除 %d 条过期记录", removed)
	}
	return removed
}

// evictOldestLocked 驱逐最久未使用的条目
func (c *Cache) evictOldestLocked() {
	front := c.lru.Front()
	if front == nil {
		return
	}
	c.removeLocked(front.Value.(*Entry))
}

// removeLocked 从所有结构中移除条目
func (c *Cache) removeLocked(e *Entry) {
	delete(c.entries, e.Key)
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	c.stats.Evictions++
	c.stats.Size = len(c.entries)
	if c.metrics != nil {
		c.metrics.GetCacheEvictions().Inc()
	}
}

// Stats 获取缓存统计
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = len(c.entries)
	stats.MaxSize = c.maxSize
	return stats
}

// Len 当前条目数
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
