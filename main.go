package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flatDnsProxy/internal/config"
	proxydns "flatDnsProxy/internal/dns"
	"flatDnsProxy/internal/health"
	"flatDnsProxy/internal/metrics"
	"flatDnsProxy/internal/ratelimit"
	"flatDnsProxy/internal/utils"
)

func main() {
	cfg, err := config.LoadAndValidateConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.NewLogger(cfg.LogLevel)
	logger.Info("flatDnsProxy 启动中: %d 个上游, 策略 %s", len(cfg.Upstreams), cfg.Strategy)

	collector := metrics.NewCollector()
	collector.Register()
	if cfg.MetricsPort > 0 {
		go metrics.StartMetricsServer(cfg.MetricsPort)
	}

	servers := buildServers(cfg)
	monitor := health.NewMonitor(servers, health.CheckConfig{
		Enabled:           *cfg.HealthChecks.Enabled,
		Interval:          cfg.HealthChecks.Interval.Std(),
		Timeout:           cfg.HealthChecks.Timeout.Std(),
		FailureThreshold:  cfg.HealthChecks.FailureThreshold,
		RecoveryThreshold: cfg.HealthChecks.RecoveryThreshold,
		StartupGrace:      cfg.HealthChecks.StartupGrace.Std(),
	}, logger, collector)
	monitor.Start()

	strategy, err := health.ParseStrategy(cfg.Strategy)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	selector := health.NewSelector(strategy)

	cache := proxydns.NewCache(cfg.Cache, logger, collector)
	stopSweep := startCacheSweeper(cache, cfg.Cache.CleanupInterval.Std(), logger)

	client := proxydns.NewClient(monitor, collector, logger)
	resolver := proxydns.NewResolver(cfg, cache, monitor, selector, client, logger, collector)

	var limiter *ratelimit.Limiter
	if *cfg.RateLimit.Enabled {
		limiter, err = ratelimit.NewLimiter(cfg.RateLimit.PerIP, cfg.RateLimit.Burst)
		if err != nil {
			log.Fatalf("Failed to create rate limiter: %v", err)
		}
	}

	handler := proxydns.NewHandler(cfg, resolver, monitor, limiter, logger, collector)
	serverSet, errCh := proxydns.StartServers(cfg, handler, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("收到信号 %v，开始优雅关闭", sig)
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Std())
	defer cancel()
	serverSet.Shutdown(ctx)

	monitor.Stop()
	close(stopSweep)
	if limiter != nil {
		limiter.Close()
	}
	logger.Info("已退出")
}

// buildServers 配置条目转换为不可变的上游描述
func buildServers(cfg *config.Config) []*health.Server {
	servers := make([]*health.Server, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		servers = append(servers, &health.Server{
			Name:        u.Name,
			Address:     u.Address,
			Port:        u.Port,
			Weight:      u.Weight,
			Priority:    u.Priority,
			HealthCheck: *u.HealthCheck,
			Timeout:     u.Timeout.Std(),
			Description: u.Description,
		})
	}
	return servers
}

// startCacheSweeper 周期清扫过期缓存
func startCacheSweeper(cache *proxydns.Cache, interval time.Duration, logger *utils.Logger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cache.Sweep(time.Now())
				stats := cache.Stats()
				logger.Debug("缓存状态: 命中=%d, 未命中=%d, 驱逐=%d, 大小=%d/%d",
					stats.Hits, stats.Misses, stats.Evictions, stats.Size, stats.MaxSize)
			case <-stop:
				return
			}
		}
	}()
	return stop
}
