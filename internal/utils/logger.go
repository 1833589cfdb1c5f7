package utils

import (
	"log"
	"strings"
)

// 日志级别
const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// Logger 日志记录器
type Logger struct {
	level int
}

// NewLogger 创建新的日志记录器
func NewLogger(level string) *Logger {
	return &Logger{level: parseLevel(level)}
}

// parseLevel 解析日志级别字符串，未知级别回退到info
func parseLevel(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// Debug 调试日志
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.level <= levelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// Info 信息日志
func (l *Logger) Info(format string, v ...interface{}) {
	if l.level <= levelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}

// Warn 警告日志
func (l *Logger) Warn(format string, v ...interface{}) {
	if l.level <= levelWarn {
		log.Printf("[WARN] "+format, v...)
	}
}

// Error 错误日志
func (l *Logger) Error(format string, v ...interface{}) {
	log.Printf("[ERROR] "+format, v...)
}
