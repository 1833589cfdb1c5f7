package utils

import (
	"fmt"
	"strings"
)

// DNS名称长度限制（展示形式，不含结尾的点）
const (
	MaxNameLength  = 253
	MaxLabelLength = 63
)

// CanonicalName 规范化域名：小写、保证以点结尾
// 缓存键和flattening的visited集合都以此为准
func CanonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "." {
		return "."
	}
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

// TrimName 去掉结尾的点，用于日志展示
func TrimName(name string) string {
	if name == "." {
		return name
	}
	return strings.TrimSuffix(name, ".")
}

// ValidateName 校验域名长度与标签长度
func ValidateName(name string) error {
	trimmed := strings.TrimSuffix(name, ".")
	if trimmed == "" {
		return nil // 根域名合法
	}
	if len(trimmed) > MaxNameLength {
		return fmt.Errorf("domain name too long: %d characters (maximum %d)", len(trimmed), MaxNameLength)
	}
	for _, label := range strings.Split(trimmed, ".") {
		if len(label) == 0 {
			return fmt.Errorf("empty label in domain name: %s", name)
		}
		if len(label) > MaxLabelLength {
			return fmt.Errorf("label too long: %q is %d characters (maximum %d)", label, len(label), MaxLabelLength)
		}
	}
	return nil
}

// SanitizeDomainName 清理域名中的转义残留
func SanitizeDomainName(name string) string {
	if idx := strings.Index(name, `\`); idx != -1 {
		return name[:idx]
	}
	return name
}
