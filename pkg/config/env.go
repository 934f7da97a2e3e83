// Package config 环境变量读取，解析失败回退默认值
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// MinSecretLength 非开发环境密钥最小长度
const MinSecretLength = 32

// IsInsecureDevSecret 是否为 .env.example 中的占位密钥
func IsInsecureDevSecret(value string) bool {
	switch strings.TrimSpace(value) {
	case "dev-internal-token-change-me", "dev-metrics-token-change-me", "change-me":
		return true
	}
	return false
}

// LoadDotEnv 加载 .env，不覆盖已有环境变量；文件缺失忽略
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			_ = godotenv.Load(p)
		}
	}
}

func parse[T any](key string, def T, conv func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return def
	}
	v, err := conv(raw)
	if err != nil {
		return def
	}
	return v
}

func GetEnv(key, def string) string {
	return parse(key, def, func(s string) (string, error) { return s, nil })
}

func GetEnvInt(key string, def int) int {
	return parse(key, def, strconv.Atoi)
}

func GetEnvInt64(key string, def int64) int64 {
	return parse(key, def, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func GetEnvBool(key string, def bool) bool {
	return parse(key, def, strconv.ParseBool)
}

func GetEnvFloat64(key string, def float64) float64 {
	return parse(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// GetEnvDecimal 费率、价格类参数
func GetEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	return parse(key, def, decimal.NewFromString)
}

// GetEnvDuration 形如 5s、1m30s
func GetEnvDuration(key string, def time.Duration) time.Duration {
	return parse(key, def, time.ParseDuration)
}

// GetEnvSlice 逗号分隔，忽略空项；全空时返回默认值
func GetEnvSlice(key string, def []string) []string {
	return parse(key, def, func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if len(out) == 0 {
			return nil, strconv.ErrSyntax
		}
		return out, nil
	})
}
