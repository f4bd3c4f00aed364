package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Creds CLOB L2 API 凭证
type Creds struct {
	Key        string `yaml:"key" json:"key"`
	Secret     string `yaml:"secret" json:"secret"`
	Passphrase string `yaml:"passphrase" json:"passphrase"`
}

// Valid 凭证是否完整
func (c Creds) Valid() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// BuildHMAC 构建 L2 HMAC 签名：base64url(HMAC-SHA256(secret, ts+method+path+body))
func BuildHMAC(secret string, timestamp int64, method, requestPath, body string) (string, error) {
	message := strconv.FormatInt(timestamp, 10) + method + requestPath + body

	// secret 可能是 base64url，统一转成标准 base64 再解码
	sanitized := strings.NewReplacer("-", "+", "_", "/").Replace(secret)
	sanitized = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9') || r == '+' || r == '/' || r == '=' {
			return r
		}
		return -1
	}, sanitized)
	key, err := base64.StdEncoding.DecodeString(sanitized)
	if err != nil {
		return "", fmt.Errorf("解码 secret 失败: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return strings.NewReplacer("+", "-", "/", "_").Replace(sig), nil
}

// L2Headers 生成 L2 认证头
func L2Headers(address string, creds Creds, timestamp int64, method, requestPath, body string) (map[string]string, error) {
	sig, err := BuildHMAC(creds.Secret, timestamp, method, requestPath, body)
	if err != nil {
		return nil, fmt.Errorf("构建 HMAC 签名失败: %w", err)
	}
	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  strconv.FormatInt(timestamp, 10),
		"POLY_API_KEY":    creds.Key,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}
