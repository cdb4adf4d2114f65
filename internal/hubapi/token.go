package hubapi

import (
	"crypto/aes"
	"encoding/hex"
	"fmt"
	"strings"
)

// ComputeAccessToken 使用 connectorKey 对集线器下发的 16 字节 token 做 AES-128-ECB 加密，
// 返回大写十六进制字符串，作为 WriteDevice 请求中的 accessToken
func ComputeAccessToken(connectorKey, hubToken string) (string, error) {
	if len(hubToken) != aes.BlockSize {
		return "", fmt.Errorf("集线器 token 长度应为 %d 字节，实际为 %d", aes.BlockSize, len(hubToken))
	}
	block, err := aes.NewCipher([]byte(connectorKey))
	if err != nil {
		return "", fmt.Errorf("connectorKey 无效: %w", err)
	}
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, []byte(hubToken))
	return strings.ToUpper(hex.EncodeToString(out)), nil
}
