package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"

	"pipify-worker/internal/config"
)

// DecryptionError 表示密文无法还原，原因会写入信号的 error_message。
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("crypto: 解密失败: %s", e.Reason)
}

// Cipher 负责还原 Web 端加密的账户密码。
// 双方约定：密钥为 base64url 编码、解码后至少 32 字节的值，AES 密钥取
// 其中第 [16,32) 字节；密文为 base64(16 字节 IV ‖ AES-CBC 密文)，PKCS#7 补位。
// 该约定是跨系统契约，任何一侧都不得单独修改。
type Cipher struct {
	key []byte
}

// NewCipher 从配置密钥推导 AES 密钥。
func NewCipher(cfg config.EncryptionConfig) (*Cipher, error) {
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).
		DecodeString(strings.TrimRight(cfg.Key, "="))
	if err != nil {
		return nil, fmt.Errorf("crypto: 密钥不是合法的 base64url 字符串: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("crypto: 密钥解码后至少 32 字节，当前 %d 字节", len(decoded))
	}
	return &Cipher{key: decoded[16:32]}, nil
}

// Decrypt 还原加密后的账户密码。
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", &DecryptionError{Reason: fmt.Sprintf("密文不是合法的 base64 字符串: %v", err)}
	}
	if len(combined) < aes.BlockSize {
		return "", &DecryptionError{Reason: "密文长度不足一个 IV"}
	}

	iv := combined[:aes.BlockSize]
	ciphertext := combined[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", &DecryptionError{Reason: "密文长度不是块大小的整数倍"}
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", &DecryptionError{Reason: fmt.Sprintf("密钥长度非法: %v", err)}
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := stripPKCS7(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &DecryptionError{Reason: "解密结果为空"}
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, &DecryptionError{Reason: "PKCS#7 补位非法"}
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, &DecryptionError{Reason: "PKCS#7 补位非法"}
		}
	}
	return data[:len(data)-pad], nil
}
