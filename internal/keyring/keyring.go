// Package keyring 封装操作系统凭据存储:
//   - macOS: Keychain
//   - Linux: Secret Service (GNOME Keyring / KWallet)
//   - Windows: Credential Manager
//
// 所有密钥按 (service, user) 二元组寻址。
package keyring

import (
	"errors"
	"fmt"

	zkeyring "github.com/zalando/go-keyring"
)

// ErrNotFound 表示凭据不存在。
var ErrNotFound = zkeyring.ErrNotFound

// SetPassword 将密钥写入系统凭据存储。
func SetPassword(service, user, secret string) error {
	if err := zkeyring.Set(service, user, secret); err != nil {
		return fmt.Errorf("keyring set %s/%s: %w", service, user, err)
	}
	return nil
}

// GetPassword 从系统凭据存储读取密钥。
func GetPassword(service, user string) (string, error) {
	secret, err := zkeyring.Get(service, user)
	if err != nil {
		return "", fmt.Errorf("keyring get %s/%s: %w", service, user, err)
	}
	return secret, nil
}

// DeletePassword 从系统凭据存储删除密钥。
func DeletePassword(service, user string) error {
	if err := zkeyring.Delete(service, user); err != nil {
		return fmt.Errorf("keyring delete %s/%s: %w", service, user, err)
	}
	return nil
}

// IsNotFound 判断错误是否为"凭据不存在"。
func IsNotFound(err error) bool {
	return errors.Is(err, zkeyring.ErrNotFound)
}

// MockInit 切换到进程内内存实现，供测试使用。
func MockInit() {
	zkeyring.MockInit()
}
