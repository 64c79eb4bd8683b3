// Package store 提供本地加密配置存储。
//
// 数据以 AES-256-GCM 加密后写入用户配置目录下的单个文件，
// 加密密钥（hex 编码）保存在操作系统凭据存储中，首次使用时自动生成。
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BaSui01/firebox/internal/keyring"
	"go.uber.org/zap"
)

const (
	keyringService = "fire-box"
	keyringUser    = "encryption-key"
	storeFile      = "fire-box-store.enc"
)

// Data 是加密文件中保存的完整配置。
type Data struct {
	// ProviderIndex 是 Provider 配置档案 ID 的有序列表
	ProviderIndex []string `json:"provider_index"`
	// Providers 保存各配置档案的 JSON 序列化内容
	Providers map[string]string `json:"providers"`
	// DisplayNames 保存用户自定义的显示名
	DisplayNames map[string]string `json:"display_names"`
	// RouteRules 保存路由规则（别名 -> 规则 JSON）
	RouteRules map[string]string `json:"route_rules,omitempty"`
	// EnabledModels 保存每个 Provider 启用的模型列表；
	// 缺失的键表示该 Provider 的全部模型均启用
	EnabledModels map[string][]string `json:"enabled_models,omitempty"`
}

// NewData 返回各 map 已初始化的空配置。
func NewData() *Data {
	return &Data{
		Providers:     make(map[string]string),
		DisplayNames:  make(map[string]string),
		RouteRules:    make(map[string]string),
		EnabledModels: make(map[string][]string),
	}
}

func (d *Data) ensureMaps() {
	if d.Providers == nil {
		d.Providers = make(map[string]string)
	}
	if d.DisplayNames == nil {
		d.DisplayNames = make(map[string]string)
	}
	if d.RouteRules == nil {
		d.RouteRules = make(map[string]string)
	}
	if d.EnabledModels == nil {
		d.EnabledModels = make(map[string][]string)
	}
}

// Store 管理单个加密存储文件。
// 所有修改通过 Update 串行化，进程内并发安全。
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// New 创建指向 <用户配置目录>/fire-box 的存储。
func New(logger *zap.Logger) (*Store, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	return NewAt(filepath.Join(configDir, "fire-box"), logger), nil
}

// NewAt 创建指向指定目录的存储（测试用）。
func NewAt(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		logger: logger.With(zap.String("component", "store")),
	}
}

// Path 返回加密文件的路径。
func (s *Store) Path() string {
	return filepath.Join(s.dir, storeFile)
}

// getOrCreateKey 从凭据存储取出 32 字节密钥，不存在则生成并写入。
func getOrCreateKey() ([]byte, error) {
	keyHex, err := keyring.GetPassword(keyringService, keyringUser)
	if err == nil {
		key, decErr := hex.DecodeString(keyHex)
		if decErr != nil || len(key) != 32 {
			return nil, fmt.Errorf("stored encryption key is corrupt")
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if err := keyring.SetPassword(keyringService, keyringUser, hex.EncodeToString(key)); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM() (cipher.AEAD, error) {
	key, err := getOrCreateKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *Store) encryptAndSave(plaintext []byte) error {
	gcm, err := newGCM()
	if err != nil {
		return err
	}

	// 固定全零 nonce；文件每次整体替换，同一密钥只存在一个密文版本
	nonce := make([]byte, gcm.NonceSize())
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	// 先写临时文件再重命名，避免半写状态
	tmp, err := os.CreateTemp(s.dir, storeFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close store file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func (s *Store) loadAndDecrypt() ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	ciphertext, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt store: %w", err)
	}
	return plaintext, nil
}

// Load 读取并解密存储。文件缺失或解密失败时返回空配置。
func (s *Store) Load() (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Data, error) {
	plaintext, err := s.loadAndDecrypt()
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("store unreadable, starting empty", zap.Error(err))
		}
		return NewData(), nil
	}
	var data Data
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("failed to decode store: %w", err)
	}
	data.ensureMaps()
	return &data, nil
}

// Update 原子地修改存储: 读取 -> 变更 -> 加密 -> 整体替换。
func (s *Store) Update(fn func(*Data)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	fn(data)

	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	return s.encryptAndSave(plaintext)
}
