// Package secretstore 钱包密钥与 CLOB 凭证的加密存储（Badger 静态加密）。
package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// 固定键名
const (
	KeyPrivateKey    = "wallet/private_key"
	KeyMnemonic      = "wallet/mnemonic"
	KeyAPIKey        = "clob/api_key"
	KeyAPISecret     = "clob/api_secret"
	KeyAPIPassphrase = "clob/api_passphrase"
)

// ErrNotOpened 未打开或已关闭
var ErrNotOpened = errors.New("secretstore: not opened")

// Secrets 运行时需要的全部敏感字段，空字段表示未保存
type Secrets struct {
	PrivateKey    string
	Mnemonic      string
	APIKey        string
	APISecret     string
	APIPassphrase string
}

func (s *Secrets) fields() map[string]*string {
	return map[string]*string{
		KeyPrivateKey:    &s.PrivateKey,
		KeyMnemonic:      &s.Mnemonic,
		KeyAPIKey:        &s.APIKey,
		KeyAPISecret:     &s.APISecret,
		KeyAPIPassphrase: &s.APIPassphrase,
	}
}

// Store 加密 KV；加密由 Badger 的 value log + key registry 完成
type Store struct {
	db *badger.DB
}

// OpenOptions 打开参数
type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 字节；为空时不加密（仅测试用）
	ReadOnly      bool
}

// Open 打开（或创建）存储
func Open(opts OpenOptions) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// 加密模式必须开启 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("secretstore: open %s: %w", opts.Path, err)
	}
	return &Store{db: db}, nil
}

// Close 关闭
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Get 读取；不存在时 ok=false
func (s *Store) Get(key string) (value string, ok bool, err error) {
	if s == nil || s.db == nil {
		return "", false, ErrNotOpened
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return "", false, errors.New("secretstore: key is empty")
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(k))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	return value, ok, err
}

// Set 写入；空值等同删除
func (s *Store) Set(key, value string) error {
	if s == nil || s.db == nil {
		return ErrNotOpened
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return errors.New("secretstore: key is empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if value == "" {
			return txn.Delete([]byte(k))
		}
		return txn.Set([]byte(k), []byte(value))
	})
}

// Load 读取全部已知字段
func (s *Store) Load() (Secrets, error) {
	var out Secrets
	for key, dst := range out.fields() {
		v, _, err := s.Get(key)
		if err != nil {
			return Secrets{}, fmt.Errorf("secretstore: get %s: %w", key, err)
		}
		*dst = v
	}
	return out, nil
}

// Save 写入非空字段（空字段保持原值）
func (s *Store) Save(sec Secrets) (int, error) {
	written := 0
	for key, v := range sec.fields() {
		if *v == "" {
			continue
		}
		if err := s.Set(key, *v); err != nil {
			return written, fmt.Errorf("secretstore: set %s: %w", key, err)
		}
		written++
	}
	return written, nil
}

// ParseKey 接受 32 字节的 hex（可带 0x）或 base64；空字符串返回 nil。
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
