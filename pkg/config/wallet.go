package config

import (
	"fmt"
	"strings"

	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/betbot/survivor/pkg/secretstore"
)

// DeriveKeyFromMnemonic 按 BIP-44 路径从助记词派生私钥（十六进制，无 0x 前缀）
func DeriveKeyFromMnemonic(mnemonic, derivationPath string) (string, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return "", fmt.Errorf("mnemonic is required")
	}
	derivationPath = strings.TrimSpace(derivationPath)
	if derivationPath == "" {
		derivationPath = DefaultDerivationPath
	}

	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return "", fmt.Errorf("invalid mnemonic: %w", err)
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return "", fmt.Errorf("invalid derivation_path: %w", err)
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return "", fmt.Errorf("derive failed: %w", err)
	}
	pk, err := w.PrivateKeyHex(acct)
	if err != nil {
		return "", fmt.Errorf("private key failed: %w", err)
	}
	return pk, nil
}

// applySecrets 从加密密钥库补齐未配置的钱包与 CLOB 凭证；文件 / 环境变量优先。
func (c *Config) applySecrets() error {
	if strings.TrimSpace(c.Secrets.Path) == "" {
		return nil
	}
	key, err := secretstore.ParseKey(c.Secrets.Key)
	if err != nil {
		return fmt.Errorf("SECRET_KEY 无效: %w", err)
	}
	if key == nil {
		return fmt.Errorf("配置了 SECRET_DB 但缺少 SECRET_KEY")
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: c.Secrets.Path, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return err
	}
	defer ss.Close()
	sec, err := ss.Load()
	if err != nil {
		return err
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.Venue.PrivateKey, sec.PrivateKey)
	fill(&c.Venue.Mnemonic, sec.Mnemonic)
	fill(&c.Venue.APIKey, sec.APIKey)
	fill(&c.Venue.APISecret, sec.APISecret)
	fill(&c.Venue.APIPassphrase, sec.APIPassphrase)
	return nil
}
