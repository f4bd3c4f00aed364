package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/survivor/internal/venue/signing"
	"github.com/betbot/survivor/pkg/config"
	"github.com/betbot/survivor/pkg/secretstore"
)

func main() {
	var (
		dbPath    = flag.String("db", getenv("SECRET_DB", "data/secrets.badger"), "加密密钥库路径")
		secretKey = flag.String("secret-key", getenv("SECRET_KEY", ""), "密钥库加密 key（32 字节 hex / base64）")
		path      = flag.String("path", config.DefaultDerivationPath, "BIP-44 派生路径")
		rawKey    = flag.Bool("private-key", false, "从 stdin 读取私钥而不是助记词")
		envFile   = flag.String("env", "", "同时导入该 .env 中的 CLOB_API_KEY / CLOB_API_SECRET / CLOB_API_PASSPHRASE")
	)
	flag.Parse()

	key, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if key == nil {
		fatal(errors.New("secret key is required: set SECRET_KEY or pass -secret-key"))
	}

	var sec secretstore.Secrets
	if *rawKey {
		fmt.Fprintln(os.Stderr, "请输入私钥（hex），输入完成后回车：")
		sec.PrivateKey = strings.TrimPrefix(readLine(), "0x")
	} else {
		fmt.Fprintln(os.Stderr, "请输入助记词（12/15/18/21/24 个单词），输入完成后回车：")
		sec.Mnemonic = readLine()
		if sec.Mnemonic == "" {
			fatal(errors.New("mnemonic is empty"))
		}
		sec.PrivateKey, err = config.DeriveKeyFromMnemonic(sec.Mnemonic, *path)
		if err != nil {
			fatal(err)
		}
	}
	pk, err := signing.PrivateKeyFromHex(sec.PrivateKey)
	if err != nil {
		fatal(fmt.Errorf("invalid private key: %w", err))
	}

	if *envFile != "" {
		kv, err := godotenv.Read(*envFile)
		if err != nil {
			fatal(err)
		}
		sec.APIKey = kv["CLOB_API_KEY"]
		sec.APISecret = kv["CLOB_API_SECRET"]
		sec.APIPassphrase = kv["CLOB_API_PASSPHRASE"]
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: key})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()
	n, err := ss.Save(sec)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已写入 %d 项到 %s\n", n, *dbPath)
	fmt.Println(signing.AddressOf(pk).Hex())
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func readLine() string {
	br := bufio.NewReader(os.Stdin)
	s, _ := br.ReadString('\n')
	return strings.TrimSpace(s)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
