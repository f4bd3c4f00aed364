package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSignOrderRecoversSigner(t *testing.T) {
	key, err := PrivateKeyFromHex("0x" + testKey)
	require.NoError(t, err)
	addr := AddressOf(key)

	o := &Order{
		Salt:        12345,
		Maker:       addr.Hex(),
		Signer:      addr.Hex(),
		Taker:       ZeroAddress,
		TokenID:     big.NewInt(987654321),
		MakerAmount: big.NewInt(5_000_000),
		TakerAmount: big.NewInt(9_090_000),
		Side:        SideBuy,
	}
	sigHex, err := SignOrder(key, 137, false, o)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sigHex, "0x"))

	sig := common.FromHex(sigHex)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	hash, err := OrderHash(137, false, o)
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(*pub))

	// neg_risk 使用不同的验证合约，哈希不同
	negHash, err := OrderHash(137, true, o)
	require.NoError(t, err)
	assert.NotEqual(t, hash, negHash)
}

func TestOrderHashRejectsIncompleteOrder(t *testing.T) {
	_, err := OrderHash(137, false, &Order{})
	assert.Error(t, err)
}

func TestBuildHMAC(t *testing.T) {
	raw := []byte("super-secret-key-bytes")
	secret := base64.URLEncoding.EncodeToString(raw)

	got, err := BuildHMAC(secret, 1700000000, "POST", "/order", `{"a":1}`)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(`1700000000POST/order{"a":1}`))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, got)

	h, err := L2Headers("0xabc", Creds{Key: "k", Secret: secret, Passphrase: "p"}, 1700000000, "POST", "/order", `{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, want, h["POLY_SIGNATURE"])
	assert.Equal(t, "1700000000", h["POLY_TIMESTAMP"])
}
