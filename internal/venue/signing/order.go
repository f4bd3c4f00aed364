package signing

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// CTFExchange 普通市场
	CTFExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	// NegRiskCTFExchange neg_risk 市场
	NegRiskCTFExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

	ZeroAddress = "0x0000000000000000000000000000000000000000"

	SideBuy  uint8 = 0
	SideSell uint8 = 1
)

// Order 待签名订单（金额均为 6 位小数的整数）
type Order struct {
	Salt          int64
	Maker         string
	Signer        string
	Taker         string
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	},
}

// ExchangeFor 根据市场类型选择验证合约
func ExchangeFor(negRisk bool) string {
	if negRisk {
		return NegRiskCTFExchange
	}
	return CTFExchange
}

// OrderHash 计算订单的 EIP712 哈希
func OrderHash(chainID int64, negRisk bool, o *Order) ([]byte, error) {
	if o == nil || o.TokenID == nil || o.MakerAmount == nil || o.TakerAmount == nil {
		return nil, fmt.Errorf("订单字段不完整")
	}
	zero := big.NewInt(0)
	orZero := func(v *big.Int) *big.Int {
		if v == nil {
			return zero
		}
		return v
	}
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: ExchangeFor(negRisk),
		},
		Message: map[string]interface{}{
			"salt":          big.NewInt(o.Salt),
			"maker":         common.HexToAddress(o.Maker).Hex(),
			"signer":        common.HexToAddress(o.Signer).Hex(),
			"taker":         common.HexToAddress(o.Taker).Hex(),
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    orZero(o.Expiration),
			"nonce":         orZero(o.Nonce),
			"feeRateBps":    orZero(o.FeeRateBps),
			"side":          big.NewInt(int64(o.Side)),
			"signatureType": big.NewInt(int64(o.SignatureType)),
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("计算 EIP712 哈希失败: %w", err)
	}
	return hash, nil
}

// SignOrder 对订单做 EIP712 签名，返回 0x 前缀的 65 字节签名（v 为 27/28）
func SignOrder(privateKey *ecdsa.PrivateKey, chainID int64, negRisk bool, o *Order) (string, error) {
	hash, err := OrderHash(chainID, negRisk, o)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	sig[64] += 27
	return "0x" + common.Bytes2Hex(sig), nil
}
