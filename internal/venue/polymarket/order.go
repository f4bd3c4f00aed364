package polymarket

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/survivor/internal/venue"
	"github.com/betbot/survivor/internal/venue/signing"
)

var (
	tickSize     = decimal.RequireFromString("0.01")
	minTokenSize = decimal.RequireFromString("0.1")
)

type orderPayload struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderRequest struct {
	Order     orderPayload `json:"order"`
	Owner     string       `json:"owner"`
	OrderType string       `json:"orderType"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// amounts 计算买单的 maker/taker 数量（6 位小数整数）。
// 价格按 tick 取整；token 数量保留 2 位；USDC 保留 4 位。
func amounts(priceF, usdcF float64) (price decimal.Decimal, maker, taker *big.Int, err error) {
	price = decimal.NewFromFloat(priceF).Div(tickSize).Round(0).Mul(tickSize)
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return price, nil, nil, venue.NewError("submit_order", venue.KindInvalidOrder, errors.Errorf("价格越界: %v", priceF))
	}
	usdc := decimal.NewFromFloat(usdcF)
	tokens := usdc.Div(price).RoundDown(2)
	if tokens.LessThan(minTokenSize) {
		return price, nil, nil, venue.NewError("submit_order", venue.KindInvalidOrder, errors.Errorf("数量过小: %s tokens", tokens))
	}
	cost := tokens.Mul(price).RoundDown(4)
	return price, cost.Shift(6).BigInt(), tokens.Shift(6).BigInt(), nil
}

// SubmitOrder 构建、签名并提交 FOK 买单
func (c *Client) SubmitOrder(ctx context.Context, req venue.OrderRequest) (*venue.OrderAck, error) {
	const op = "submit_order"
	const path = "/order"
	if c.cfg.PrivateKey == nil {
		return nil, venue.NewError(op, venue.KindInvalidOrder, errors.New("未配置私钥"))
	}
	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok {
		return nil, venue.NewError(op, venue.KindInvalidOrder, errors.Errorf("非法 token id: %q", req.TokenID))
	}
	price, maker, taker, err := amounts(req.Price, req.Size)
	if err != nil {
		return nil, err
	}

	o := &signing.Order{
		Salt:          int64(uuid.New().ID()),
		Maker:         c.funder(),
		Signer:        c.address(),
		Taker:         signing.ZeroAddress,
		TokenID:       tokenID,
		MakerAmount:   maker,
		TakerAmount:   taker,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          signing.SideBuy,
		SignatureType: c.cfg.SignatureType,
	}
	sig, err := signing.SignOrder(c.cfg.PrivateKey, c.cfg.ChainID, req.NegRisk, o)
	if err != nil {
		return nil, venue.NewError(op, venue.KindInvalidOrder, err)
	}

	payload := orderRequest{
		Order: orderPayload{
			Salt:          o.Salt,
			Maker:         o.Maker,
			Signer:        o.Signer,
			Taker:         o.Taker,
			TokenID:       req.TokenID,
			MakerAmount:   maker.String(),
			TakerAmount:   taker.String(),
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    "0",
			Side:          "BUY",
			SignatureType: int(o.SignatureType),
			Signature:     sig,
		},
		Owner:     c.cfg.Creds.Key,
		OrderType: "FOK",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, venue.NewError(op, venue.KindInvalidOrder, errors.Wrap(err, "序列化订单"))
	}
	headers, err := c.l2Headers(http.MethodPost, path, string(body))
	if err != nil {
		return nil, err
	}

	var out orderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}
	if !out.Success && out.ErrorMsg != "" {
		return nil, venue.FromStatus(op, resp.StatusCode(), "", out.ErrorMsg)
	}
	log.Infof("📤 [Order] 已提交 market=%s side=%s price=%s size=%.2f orderID=%s status=%s",
		req.MarketID, req.Side, price.StringFixed(2), req.Size, out.OrderID, out.Status)
	return &venue.OrderAck{OrderID: out.OrderID, Status: out.Status}, nil
}
