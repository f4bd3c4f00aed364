// Package polymarket 是 Polymarket CLOB / Gamma 的 Venue 实现。
package polymarket

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/venue"
	"github.com/betbot/survivor/internal/venue/signing"
)

var log = logrus.WithField("module", "venue.polymarket")

const (
	DefaultClobURL  = "https://clob.polymarket.com"
	DefaultGammaURL = "https://gamma-api.polymarket.com"
	PolygonChainID  = 137
)

// Config 客户端配置
type Config struct {
	ClobURL       string
	GammaURL      string
	ChainID       int64
	PrivateKey    *ecdsa.PrivateKey // 只读模式可为空（paper）
	Funder        string            // 代理钱包地址；为空时等于签名地址
	SignatureType uint8
	Creds         signing.Creds
	Timeout       time.Duration
}

// Client Polymarket venue
type Client struct {
	cfg   Config
	clob  *resty.Client
	gamma *resty.Client
	now   func() time.Time
}

var _ venue.Venue = (*Client)(nil)

// NewClient 创建客户端。重试不在传输层做：由上层重试提交器统一分类处理。
func NewClient(cfg Config) *Client {
	if cfg.ClobURL == "" {
		cfg.ClobURL = DefaultClobURL
	}
	if cfg.GammaURL == "" {
		cfg.GammaURL = DefaultGammaURL
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = PolygonChainID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:   cfg,
		clob:  newResty(cfg.ClobURL, cfg.Timeout),
		gamma: newResty(cfg.GammaURL, cfg.Timeout),
		now:   time.Now,
	}
}

func newResty(host string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimSuffix(host, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "survivor/1.0")
}

func (c *Client) address() string {
	if c.cfg.PrivateKey == nil {
		return ""
	}
	return signing.AddressOf(c.cfg.PrivateKey).Hex()
}

func (c *Client) funder() string {
	if c.cfg.Funder != "" {
		return c.cfg.Funder
	}
	return c.address()
}

func (c *Client) l2Headers(method, path, body string) (map[string]string, error) {
	if c.cfg.PrivateKey == nil || !c.cfg.Creds.Valid() {
		return nil, venue.NewError("auth", venue.KindInvalidOrder, errors.New("缺少私钥或 API 凭证"))
	}
	return signing.L2Headers(c.address(), c.cfg.Creds, c.now().Unix(), method, path, body)
}

// apiError CLOB 错误体
type apiError struct {
	Error    string `json:"error"`
	ErrorMsg string `json:"errorMsg"`
	Code     string `json:"code"`
}

// classify 把传输错误 / 非 2xx 响应转成 *venue.Error
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return venue.NewError(op, venue.KindTransient, errors.Wrap(err, op))
	}
	if resp.IsSuccess() {
		return nil
	}
	var body apiError
	_ = json.Unmarshal(resp.Body(), &body)
	msg := body.Error
	if msg == "" {
		msg = body.ErrorMsg
	}
	if msg == "" {
		msg = strings.TrimSpace(string(resp.Body()))
	}
	return venue.FromStatus(op, resp.StatusCode(), body.Code, msg)
}

// GetBalance 查询 USDC 余额（6 位小数整数字符串）
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	const op = "get_balance"
	const path = "/balance-allowance"
	headers, err := c.l2Headers(http.MethodGet, path, "")
	if err != nil {
		return 0, err
	}
	var out struct {
		Balance string `json:"balance"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": strconv.Itoa(int(c.cfg.SignatureType)),
		}).
		SetResult(&out).
		Get(path)
	if err := classify(op, resp, err); err != nil {
		return 0, err
	}
	bal, err := decimal.NewFromString(out.Balance)
	if err != nil {
		return 0, venue.NewError(op, venue.KindTransient, errors.Wrapf(err, "解析余额 %q", out.Balance))
	}
	v, _ := bal.Shift(-6).Float64()
	return v, nil
}

// GetPrice 查询 token 买入价
func (c *Client) GetPrice(ctx context.Context, tokenID string) (float64, error) {
	const op = "get_price"
	var out struct {
		Price string `json:"price"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"token_id": tokenID, "side": "BUY"}).
		SetResult(&out).
		Get("/price")
	if err := classify(op, resp, err); err != nil {
		return 0, err
	}
	p, err := decimal.NewFromString(out.Price)
	if err != nil {
		return 0, venue.NewError(op, venue.KindTransient, errors.Wrapf(err, "解析价格 %q", out.Price))
	}
	v, _ := p.Float64()
	return v, nil
}

type clobMarket struct {
	ConditionID string `json:"condition_id"`
	Closed      bool   `json:"closed"`
	Tokens      []struct {
		TokenID string  `json:"token_id"`
		Outcome string  `json:"outcome"`
		Price   float64 `json:"price"`
		Winner  bool    `json:"winner"`
	} `json:"tokens"`
}

type gammaMarket struct {
	ID             string `json:"id"`
	ConditionID    string `json:"conditionId"`
	Closed         bool   `json:"closed"`
	UMAResolution  string `json:"umaResolutionStatus"`
	Outcome        string `json:"outcome"`
	WinningOutcome string `json:"winningOutcome"`
	OutcomePrices  string `json:"outcomePrices"` // JSON 字符串，如 "[\"1\",\"0\"]"
	ClobTokenIDs   string `json:"clobTokenIds"`
}

// GetSettlement 先查 CLOB /markets/{id}，查不到时回退 Gamma。
func (c *Client) GetSettlement(ctx context.Context, marketID string) (*venue.Settlement, error) {
	const op = "get_settlement"
	var m clobMarket
	resp, err := c.clob.R().SetContext(ctx).SetResult(&m).Get("/markets/" + marketID)
	cerr := classify(op, resp, err)
	if cerr == nil {
		s := &venue.Settlement{MarketID: marketID, Closed: m.Closed}
		for _, t := range m.Tokens {
			s.Tokens = append(s.Tokens, venue.OutcomeToken{TokenID: t.TokenID, Outcome: t.Outcome, Winner: t.Winner, Price: t.Price})
		}
		return s, nil
	}
	if venue.Classify(cerr) != venue.KindInvalidOrder {
		return nil, cerr
	}
	log.Debugf("[Settlement] CLOB 未找到 %s，回退 Gamma: %v", marketID, cerr)
	return c.gammaSettlement(ctx, marketID)
}

func (c *Client) gammaSettlement(ctx context.Context, marketID string) (*venue.Settlement, error) {
	const op = "get_settlement"
	var g gammaMarket
	resp, err := c.gamma.R().SetContext(ctx).SetResult(&g).Get("/markets/" + marketID)
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}
	s := &venue.Settlement{
		MarketID:       marketID,
		Closed:         g.Closed || strings.EqualFold(g.UMAResolution, "resolved"),
		Outcome:        g.Outcome,
		WinningOutcome: g.WinningOutcome,
	}
	var prices []string
	if g.OutcomePrices != "" && json.Unmarshal([]byte(g.OutcomePrices), &prices) == nil {
		for _, p := range prices {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				continue
			}
			s.OutcomePrices = append(s.OutcomePrices, v)
		}
	}
	var tokenIDs []string
	if g.ClobTokenIDs != "" && json.Unmarshal([]byte(g.ClobTokenIDs), &tokenIDs) == nil {
		for _, id := range tokenIDs {
			s.Tokens = append(s.Tokens, venue.OutcomeToken{TokenID: id})
		}
	}
	return s, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("polymarket(clob=%s, chain=%d)", c.cfg.ClobURL, c.cfg.ChainID)
}
