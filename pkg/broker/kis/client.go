// Package kis implements the broker interface against the Korea
// Investment & Securities open API (domestic cash equities).
package kis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"oms-core/pkg/broker"
	"oms-core/pkg/cache"
)

// quoteTTL bounds quote staleness. The quotations endpoint is rate
// limited per app key, so back-to-back intents on the same symbol
// reuse the last quote inside this window.
const quoteTTL = time.Second

// Transaction IDs for the domestic cash endpoints.
const (
	trBuyCash     = "TTTC0802U"
	trSellCash    = "TTTC0801U"
	trCancel      = "TTTC0803U"
	trOpenOrders  = "TTTC8036R"
	trBalance     = "TTTC8434R"
	trBuyableCash = "TTTC8908R"
	trPrice       = "FHKST01010100"
)

// Client talks to the KIS REST API. Access tokens are refreshed
// lazily; KIS tokens live 24h.
type Client struct {
	http    *resty.Client
	appKey  string
	secret  string
	cano    string // account number
	acntPrd string // account product code
	quotes  *cache.QuoteCache

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New builds a client. account is "CANO-ACNT_PRDT_CD", e.g.
// "12345678-01".
func New(baseURL, appKey, appSecret, account string) (*Client, error) {
	parts := strings.SplitN(account, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed KIS account %q, want CANO-PRDT", account)
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json; charset=utf-8"),
		appKey:  appKey,
		secret:  appSecret,
		cano:    parts[0],
		acntPrd: parts[1],
		quotes:  cache.NewQuoteCache(),
	}, nil
}

// SupportsStopLimit reports false: the KIS cash API has no native
// stop-limit, the adapter simulates it with a plain limit.
func (c *Client) SupportsStopLimit() bool { return false }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Authenticate forces a token fetch; called once at startup so a bad
// credential fails the process instead of the first order.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.token(ctx)
	return err
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	var out tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.appKey,
			"appsecret":  c.secret,
		}).
		SetResult(&out).
		Post("/oauth2/tokenP")
	if err != nil {
		return "", fmt.Errorf("kis token request: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return "", fmt.Errorf("kis token rejected: %s", resp.Status())
	}

	c.accessToken = out.AccessToken
	// Refresh a few minutes before the server-side expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - 5*time.Minute)
	log.Info("kis: access token refreshed")
	return c.accessToken, nil
}

func (c *Client) request(ctx context.Context, trID string) (*resty.Request, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	return c.http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+tok).
		SetHeader("appkey", c.appKey).
		SetHeader("appsecret", c.secret).
		SetHeader("tr_id", trID), nil
}

// kisEnvelope is the common response wrapper: rt_cd "0" means success.
type kisEnvelope struct {
	RtCd string `json:"rt_cd"`
	Msg1 string `json:"msg1"`
}

func (e kisEnvelope) err(op string) error {
	if e.RtCd == "0" {
		return nil
	}
	return fmt.Errorf("kis %s failed: %s", op, strings.TrimSpace(e.Msg1))
}

// SubmitOrder places a cash order. ORD_DVSN "00" is limit, "01" market.
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	trID := trBuyCash
	if req.Side == broker.SideSell {
		trID = trSellCash
	}
	ordDvsn := "00"
	price := req.Price
	if req.Type == broker.OrderTypeMarket {
		ordDvsn = "01"
		price = 0
	}

	var out struct {
		kisEnvelope
		Output struct {
			OrderNo  string `json:"ODNO"`
			OrgNo    string `json:"KRX_FWDG_ORD_ORGNO"`
			OrderTmd string `json:"ORD_TMD"`
		} `json:"output"`
	}

	r, err := c.request(ctx, trID)
	if err != nil {
		return broker.OrderResult{}, err
	}
	resp, err := r.
		SetBody(map[string]string{
			"CANO":         c.cano,
			"ACNT_PRDT_CD": c.acntPrd,
			"PDNO":         req.Symbol,
			"ORD_DVSN":     ordDvsn,
			"ORD_QTY":      strconv.FormatInt(req.Qty, 10),
			"ORD_UNPR":     strconv.FormatFloat(price, 'f', 0, 64),
		}).
		SetResult(&out).
		Post("/uapi/domestic-stock/v1/trading/order-cash")
	if err != nil {
		return broker.OrderResult{}, fmt.Errorf("kis submit: %w", err)
	}
	if resp.IsError() {
		return broker.OrderResult{}, fmt.Errorf("kis submit http %s", resp.Status())
	}
	if err := out.err("submit"); err != nil {
		return broker.OrderResult{}, err
	}
	return broker.OrderResult{OrderID: out.Output.OrderNo, Branch: out.Output.OrgNo}, nil
}

// CancelOrder cancels the remaining quantity of an order.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol, branch string, remainingQty int64) error {
	var out struct {
		kisEnvelope
	}
	r, err := c.request(ctx, trCancel)
	if err != nil {
		return err
	}
	resp, err := r.
		SetBody(map[string]string{
			"CANO":               c.cano,
			"ACNT_PRDT_CD":       c.acntPrd,
			"KRX_FWDG_ORD_ORGNO": branch,
			"ORGN_ODNO":          orderID,
			"ORD_DVSN":           "00",
			"RVSE_CNCL_DVSN_CD":  "02", // cancel
			"ORD_QTY":            strconv.FormatInt(remainingQty, 10),
			"ORD_UNPR":           "0",
			"QTY_ALL_ORD_YN":     "Y",
		}).
		SetResult(&out).
		Post("/uapi/domestic-stock/v1/trading/order-rvsecncl")
	if err != nil {
		return fmt.Errorf("kis cancel: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("kis cancel http %s", resp.Status())
	}
	return out.err("cancel")
}

// GetOrders returns today's open (modifiable) orders.
func (c *Client) GetOrders(ctx context.Context) ([]broker.Order, error) {
	var out struct {
		kisEnvelope
		Output []struct {
			OrderNo   string `json:"odno"`
			OrgNo     string `json:"ord_gno_brno"`
			Symbol    string `json:"pdno"`
			SideCode  string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
			Qty       string `json:"ord_qty"`
			FilledQty string `json:"tot_ccld_qty"`
			Price     string `json:"ord_unpr"`
		} `json:"output"`
	}

	r, err := c.request(ctx, trOpenOrders)
	if err != nil {
		return nil, err
	}
	resp, err := r.
		SetQueryParams(map[string]string{
			"CANO":         c.cano,
			"ACNT_PRDT_CD": c.acntPrd,
			"INQR_DVSN_1":  "0",
			"INQR_DVSN_2":  "0",
			"CTX_AREA_FK100": "",
			"CTX_AREA_NK100": "",
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl")
	if err != nil {
		return nil, fmt.Errorf("kis orders: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("kis orders http %s", resp.Status())
	}
	if err := out.err("orders"); err != nil {
		return nil, err
	}

	orders := make([]broker.Order, 0, len(out.Output))
	for _, row := range out.Output {
		side := broker.SideBuy
		if row.SideCode == "01" {
			side = broker.SideSell
		}
		orders = append(orders, broker.Order{
			OrderID:   row.OrderNo,
			Symbol:    row.Symbol,
			Side:      side,
			Qty:       parseInt(row.Qty),
			FilledQty: parseInt(row.FilledQty),
			Price:     parseFloat(row.Price),
			Status:    "WORKING",
			Branch:    row.OrgNo,
		})
	}
	return orders, nil
}

// GetBalance returns positions and account equity in a single call.
func (c *Client) GetBalance(ctx context.Context) (broker.BalanceSnapshot, error) {
	var out struct {
		kisEnvelope
		Output1 []struct {
			Symbol   string `json:"pdno"`
			Qty      string `json:"hldg_qty"`
			AvgPrice string `json:"pchs_avg_pric"`
			CurPrice string `json:"prpr"`
		} `json:"output1"`
		Output2 []struct {
			TotalEval string `json:"tot_evlu_amt"`
		} `json:"output2"`
	}

	r, err := c.request(ctx, trBalance)
	if err != nil {
		return broker.BalanceSnapshot{}, err
	}
	resp, err := r.
		SetQueryParams(map[string]string{
			"CANO":         c.cano,
			"ACNT_PRDT_CD": c.acntPrd,
			"AFHR_FLPR_YN": "N",
			"OFL_YN":       "",
			"INQR_DVSN":    "02",
			"UNPR_DVSN":    "01",
			"FUND_STTL_ICLD_YN": "N",
			"FNCG_AMT_AUTO_RDPT_YN": "N",
			"PRCS_DVSN":      "00",
			"CTX_AREA_FK100": "",
			"CTX_AREA_NK100": "",
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/trading/inquire-balance")
	if err != nil {
		return broker.BalanceSnapshot{}, fmt.Errorf("kis balance: %w", err)
	}
	if resp.IsError() {
		return broker.BalanceSnapshot{}, fmt.Errorf("kis balance http %s", resp.Status())
	}
	if err := out.err("balance"); err != nil {
		return broker.BalanceSnapshot{}, err
	}

	snap := broker.BalanceSnapshot{}
	for _, row := range out.Output1 {
		qty := parseInt(row.Qty)
		if qty == 0 {
			continue
		}
		snap.Positions = append(snap.Positions, broker.Position{
			Symbol:       row.Symbol,
			Qty:          qty,
			AvgPrice:     parseFloat(row.AvgPrice),
			CurrentPrice: parseFloat(row.CurPrice),
		})
	}
	if len(out.Output2) > 0 {
		snap.Equity = parseFloat(out.Output2[0].TotalEval)
	}
	return snap, nil
}

// GetBuyableCash returns the orderable cash amount.
func (c *Client) GetBuyableCash(ctx context.Context) (float64, error) {
	var out struct {
		kisEnvelope
		Output struct {
			Cash string `json:"ord_psbl_cash"`
		} `json:"output"`
	}

	r, err := c.request(ctx, trBuyableCash)
	if err != nil {
		return 0, err
	}
	resp, err := r.
		SetQueryParams(map[string]string{
			"CANO":                  c.cano,
			"ACNT_PRDT_CD":          c.acntPrd,
			"PDNO":                  "",
			"ORD_UNPR":              "0",
			"ORD_DVSN":              "01",
			"CMA_EVLU_AMT_ICLD_YN":  "N",
			"OVRS_ICLD_YN":          "N",
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/trading/inquire-psbl-order")
	if err != nil {
		return 0, fmt.Errorf("kis buyable cash: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("kis buyable cash http %s", resp.Status())
	}
	if err := out.err("buyable cash"); err != nil {
		return 0, err
	}
	return parseFloat(out.Output.Cash), nil
}

// GetQuote returns the current price and best bid/ask for a symbol.
// Quotes younger than quoteTTL are served from cache.
func (c *Client) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	if q, ok := c.quotes.Get(symbol, quoteTTL); ok {
		return q, nil
	}

	var out struct {
		kisEnvelope
		Output struct {
			Price string `json:"stck_prpr"`
			Bid   string `json:"bidp1"`
			Ask   string `json:"askp1"`
		} `json:"output"`
	}

	r, err := c.request(ctx, trPrice)
	if err != nil {
		return broker.Quote{}, err
	}
	resp, err := r.
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
		}).
		SetResult(&out).
		Get("/uapi/domestic-stock/v1/quotations/inquire-price")
	if err != nil {
		return broker.Quote{}, fmt.Errorf("kis quote: %w", err)
	}
	if resp.IsError() {
		return broker.Quote{}, fmt.Errorf("kis quote http %s", resp.Status())
	}
	if err := out.err("quote"); err != nil {
		return broker.Quote{}, err
	}
	q := broker.Quote{
		Symbol: symbol,
		Price:  parseFloat(out.Output.Price),
		Bid:    parseFloat(out.Output.Bid),
		Ask:    parseFloat(out.Output.Ask),
	}
	c.quotes.Put(q)
	return q, nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}
