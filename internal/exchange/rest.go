package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/schema"
)

// restClient signs and submits order requests. Every request carries the
// millisecond timestamp and an HMAC-SHA256 signature of the query payload.
type restClient struct {
	cfg    config.ExchangeConfig
	client *http.Client
	clock  func() time.Time
}

func newRESTClient(cfg config.ExchangeConfig) *restClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		clock:  time.Now,
	}
}

type orderAck struct {
	OrderID     int64  `json:"orderId"`
	ClientID    string `json:"clientOrderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	CumQuote    string `json:"cummulativeQuoteQty"`
	Price       string `json:"price"`
}

type restError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *restClient) placeOrder(ctx context.Context, order *schema.Order) (*schema.Order, error) {
	params := url.Values{}
	params.Set("symbol", restSymbol(order.Symbol))
	params.Set("side", string(order.Side))
	params.Set("type", restOrderType(order.Type))
	params.Set("quantity", order.Quantity.String())
	if order.Type == schema.OrderLimit {
		params.Set("price", order.Price.String())
		params.Set("timeInForce", "GTC")
	}
	params.Set("newClientOrderId", order.OrderID)
	params.Set("newOrderRespType", "FULL")

	body, err := c.do(ctx, http.MethodPost, "/api/v3/order", params, order.Symbol)
	if err != nil {
		return nil, err
	}

	var ack orderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, errs.New("exchange/order", errs.CodeExchange,
			errs.WithCause(err), errs.WithSymbol(order.Symbol),
			errs.WithMessage("decode order acknowledgement"))
	}
	return applyAck(order, ack), nil
}

func (c *restClient) cancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", restSymbol(symbol))
	params.Set("origClientOrderId", orderID)
	_, err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, symbol)
	return err
}

func (c *restClient) do(ctx context.Context, method, path string, params url.Values, symbol string) ([]byte, error) {
	if strings.TrimSpace(c.cfg.RESTURL) == "" {
		return nil, errs.New("exchange/order", errs.CodeInvalid,
			errs.WithMessage("exchange restURL not configured"))
	}
	params.Set("timestamp", strconv.FormatInt(c.clock().UTC().UnixMilli(), 10))
	payload := params.Encode()
	params.Set("signature", sign(payload, c.cfg.APISecret))

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.RESTURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, errs.New("exchange/order", errs.CodeExchange, errs.WithCause(err))
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New("exchange/order", errs.CodeExchange,
			errs.WithCause(err), errs.WithSymbol(symbol))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New("exchange/order", errs.CodeExchange,
			errs.WithCause(err), errs.WithSymbol(symbol))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr restError
		msg := strings.TrimSpace(string(body))
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
			msg = apiErr.Msg
		}
		code := errs.CodeExchange
		if resp.StatusCode == http.StatusTooManyRequests {
			code = errs.CodeRateLimited
		}
		return nil, errs.New("exchange/order", code,
			errs.WithSymbol(symbol),
			errs.WithMessage(msg),
			errs.WithField("status", strconv.Itoa(resp.StatusCode)))
	}
	return body, nil
}

// applyAck folds the exchange acknowledgement into a copy of the order.
func applyAck(order *schema.Order, ack orderAck) *schema.Order {
	out := order.Clone()
	out.Status = ackStatus(ack.Status)
	if filled, err := decimal.NewFromString(ack.ExecutedQty); err == nil && filled.IsPositive() {
		out.FilledQty = filled
		if quote, err := decimal.NewFromString(ack.CumQuote); err == nil && quote.IsPositive() {
			out.FilledPrice = quote.Div(filled)
		}
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata["exchange_order_id"] = strconv.FormatInt(ack.OrderID, 10)
	return out
}

func ackStatus(status string) schema.OrderStatus {
	switch strings.ToUpper(status) {
	case "FILLED":
		return schema.OrderFilled
	case "PARTIALLY_FILLED":
		return schema.OrderPartiallyFilled
	case "CANCELED", "EXPIRED":
		return schema.OrderCancelled
	case "REJECTED":
		return schema.OrderRejected
	default:
		return schema.OrderNew
	}
}

func restOrderType(t schema.OrderType) string {
	if t == schema.OrderStopLoss {
		return "STOP_LOSS"
	}
	return string(t)
}

// restSymbol maps BTC_USDT onto the exchange's BTCUSDT form.
func restSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "_", ""))
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func parsePrice(raw string) (float64, error) {
	return strconv.ParseFloat(raw, 64)
}
