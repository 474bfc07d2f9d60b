// Package binance implements the venue adapter for Binance spot: the combined
// ticker websocket stream and the signed REST order endpoints.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/exchange"
)

const (
	defaultWSURL   = "wss://stream.binance.com:9443"
	defaultRestURL = "https://api.binance.com"
	pollInterval   = time.Second
)

// Adapter is the Binance venue adapter.
type Adapter struct {
	wsURL   string
	restURL string
	creds   exchange.Credentials
	client  *http.Client
	logger  zerolog.Logger
	symbols map[string]bool

	mu      sync.Mutex
	tracked map[string]*trackedOrder // exchange order ID -> state
}

type trackedOrder struct {
	localID   string
	symbol    string // venue symbol, required on every order query
	filledQty float64
	closed    bool
}

// New creates a Binance adapter for the given symbols.
func New(wsURL, restURL string, creds exchange.Credentials, symbols []string, timeout time.Duration, logger zerolog.Logger) *Adapter {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	if restURL == "" {
		restURL = defaultRestURL
	}
	supported := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		supported[s] = true
	}
	return &Adapter{
		wsURL:   wsURL,
		restURL: restURL,
		creds:   creds,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("venue", "binance").Logger(),
		symbols: supported,
		tracked: make(map[string]*trackedOrder),
	}
}

// Name returns the venue identifier.
func (a *Adapter) Name() string { return "binance" }

// SupportsSymbol reports whether the symbol was configured for this venue.
func (a *Adapter) SupportsSymbol(symbol string) bool { return a.symbols[symbol] }

// Limits returns the spot order budget.
func (a *Adapter) Limits() exchange.RateLimits {
	return exchange.RateLimits{MaxOrdersPerSec: 10, MinRequestInterval: 100 * time.Millisecond}
}

// Stream subscribes to the combined 24h ticker streams and pushes normalized
// ticks until the context ends or the connection drops.
func (a *Adapter) Stream(ctx context.Context, symbols []string, out chan<- domain.Tick) error {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(toVenueSymbol(s)) + "@ticker"
	}
	endpoint := a.wsURL + "/stream?streams=" + strings.Join(streams, "/")

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return exchange.NewVenueError("binance", exchange.KindTransient,
			fmt.Errorf("websocket dial: %w", err))
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return exchange.NewVenueError("binance", exchange.KindTransient,
				fmt.Errorf("websocket read: %w", err))
		}
		a.handleMessage(data, out)
	}
}

// tickerPayload is the 24h ticker stream event. EventTime is epoch millis.
type tickerPayload struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	LastQty   string `json:"Q"`
	Bid       string `json:"b"`
	BidQty    string `json:"B"`
	Ask       string `json:"a"`
	AskQty    string `json:"A"`
	Volume    string `json:"v"`
}

func (a *Adapter) handleMessage(data []byte, out chan<- domain.Tick) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Data) == 0 {
		return
	}
	tick, err := parseTicker(envelope.Data)
	if err != nil {
		a.logger.Debug().Err(err).Msg("unparseable ticker frame")
		return
	}
	select {
	case out <- tick:
	default: // consumer behind; the aggregator counts its own losses
	}
}

func parseTicker(raw json.RawMessage) (domain.Tick, error) {
	var p tickerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Tick{}, err
	}
	tick := domain.Tick{
		Symbol:      fromVenueSymbol(p.Symbol),
		Exchange:    "binance",
		ServerTS:    time.UnixMilli(p.EventTime).UTC(),
		LocalTS:     time.Now().UTC(),
		Bid:         parseF(p.Bid),
		Ask:         parseF(p.Ask),
		Last:        parseF(p.Last),
		BidQty:      parseF(p.BidQty),
		AskQty:      parseF(p.AskQty),
		LastQty:     parseF(p.LastQty),
		DailyVolume: parseF(p.Volume),
		Quality:     1.0,
	}
	if !tick.Valid() {
		return domain.Tick{}, fmt.Errorf("crossed or empty book: bid=%f ask=%f", tick.Bid, tick.Ask)
	}
	return tick, nil
}

// Submit places an order via POST /api/v3/order.
func (a *Adapter) Submit(ctx context.Context, order domain.Order) (string, error) {
	venueSymbol := toVenueSymbol(order.Symbol)
	params := url.Values{
		"symbol":   {venueSymbol},
		"side":     {strings.ToUpper(string(order.Side))},
		"type":     {binanceOrderType(order.Kind)},
		"quantity": {strconv.FormatFloat(order.Qty, 'f', -1, 64)},
	}
	if order.LimitPrice > 0 {
		params.Set("price", strconv.FormatFloat(order.LimitPrice, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if order.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(order.StopPrice, 'f', -1, 64))
	}

	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := a.signedCall(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == 0 {
		return "", exchange.NewVenueError("binance", exchange.KindFatal,
			fmt.Errorf("order accepted without an id"))
	}
	id := strconv.FormatInt(resp.OrderID, 10)

	a.mu.Lock()
	a.tracked[id] = &trackedOrder{localID: order.ID, symbol: venueSymbol}
	a.mu.Unlock()
	return id, nil
}

// Cancel requests cancellation via DELETE /api/v3/order.
func (a *Adapter) Cancel(ctx context.Context, exchangeOrderID string) error {
	a.mu.Lock()
	t, ok := a.tracked[exchangeOrderID]
	a.mu.Unlock()
	if !ok {
		return exchange.NewVenueError("binance", exchange.KindNotFound,
			fmt.Errorf("order %s unknown", exchangeOrderID))
	}
	params := url.Values{"symbol": {t.symbol}, "orderId": {exchangeOrderID}}
	var resp struct{}
	return a.signedCall(ctx, http.MethodDelete, "/api/v3/order", params, &resp)
}

type orderInfo struct {
	Status       string `json:"status"`
	ExecutedQty  string `json:"executedQty"`
	CumQuoteQty  string `json:"cummulativeQuoteQty"`
}

// Status queries the venue for an order's state.
func (a *Adapter) Status(ctx context.Context, exchangeOrderID string) (domain.OrderStatus, error) {
	a.mu.Lock()
	t, ok := a.tracked[exchangeOrderID]
	a.mu.Unlock()
	if !ok {
		return "", exchange.NewVenueError("binance", exchange.KindNotFound,
			fmt.Errorf("order %s unknown", exchangeOrderID))
	}
	info, err := a.queryOrder(ctx, t.symbol, exchangeOrderID)
	if err != nil {
		return "", err
	}
	return mapStatus(info.Status, parseF(info.ExecutedQty)), nil
}

// Executions polls order state for tracked orders, emitting fill deltas and
// terminal reports. Fill price is the average over the executed quantity;
// Binance reports no per-delta price on the order endpoint.
func (a *Adapter) Executions(ctx context.Context, out chan<- exchange.ExecutionReport) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for id, symbol := range a.openOrders() {
			info, err := a.queryOrder(ctx, symbol, id)
			if err != nil {
				a.logger.Warn().Err(err).Str("order", id).Msg("execution poll failed")
				continue
			}
			for _, report := range a.reportsFor(id, info) {
				select {
				case out <- report:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (a *Adapter) openOrders() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	open := make(map[string]string)
	for id, t := range a.tracked {
		if !t.closed {
			open[id] = t.symbol
		}
	}
	return open
}

func (a *Adapter) reportsFor(id string, info orderInfo) []exchange.ExecutionReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tracked[id]
	if !ok || t.closed {
		return nil
	}

	var reports []exchange.ExecutionReport
	execQty := parseF(info.ExecutedQty)
	if delta := execQty - t.filledQty; delta > domain.QtyEpsilon {
		price := 0.0
		if execQty > 0 {
			price = parseF(info.CumQuoteQty) / execQty
		}
		t.filledQty = execQty
		reports = append(reports, exchange.ExecutionReport{
			ExchangeOrderID: id,
			Fill: &domain.Fill{
				ID:      fmt.Sprintf("%s-%d", id, int(execQty*1e8)),
				OrderID: t.localID,
				TS:      time.Now().UTC(),
				Qty:     delta,
				Price:   price,
			},
		})
	}
	status := mapStatus(info.Status, execQty)
	if status.Terminal() {
		t.closed = true
		reports = append(reports, exchange.ExecutionReport{
			ExchangeOrderID: id,
			Done:            true,
			Status:          status,
		})
	}
	return reports
}

func (a *Adapter) queryOrder(ctx context.Context, symbol, id string) (orderInfo, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {id}}
	var info orderInfo
	if err := a.signedCall(ctx, http.MethodGet, "/api/v3/order", params, &info); err != nil {
		return orderInfo{}, err
	}
	return info, nil
}

// signedCall executes one signed REST request: the signature is
// HMAC-SHA256(query string including timestamp) with the API secret, sent as
// the trailing signature parameter under the X-MBX-APIKEY header.
func (a *Adapter) signedCall(ctx context.Context, method, path string, params url.Values, result any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, a.restURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", a.creds.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return exchange.NewVenueError("binance", exchange.KindTransient, err)
	}
	defer resp.Body.Close()

	// 418 is the IP-ban escalation of 429
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		return exchange.NewVenueError("binance", exchange.KindRateLimited,
			fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return exchange.NewVenueError("binance", exchange.KindAuth,
			fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return exchange.NewVenueError("binance", exchange.KindTransient,
			fmt.Errorf("http %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.NewVenueError("binance", exchange.KindTransient, err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		kind := exchange.KindValidation
		if err := json.Unmarshal(data, &apiErr); err == nil {
			switch apiErr.Code {
			case -1021, -1022, -2014, -2015: // timestamp/signature/key errors
				kind = exchange.KindAuth
			case -2013: // order does not exist
				kind = exchange.KindNotFound
			}
			return exchange.NewVenueError("binance", kind, fmt.Errorf("%d: %s", apiErr.Code, apiErr.Msg))
		}
		return exchange.NewVenueError("binance", kind, fmt.Errorf("http %d", resp.StatusCode))
	}
	return json.Unmarshal(data, result)
}

func binanceOrderType(kind domain.OrderKind) string {
	switch kind {
	case domain.Market:
		return "MARKET"
	case domain.StopLoss:
		return "STOP_LOSS"
	case domain.StopLimit:
		return "STOP_LOSS_LIMIT"
	case domain.TakeProfit:
		return "TAKE_PROFIT"
	default:
		return "LIMIT"
	}
}

func mapStatus(status string, execQty float64) domain.OrderStatus {
	switch status {
	case "FILLED":
		return domain.OrderFilled
	case "CANCELED", "PENDING_CANCEL":
		return domain.OrderCancelled
	case "REJECTED":
		return domain.OrderRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderExpired
	case "NEW", "PARTIALLY_FILLED":
		if execQty > domain.QtyEpsilon {
			return domain.OrderPartial
		}
		return domain.OrderSubmitted
	default:
		return domain.OrderFailed
	}
}

// toVenueSymbol maps "BTC-USD" to Binance's "BTCUSDT" spot naming.
func toVenueSymbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "-", "")
	if strings.HasSuffix(s, "USD") {
		s += "T"
	}
	return s
}

// fromVenueSymbol maps "BTCUSDT" back to the internal "BTC-USD" form.
func fromVenueSymbol(venue string) string {
	s := strings.TrimSuffix(venue, "T")
	if strings.HasSuffix(s, "USD") {
		return s[:len(s)-3] + "-USD"
	}
	return venue
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
