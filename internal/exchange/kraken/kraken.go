// Package kraken implements the venue adapter for Kraken: a websocket ticker
// stream and the signed REST order endpoints. Only the semantic contract of
// the adapter interface is promised here; wire details stay in this package.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
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
	defaultWSURL   = "wss://ws.kraken.com"
	defaultRestURL = "https://api.kraken.com"
	pollInterval   = time.Second
)

// Adapter is the Kraken venue adapter.
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
	filledQty float64
	closed    bool
}

// New creates a Kraken adapter for the given symbols.
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
		logger:  logger.With().Str("venue", "kraken").Logger(),
		symbols: supported,
		tracked: make(map[string]*trackedOrder),
	}
}

// Name returns the venue identifier.
func (a *Adapter) Name() string { return "kraken" }

// SupportsSymbol reports whether the symbol was configured for this venue.
func (a *Adapter) SupportsSymbol(symbol string) bool { return a.symbols[symbol] }

// Limits returns Kraken's effective private-endpoint budget.
func (a *Adapter) Limits() exchange.RateLimits {
	return exchange.RateLimits{MaxOrdersPerSec: 1, MinRequestInterval: time.Second}
}

// Stream subscribes to the ticker channel and pushes normalized ticks until
// the context ends or the connection drops.
func (a *Adapter) Stream(ctx context.Context, symbols []string, out chan<- domain.Tick) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	conn, _, err := dialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return exchange.NewVenueError("kraken", exchange.KindTransient,
			fmt.Errorf("websocket dial: %w", err))
	}
	defer conn.Close()

	sub := map[string]any{
		"event":        "subscribe",
		"pair":         toPairs(symbols),
		"subscription": map[string]string{"name": "ticker"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return exchange.NewVenueError("kraken", exchange.KindTransient,
			fmt.Errorf("subscribe: %w", err))
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	channelPairs := make(map[int]string)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return exchange.NewVenueError("kraken", exchange.KindTransient,
				fmt.Errorf("websocket read: %w", err))
		}
		a.handleMessage(data, channelPairs, out)
	}
}

// handleMessage routes one websocket frame. Kraken sends events as objects
// and channel data as arrays [channelID, payload, channelName, pair].
func (a *Adapter) handleMessage(data []byte, channelPairs map[int]string, out chan<- domain.Tick) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var ev struct {
			Event     string `json:"event"`
			ChannelID int    `json:"channelID"`
			Pair      string `json:"pair"`
			Status    string `json:"status"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if ev.Event == "subscriptionStatus" && ev.Status == "subscribed" {
			channelPairs[ev.ChannelID] = fromPair(ev.Pair)
		}
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 4 {
		return
	}
	var channelID int
	if err := json.Unmarshal(frame[0], &channelID); err != nil {
		return
	}
	symbol, ok := channelPairs[channelID]
	if !ok {
		return
	}
	tick, err := parseTicker(symbol, frame[1])
	if err != nil {
		a.logger.Debug().Err(err).Msg("unparseable ticker frame")
		return
	}
	select {
	case out <- tick:
	default: // consumer behind; the aggregator counts its own losses
	}
}

type tickerPayload struct {
	Ask    []string `json:"a"` // price, wholeLotVolume, lotVolume
	Bid    []string `json:"b"`
	Close  []string `json:"c"` // price, lotVolume
	Volume []string `json:"v"` // today, 24h
}

func parseTicker(symbol string, raw json.RawMessage) (domain.Tick, error) {
	var p tickerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Tick{}, err
	}
	if len(p.Ask) < 3 || len(p.Bid) < 3 || len(p.Close) < 2 {
		return domain.Tick{}, fmt.Errorf("short ticker payload")
	}
	now := time.Now().UTC()
	tick := domain.Tick{
		Symbol:   symbol,
		Exchange: "kraken",
		ServerTS: now, // ticker channel carries no server timestamp
		LocalTS:  now,
		Bid:      parseF(p.Bid[0]),
		Ask:      parseF(p.Ask[0]),
		Last:     parseF(p.Close[0]),
		BidQty:   parseF(p.Bid[2]),
		AskQty:   parseF(p.Ask[2]),
		LastQty:  parseF(p.Close[1]),
		Quality:  1.0,
	}
	if len(p.Volume) > 1 {
		tick.DailyVolume = parseF(p.Volume[1])
	}
	if !tick.Valid() {
		return domain.Tick{}, fmt.Errorf("crossed or empty book: bid=%f ask=%f", tick.Bid, tick.Ask)
	}
	return tick, nil
}

// Submit places an order via AddOrder.
func (a *Adapter) Submit(ctx context.Context, order domain.Order) (string, error) {
	form := url.Values{
		"pair":      {toPair(order.Symbol)},
		"type":      {string(order.Side)},
		"ordertype": {krakenOrderType(order.Kind)},
		"volume":    {strconv.FormatFloat(order.Qty, 'f', -1, 64)},
	}
	if order.LimitPrice > 0 {
		form.Set("price", strconv.FormatFloat(order.LimitPrice, 'f', -1, 64))
	}

	var resp struct {
		Result struct {
			TxID []string `json:"txid"`
		} `json:"result"`
	}
	if err := a.privateCall(ctx, "/0/private/AddOrder", form, &resp); err != nil {
		return "", err
	}
	if len(resp.Result.TxID) == 0 {
		return "", exchange.NewVenueError("kraken", exchange.KindFatal,
			fmt.Errorf("AddOrder returned no txid"))
	}
	txid := resp.Result.TxID[0]

	a.mu.Lock()
	a.tracked[txid] = &trackedOrder{localID: order.ID}
	a.mu.Unlock()
	return txid, nil
}

// Cancel requests cancellation via CancelOrder.
func (a *Adapter) Cancel(ctx context.Context, exchangeOrderID string) error {
	form := url.Values{"txid": {exchangeOrderID}}
	var resp struct{}
	return a.privateCall(ctx, "/0/private/CancelOrder", form, &resp)
}

type orderInfo struct {
	Status  string `json:"status"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"`
	Fee     string `json:"fee"`
}

// Status queries the venue for an order's state.
func (a *Adapter) Status(ctx context.Context, exchangeOrderID string) (domain.OrderStatus, error) {
	infos, err := a.queryOrders(ctx, exchangeOrderID)
	if err != nil {
		return "", err
	}
	info, ok := infos[exchangeOrderID]
	if !ok {
		return "", exchange.NewVenueError("kraken", exchange.KindNotFound,
			fmt.Errorf("order %s unknown", exchangeOrderID))
	}
	return mapStatus(info.Status, parseF(info.VolExec)), nil
}

// Executions polls QueryOrders for tracked orders, emitting fill deltas and
// terminal reports. Kraken's private websocket would be the lower-latency
// path; polling keeps the adapter dependency-free on the private feed.
func (a *Adapter) Executions(ctx context.Context, out chan<- exchange.ExecutionReport) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ids := a.openOrderIDs()
		if len(ids) == 0 {
			continue
		}
		infos, err := a.queryOrders(ctx, ids...)
		if err != nil {
			a.logger.Warn().Err(err).Msg("execution poll failed")
			continue
		}
		for txid, info := range infos {
			for _, report := range a.reportsFor(txid, info) {
				select {
				case out <- report:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (a *Adapter) openOrderIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for id, t := range a.tracked {
		if !t.closed {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *Adapter) reportsFor(txid string, info orderInfo) []exchange.ExecutionReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tracked[txid]
	if !ok || t.closed {
		return nil
	}

	var reports []exchange.ExecutionReport
	execQty := parseF(info.VolExec)
	if delta := execQty - t.filledQty; delta > domain.QtyEpsilon {
		t.filledQty = execQty
		reports = append(reports, exchange.ExecutionReport{
			ExchangeOrderID: txid,
			Fill: &domain.Fill{
				ID:         fmt.Sprintf("%s-%d", txid, int(execQty*1e8)),
				OrderID:    t.localID,
				TS:         time.Now().UTC(),
				Qty:        delta,
				Price:      parseF(info.Price),
				Commission: domain.USD(parseF(info.Fee)),
			},
		})
	}
	status := mapStatus(info.Status, execQty)
	if status.Terminal() {
		t.closed = true
		reports = append(reports, exchange.ExecutionReport{
			ExchangeOrderID: txid,
			Done:            true,
			Status:          status,
		})
	}
	return reports
}

func (a *Adapter) queryOrders(ctx context.Context, ids ...string) (map[string]orderInfo, error) {
	form := url.Values{"txid": {strings.Join(ids, ",")}}
	var resp struct {
		Result map[string]orderInfo `json:"result"`
	}
	if err := a.privateCall(ctx, "/0/private/QueryOrders", form, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// privateCall signs and executes one private REST request per Kraken rules:
// API-Sign = HMAC-SHA512(path + SHA256(nonce + POST data), base64(secret)).
func (a *Adapter) privateCall(ctx context.Context, path string, form url.Values, result any) error {
	nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	form.Set("nonce", nonce)
	body := form.Encode()

	secret, err := base64.StdEncoding.DecodeString(a.creds.APISecret)
	if err != nil {
		return exchange.NewVenueError("kraken", exchange.KindAuth,
			fmt.Errorf("decode api secret: %w", err))
	}
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.restURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", a.creds.APIKey)
	req.Header.Set("API-Sign", sign)

	resp, err := a.client.Do(req)
	if err != nil {
		return exchange.NewVenueError("kraken", exchange.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return exchange.NewVenueError("kraken", exchange.KindRateLimited,
			fmt.Errorf("http 429"))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return exchange.NewVenueError("kraken", exchange.KindAuth,
			fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return exchange.NewVenueError("kraken", exchange.KindTransient,
			fmt.Errorf("http %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.NewVenueError("kraken", exchange.KindTransient, err)
	}
	var envelope struct {
		Error []string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Error) > 0 {
		msg := strings.Join(envelope.Error, "; ")
		kind := exchange.KindFatal
		switch {
		case strings.Contains(msg, "Rate limit"):
			kind = exchange.KindRateLimited
		case strings.Contains(msg, "Invalid key"), strings.Contains(msg, "Permission denied"):
			kind = exchange.KindAuth
		case strings.Contains(msg, "Invalid arguments"):
			kind = exchange.KindValidation
		case strings.Contains(msg, "Unknown order"):
			kind = exchange.KindNotFound
		}
		return exchange.NewVenueError("kraken", kind, fmt.Errorf("%s", msg))
	}
	return json.Unmarshal(data, result)
}

func krakenOrderType(kind domain.OrderKind) string {
	switch kind {
	case domain.Market:
		return "market"
	case domain.StopLoss:
		return "stop-loss"
	case domain.StopLimit:
		return "stop-loss-limit"
	case domain.TakeProfit:
		return "take-profit"
	default:
		return "limit"
	}
}

func mapStatus(status string, execQty float64) domain.OrderStatus {
	switch status {
	case "closed":
		return domain.OrderFilled
	case "canceled":
		return domain.OrderCancelled
	case "expired":
		return domain.OrderExpired
	case "open", "pending":
		if execQty > domain.QtyEpsilon {
			return domain.OrderPartial
		}
		return domain.OrderSubmitted
	default:
		return domain.OrderFailed
	}
}

// toPair maps "BTC-USD" to Kraken's "XBT/USD" pair naming.
func toPair(symbol string) string {
	pair := strings.ReplaceAll(symbol, "-", "/")
	return strings.Replace(pair, "BTC", "XBT", 1)
}

func toPairs(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = toPair(s)
	}
	return out
}

// fromPair maps Kraken's pair naming back to the internal symbol form.
func fromPair(pair string) string {
	symbol := strings.Replace(pair, "XBT", "BTC", 1)
	return strings.ReplaceAll(symbol, "/", "-")
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
