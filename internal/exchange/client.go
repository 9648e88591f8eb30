// Package exchange implements the perp DEX client: REST reads and signed
// trading actions, a websocket mid-price feed, per-symbol churn guards, and
// the stale-order watchdog.
//
// Reads go to POST /info (unsigned, cached):
//   - AllMids:      {"type":"allMids"}            — mid prices, 500ms TTL
//   - AccountState: {"type":"clearinghouseState"} — portfolio, 2s TTL
//   - OpenOrders:   {"type":"openOrders"}         — resting orders, 1s TTL
//   - L2Book:       {"type":"l2Book"}             — depth snapshot, uncached
//   - Candles:      {"type":"candleSnapshot"}     — OHLCV bars, uncached
//   - meta:         {"type":"meta"}               — asset universe, 1h TTL
//
// Trading actions go to POST /exchange, each keccak-bound to a nonce and
// signed secp256k1. PlaceOrder is the guarded path: size validation, churn
// and book-quality gates for entries, idempotent registration against the
// fill ledger, and a bounded retry loop that maps every outcome into an
// OrderResult. Callers never see raw transport errors.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/internal/ledger"
	"hyperliquid-trader/internal/market"
	"hyperliquid-trader/pkg/retry"
	"hyperliquid-trader/pkg/types"
)

// Client is the venue API client. All trading flows through PlaceOrder;
// read methods serve the orchestrator, the engine, and the dashboard from
// short-TTL caches.
type Client struct {
	cfg       config.ExchangeConfig
	env       types.Environment
	http      *resty.Client
	signer    *Signer // nil = read-only client
	rl        *RateLimiter
	ledger    *ledger.Ledger
	validator *market.Validator
	churn     *churnGuard
	logger    *slog.Logger

	mainAddress string // account whose state is read and traded

	lastNonce atomic.Uint64

	assetsMu sync.Mutex
	assets   map[string]int // symbol -> asset index
	assetsAt time.Time

	mids    *ttlCache[map[string]float64]
	account *ttlCache[*types.Portfolio]
	open    *ttlCache[[]types.OpenOrder]

	pendingMu sync.Mutex
	pending   map[int64]types.PendingOrder
}

// NewClient builds the venue client. An empty private key yields a
// read-only client whose PlaceOrder always errors; reads still work, which
// keeps the dashboard alive without credentials.
func NewClient(cfg *config.Config, led *ledger.Ledger, logger *slog.Logger) (*Client, error) {
	env := types.EnvLive
	if cfg.Venue.Testnet {
		env = types.EnvTestnet
	}

	var signer *Signer
	if cfg.Wallet.PrivateKey != "" {
		var err error
		signer, err = NewSigner(cfg.Wallet.PrivateKey, env)
		if err != nil {
			return nil, fmt.Errorf("exchange signer: %w", err)
		}
	}

	httpClient := resty.New().
		SetBaseURL(cfg.Venue.APIURL).
		SetTimeout(cfg.Exchange.RequestTimeout).
		SetHeader("Content-Type", "application/json")

	mainAddress := cfg.Wallet.MainAddress
	if mainAddress == "" && signer != nil {
		mainAddress = signer.Address().Hex()
	}

	c := &Client{
		cfg:         cfg.Exchange,
		env:         env,
		http:        httpClient,
		signer:      signer,
		rl: NewRateLimiter(
			cfg.Exchange.InfoCapacity, cfg.Exchange.InfoRefillPerSec,
			cfg.Exchange.ExchCapacity, cfg.Exchange.ExchRefillPerSec,
			cfg.Exchange.ThrottleMaxWait,
		),
		ledger:      led,
		validator:   market.NewValidator(cfg.Exchange),
		churn:       newChurnGuard(cfg.Exchange),
		logger:      logger.With("component", "exchange"),
		mainAddress: mainAddress,
		assets:      make(map[string]int),
		mids:        newTTLCache[map[string]float64](cfg.Exchange.MidsTTL),
		account:     newTTLCache[*types.Portfolio](cfg.Exchange.AccountTTL),
		open:        newTTLCache[[]types.OpenOrder](cfg.Exchange.OpenOrdersTTL),
		pending:     make(map[int64]types.PendingOrder),
	}
	return c, nil
}

// Environment reports which deployment the client points at.
func (c *Client) Environment() types.Environment {
	return c.env
}

// Initialize loads the asset universe and warms the mid cache. Call once on
// startup; symbol resolution refreshes the universe on demand afterwards.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.refreshAssets(ctx); err != nil {
		return fmt.Errorf("load asset universe: %w", err)
	}
	if _, err := c.AllMids(ctx); err != nil {
		return fmt.Errorf("warm mids: %w", err)
	}
	c.logger.Info("exchange client initialized",
		"env", c.env,
		"assets", len(c.assets),
		"readOnly", c.signer == nil)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Info reads
// ————————————————————————————————————————————————————————————————————————

// AllMids returns mid prices for every listed symbol. Served from the
// websocket feed or the REST cache when fresh.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	return c.mids.get(ctx, func(ctx context.Context) (map[string]float64, error) {
		var raw map[string]string
		if err := c.postInfo(ctx, weightDefault, infoRequest{Type: "allMids"}, &raw); err != nil {
			return nil, err
		}
		return parseMids(raw), nil
	})
}

// MidPrice returns the current mid for one symbol.
func (c *Client) MidPrice(ctx context.Context, symbol string) (float64, error) {
	mids, err := c.AllMids(ctx)
	if err != nil {
		return 0, err
	}
	px, ok := mids[symbol]
	if !ok || px <= 0 {
		return 0, fmt.Errorf("no mid for %s", symbol)
	}
	return px, nil
}

// UpdateMids feeds a fresh mid map into the cache. Called by the websocket
// feed so REST polling stays a fallback.
func (c *Client) UpdateMids(mids map[string]float64) {
	if len(mids) == 0 {
		return
	}
	c.mids.set(mids)
}

// AccountState returns the account portfolio: equity, margin, and open
// positions.
func (c *Client) AccountState(ctx context.Context) (*types.Portfolio, error) {
	return c.account.get(ctx, func(ctx context.Context) (*types.Portfolio, error) {
		var state clearinghouseState
		req := infoRequest{Type: "clearinghouseState", User: c.mainAddress}
		if err := c.postInfo(ctx, weightAccount, req, &state); err != nil {
			return nil, err
		}
		return state.toPortfolio(), nil
	})
}

// OpenOrders returns the account's resting orders.
func (c *Client) OpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	return c.open.get(ctx, func(ctx context.Context) ([]types.OpenOrder, error) {
		var raw []wireOpenOrder
		req := infoRequest{Type: "openOrders", User: c.mainAddress}
		if err := c.postInfo(ctx, weightDefault, req, &raw); err != nil {
			return nil, err
		}
		orders := make([]types.OpenOrder, 0, len(raw))
		for _, o := range raw {
			orders = append(orders, o.toOpenOrder())
		}
		return orders, nil
	})
}

// L2Book fetches a fresh depth snapshot for one symbol.
func (c *Client) L2Book(ctx context.Context, symbol string) (*types.L2Book, error) {
	var resp l2Response
	if err := c.postInfo(ctx, weightBook, infoRequest{Type: "l2Book", Coin: symbol}, &resp); err != nil {
		return nil, err
	}
	return resp.toBook(symbol), nil
}

// Candles fetches the most recent lookback OHLCV bars for symbol/interval.
func (c *Client) Candles(ctx context.Context, symbol, interval string, lookback int) ([]types.Candle, error) {
	if lookback <= 0 {
		return nil, nil
	}
	end := time.Now()
	start := end.Add(-time.Duration(lookback+1) * intervalDuration(interval))

	var raw []wireCandle
	req := infoRequest{Type: "candleSnapshot", Req: &candleReq{
		Coin:      symbol,
		Interval:  interval,
		StartTime: start.UnixMilli(),
		EndTime:   end.UnixMilli(),
	}}
	if err := c.postInfo(ctx, weightCandles, req, &raw); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, w := range raw {
		candles = append(candles, w.toCandle())
	}
	if len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}
	return candles, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order placement
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder runs the guarded placement pipeline and always returns a
// structured result:
//
//	REJECTED — blocked locally (size, churn, book quality, unknown symbol)
//	FILLED   — venue filled immediately
//	RESTING  — venue accepted a passive order
//	ERROR    — venue or transport failure after the retry budget
//
// Entries get one attempt; reduce-only exits get the configured retry
// budget with exponential backoff on transient failures. Attempts on a
// single symbol are serialized.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) *types.OrderResult {
	spec := market.SpecFor(req.Symbol)
	size, err := spec.ValidateSize(req.Size)
	if err != nil {
		c.logger.Warn("order rejected: invalid size", "symbol", req.Symbol, "size", req.Size)
		return types.Rejected(req.Symbol, req.Side, types.RejectInvalidSize)
	}

	if c.signer == nil {
		return types.Errored(req.Symbol, req.Side, "client is read-only: no signing key configured")
	}

	st := c.churn.state(req.Symbol)
	st.orderMu.Lock()
	defer st.orderMu.Unlock()

	if !req.ReduceOnly {
		if result := c.admitEntry(ctx, req); result != nil {
			return result
		}
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	entry := c.ledger.RegisterOrder(ledger.Entry{
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderQty:      decimal.NewFromFloat(size),
	})
	if replay := c.replayResult(entry); replay != nil {
		c.logger.Info("duplicate client order replayed",
			"symbol", req.Symbol, "clientOrderId", clientID, "status", replay.Status)
		return replay
	}

	asset, err := c.assetIndex(ctx, req.Symbol)
	if err != nil {
		c.logger.Error("order rejected: unknown symbol", "symbol", req.Symbol, "error", err)
		return types.Rejected(req.Symbol, req.Side, types.RejectInvalidSymbol)
	}

	maxAttempts := c.cfg.EntryAttempts
	if req.ReduceOnly {
		maxAttempts = c.cfg.ExitAttempts
	}

	var result *types.OrderResult
	err = retry.Do(ctx, retry.Policy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: c.cfg.BackoffInitial,
		MaxBackoff:     c.cfg.BackoffCap,
	}, transientVenueError, func() error {
		res, err := c.submitOnce(ctx, spec, asset, req, size, clientID)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		c.logger.Error("order failed",
			"symbol", req.Symbol, "side", req.Side, "size", size,
			"reduceOnly", req.ReduceOnly, "error", err)
		return types.Errored(req.Symbol, req.Side, err.Error())
	}
	return result
}

// admitEntry runs the entry-only gates: churn guard, then book quality.
// Returns a rejection result, or nil to proceed.
func (c *Client) admitEntry(ctx context.Context, req types.OrderRequest) *types.OrderResult {
	if detail, ok := c.churn.admitEntry(req.Symbol, req.Confidence); !ok {
		c.logger.Warn("entry blocked by churn guard", "symbol", req.Symbol, "detail", detail)
		return types.Rejected(req.Symbol, req.Side, types.RejectChurn)
	}

	book, err := c.L2Book(ctx, req.Symbol)
	if err != nil {
		return types.Errored(req.Symbol, req.Side, fmt.Sprintf("book fetch: %v", err))
	}
	if err := c.validator.Check(book); err != nil {
		reason := types.RejectDepth
		if errors.Is(err, market.ErrSpreadTooWide) {
			reason = types.RejectSpread
		}
		c.logger.Warn("entry blocked by book quality", "symbol", req.Symbol, "error", err)
		return types.Rejected(req.Symbol, req.Side, reason)
	}
	return nil
}

// replayResult reconstructs the outcome of a previously-submitted client
// order ID. Fresh registrations (no venue ID, nothing filled) return nil.
func (c *Client) replayResult(entry ledger.Entry) *types.OrderResult {
	if entry.OrderID == 0 && entry.FilledQty.IsZero() {
		return nil
	}
	res := &types.OrderResult{
		Symbol:    entry.Symbol,
		Side:      entry.Side,
		OrderID:   entry.OrderID,
		Timestamp: time.Now(),
	}
	if entry.FilledQty.IsPositive() {
		res.Status = types.OrderFilled
		res.FilledSize = entry.FilledQty.InexactFloat64()
		res.AvgPrice = entry.AvgPx.InexactFloat64()
		return res
	}
	res.Status = types.OrderResting
	return res
}

// submitOnce performs one signed placement attempt and folds the venue's
// reply into churn stats, the fill ledger, and a result. A nil result with
// an error means the attempt may be retried per the transient classifier.
func (c *Client) submitOnce(ctx context.Context, spec market.Spec, asset int, req types.OrderRequest, size float64, clientID string) (*types.OrderResult, error) {
	price, tif, err := c.executionPrice(ctx, spec, req)
	if err != nil {
		return nil, err
	}

	action := orderAction{
		Type: "order",
		Orders: []wireOrder{{
			Asset:      asset,
			IsBuy:      req.Side == types.BUY,
			Price:      spec.PriceString(price),
			Size:       spec.SizeString(size),
			ReduceOnly: req.ReduceOnly,
			Type:       wireOrderType{Limit: wireLimit{Tif: tif}},
		}},
		Grouping: "na",
	}

	c.churn.recordSubmitted(req.Symbol)
	resp, err := c.postExchange(ctx, action)
	if err != nil {
		c.churn.recordFailure(req.Symbol)
		return nil, err
	}
	statuses, err := parseOrderStatuses(resp)
	if err != nil {
		c.churn.recordFailure(req.Symbol)
		return nil, err
	}

	status := statuses[0]
	switch {
	case status.Filled != nil:
		oid := status.Filled.OID
		filledSz := decimal.NewFromFloat(parseWireFloat(status.Filled.TotalSz))
		avgPx := decimal.NewFromFloat(parseWireFloat(status.Filled.AvgPx))

		if err := c.ledger.Bind(clientID, oid); err != nil {
			c.logger.Error("ledger bind failed", "orderId", oid, "error", err)
		}
		if err := c.ledger.RecordFill(oid, filledSz, avgPx); err != nil {
			c.churn.recordFailure(req.Symbol)
			if errors.Is(err, ledger.ErrOverfill) {
				return types.Rejected(req.Symbol, req.Side, types.RejectOverfill), nil
			}
			return nil, err
		}
		c.churn.recordFilled(req.Symbol)
		c.account.invalidate()

		result := &types.OrderResult{
			Status:     types.OrderFilled,
			OrderID:    oid,
			Symbol:     req.Symbol,
			Side:       req.Side,
			FilledSize: filledSz.InexactFloat64(),
			AvgPrice:   avgPx.InexactFloat64(),
			Timestamp:  time.Now(),
		}
		c.logger.Info("order filled",
			"symbol", req.Symbol, "side", req.Side,
			"size", result.FilledSize, "avgPx", result.AvgPrice,
			"orderId", oid, "reduceOnly", req.ReduceOnly)
		return result, nil

	case status.Resting != nil:
		oid := status.Resting.OID
		if err := c.ledger.Bind(clientID, oid); err != nil {
			c.logger.Error("ledger bind failed", "orderId", oid, "error", err)
		}
		c.churn.recordAccepted(req.Symbol)
		c.trackPending(types.PendingOrder{
			OrderID:     oid,
			Symbol:      req.Symbol,
			Side:        req.Side,
			SubmittedAt: time.Now(),
		})
		c.open.invalidate()

		c.logger.Info("order resting",
			"symbol", req.Symbol, "side", req.Side, "px", price, "orderId", oid)
		return &types.OrderResult{
			Status:    types.OrderResting,
			OrderID:   oid,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Timestamp: time.Now(),
		}, nil

	default:
		c.churn.recordFailure(req.Symbol)
		return nil, &venueError{msg: status.Error}
	}
}

// executionPrice resolves the limit price and time-in-force for one attempt.
// Resting limits use the caller's price as-is; market-like and reduce-only
// orders cross the book top padded by the slippage buffer, submitted IOC.
func (c *Client) executionPrice(ctx context.Context, spec market.Spec, req types.OrderRequest) (float64, types.TimeInForce, error) {
	if req.Type == types.OrderTypeLimit && req.Price > 0 && !req.ReduceOnly {
		return spec.FormatPrice(req.Price), types.TifGtc, nil
	}

	book, err := c.L2Book(ctx, req.Symbol)
	if err != nil {
		return 0, "", fmt.Errorf("book fetch for pricing: %w", err)
	}
	px := market.AggressivePrice(book, req.Side, c.cfg.SlippagePct)
	if px <= 0 {
		return 0, "", fmt.Errorf("empty %s book, cannot price aggressive order", req.Symbol)
	}
	return spec.FormatPrice(px), types.TifIoc, nil
}

// ————————————————————————————————————————————————————————————————————————
// Cancels, leverage, emergency close
// ————————————————————————————————————————————————————————————————————————

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if c.signer == nil {
		return fmt.Errorf("client is read-only")
	}
	asset, err := c.assetIndex(ctx, symbol)
	if err != nil {
		return err
	}

	action := cancelAction{Type: "cancel", Cancels: []wireCancel{{Asset: asset, OrderID: orderID}}}
	resp, err := c.postExchange(ctx, action)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("cancel order %d: %s", orderID, string(resp.Response))
	}

	c.untrackPending(orderID)
	c.ledger.CloseOrder(orderID, ledger.StatusCancelled)
	c.open.invalidate()
	c.logger.Info("order cancelled", "symbol", symbol, "orderId", orderID)
	return nil
}

// CancelAllOrders cancels every resting order on the account and returns
// how many cancels were issued.
func (c *Client) CancelAllOrders(ctx context.Context) (int, error) {
	orders, err := c.OpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	cancelled := 0
	var firstErr error
	for _, o := range orders {
		if err := c.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.logger.Error("cancel failed", "symbol", o.Symbol, "orderId", o.OrderID, "error", err)
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		c.logger.Warn("cancelled all open orders", "count", cancelled)
	}
	return cancelled, firstErr
}

// UpdateLeverage sets the leverage for one symbol.
func (c *Client) UpdateLeverage(ctx context.Context, symbol string, leverage int, cross bool) error {
	if c.signer == nil {
		return fmt.Errorf("client is read-only")
	}
	asset, err := c.assetIndex(ctx, symbol)
	if err != nil {
		return err
	}

	action := leverageAction{Type: "updateLeverage", Asset: asset, IsCross: cross, Leverage: leverage}
	resp, err := c.postExchange(ctx, action)
	if err != nil {
		return fmt.Errorf("update leverage: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("update leverage: %s", string(resp.Response))
	}
	c.logger.Info("leverage updated", "symbol", symbol, "leverage", leverage, "cross", cross)
	return nil
}

// CloseAllPositions submits a reduce-only market order against every open
// position. Used by the emergency-stop path; failures on one symbol do not
// stop the others.
func (c *Client) CloseAllPositions(ctx context.Context) []*types.OrderResult {
	portfolio, err := c.AccountState(ctx)
	if err != nil {
		c.logger.Error("close all: account fetch failed", "error", err)
		return nil
	}

	results := make([]*types.OrderResult, 0, len(portfolio.Positions))
	for _, pos := range portfolio.Positions {
		side := types.SELL
		if pos.Side == types.SHORT {
			side = types.BUY
		}
		res := c.PlaceOrder(ctx, types.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       side,
			Size:       pos.Size,
			Type:       types.OrderTypeMarket,
			ReduceOnly: true,
			Confidence: 1.0,
		})
		results = append(results, res)
	}
	return results
}

// ————————————————————————————————————————————————————————————————————————
// Introspection
// ————————————————————————————————————————————————————————————————————————

// OrderStats returns a copy of the per-symbol churn/fill accounting.
func (c *Client) OrderStats() map[string]types.OrderStats {
	return c.churn.snapshot()
}

// CacheStats reports the freshness of the client-side TTL caches.
type CacheStats struct {
	MidsFresh       bool `json:"midsFresh"`
	AccountFresh    bool `json:"accountFresh"`
	OpenOrdersFresh bool `json:"openOrdersFresh"`
}

// CacheStats snapshots cache freshness for the health endpoint.
func (c *Client) CacheStats() CacheStats {
	_, mids := c.mids.peek()
	_, account := c.account.peek()
	_, open := c.open.peek()
	return CacheStats{MidsFresh: mids, AccountFresh: account, OpenOrdersFresh: open}
}

// PendingOrders returns the resting orders tracked by the watchdog.
func (c *Client) PendingOrders() []types.PendingOrder {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	out := make([]types.PendingOrder, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	return out
}

func (c *Client) trackPending(p types.PendingOrder) {
	c.pendingMu.Lock()
	c.pending[p.OrderID] = p
	c.pendingMu.Unlock()
}

func (c *Client) untrackPending(orderID int64) {
	c.pendingMu.Lock()
	delete(c.pending, orderID)
	c.pendingMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Transport
// ————————————————————————————————————————————————————————————————————————

// postInfo throttles against the info bucket and decodes the reply.
func (c *Client) postInfo(ctx context.Context, cost float64, body infoRequest, out any) error {
	if err := c.rl.Info.Throttle(ctx, cost); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post("/info")
	if err != nil {
		return fmt.Errorf("info %s: %w", body.Type, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &httpError{op: "info " + body.Type, status: resp.StatusCode(), body: resp.String()}
	}
	return nil
}

// postExchange signs and submits one trading action.
func (c *Client) postExchange(ctx context.Context, action any) (*exchangeResponse, error) {
	if err := c.rl.Exchange.Throttle(ctx, weightDefault); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	nonce := c.nextNonce()
	sig, err := c.signer.SignAction(raw, nonce)
	if err != nil {
		return nil, err
	}

	var result exchangeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(signedRequest{Action: raw, Nonce: nonce, Signature: sig}).
		SetResult(&result).
		Post("/exchange")
	if err != nil {
		return nil, fmt.Errorf("exchange post: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &httpError{op: "exchange", status: resp.StatusCode(), body: resp.String()}
	}
	return &result, nil
}

// nextNonce returns a millisecond timestamp, strictly increasing even when
// actions land in the same millisecond.
func (c *Client) nextNonce() uint64 {
	for {
		now := uint64(time.Now().UnixMilli())
		last := c.lastNonce.Load()
		if now <= last {
			now = last + 1
		}
		if c.lastNonce.CompareAndSwap(last, now) {
			return now
		}
	}
}

// refreshAssets reloads the symbol -> asset index map from /info meta.
func (c *Client) refreshAssets(ctx context.Context) error {
	var meta metaResponse
	if err := c.postInfo(ctx, weightDefault, infoRequest{Type: "meta"}, &meta); err != nil {
		return err
	}
	if len(meta.Universe) == 0 {
		return fmt.Errorf("empty asset universe")
	}

	assets := make(map[string]int, len(meta.Universe))
	for i, a := range meta.Universe {
		assets[a.Name] = i
	}

	c.assetsMu.Lock()
	c.assets = assets
	c.assetsAt = time.Now()
	c.assetsMu.Unlock()
	return nil
}

// assetIndex resolves a symbol to its universe index, refreshing the stale
// or missing universe once before giving up.
func (c *Client) assetIndex(ctx context.Context, symbol string) (int, error) {
	c.assetsMu.Lock()
	idx, ok := c.assets[symbol]
	stale := time.Since(c.assetsAt) > c.cfg.MetaTTL
	c.assetsMu.Unlock()

	if ok && !stale {
		return idx, nil
	}
	if err := c.refreshAssets(ctx); err != nil {
		if ok {
			// Keep serving the stale index rather than failing the order.
			return idx, nil
		}
		return 0, err
	}

	c.assetsMu.Lock()
	idx, ok = c.assets[symbol]
	c.assetsMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("symbol %s not in asset universe", symbol)
	}
	return idx, nil
}

// ————————————————————————————————————————————————————————————————————————
// Error classification
// ————————————————————————————————————————————————————————————————————————

// venueError is a string rejection from the exchange endpoint.
type venueError struct{ msg string }

func (e *venueError) Error() string { return "venue: " + e.msg }

// httpError is a non-200 HTTP reply.
type httpError struct {
	op     string
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.op, e.status, e.body)
}

// transientVenueError decides whether a placement failure is worth another
// attempt. Transport failures, 5xx/429, throttle starvation, and venue
// rate-limit chatter retry; margin, balance, and validity rejections do not.
func transientVenueError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrThrottleStarved) {
		return true
	}

	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.status >= http.StatusInternalServerError ||
			httpErr.status == http.StatusTooManyRequests
	}

	var vErr *venueError
	if errors.As(err, &vErr) {
		msg := strings.ToLower(vErr.msg)
		for _, kw := range []string{"insufficient", "margin", "balance", "invalid", "reduce"} {
			if strings.Contains(msg, kw) {
				return false
			}
		}
		for _, kw := range []string{"rate limit", "too many", "timeout", "busy", "try again"} {
			if strings.Contains(msg, kw) {
				return true
			}
		}
		return false
	}

	// Anything else is a transport-level failure.
	return true
}
