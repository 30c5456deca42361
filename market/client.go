// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mappum/mercury/coin"
	"github.com/mappum/mercury/comms"
	"github.com/mappum/mercury/mercury"
	"github.com/mappum/mercury/swap"
	"github.com/mappum/mercury/swapdb"
)

// Service channels.
const (
	// TradeChannel carries order submission, cancellation and fills.
	TradeChannel = "trade"
	// TickerChannel carries per-pair market summaries.
	TickerChannel = "ticker"
	// DepthChannel carries order book snapshots and deltas.
	DepthChannel = "depth"
	// FeedChannel carries the public trade feed.
	FeedChannel = "feed"
	// InfoChannel carries service metadata.
	InfoChannel = "info"
)

const (
	// reconnectDelay is the pause between connection attempts.
	reconnectDelay = 5 * time.Second
	// timeEpsilon bounds how far a service-reported swap timestamp may
	// diverge from chain time. A server reporting times outside this window
	// could trick the client into unreasonable locktimes.
	timeEpsilon = 4 * time.Hour
)

// ErrViolation is returned when the service's response contradicts what was
// requested. Never tolerated; the service holds no funds, but prices and
// locktimes are only trustless if checked.
const ErrViolation = mercury.ErrorKind("matching service protocol violation")

// TradeResult resolves a submitted trade request: an opened order, a list of
// matched-and-started swaps, or an error.
type TradeResult struct {
	Order *Order
	Swaps []*swap.Swap
	Err   error
}

type pendingTrade struct {
	trade  *swap.Trade
	result chan *TradeResult
}

// Config is the Client configuration.
type Config struct {
	// Host is the matching service's host:port.
	Host string
	// CertPEM is an optional extra TLS root certificate.
	CertPEM []byte
	// Fee is the exchange fee to offer with trade requests, in base units
	// per 1000 traded.
	Fee uint64
	// Wallets maps lower-case currency IDs to their wallets.
	Wallets map[string]coin.Wallet
	// Swaps is the persistent swap collection.
	Swaps *swapdb.Collection
	// Logger is the client's logger.
	Logger mercury.Logger
}

// Client maintains the connection to the order-matching service. It submits
// trade and cancel requests from queues drained by signal, tracks this
// client's open orders, maintains order books and tickers from service
// pushes, and starts a swap orchestrator for every match the service
// reports. On disconnect it reconnects with a fixed backoff; open orders are
// converted back into trade requests, since the service forgets them, and
// order books are cleared to be rebuilt from fresh depth messages.
type Client struct {
	cfg *Config
	log mercury.Logger

	mtx            sync.Mutex
	conn           *comms.Conn
	connected      bool
	serviceVersion uint32
	tradeQueue     []*pendingTrade
	cancelQueue    []*Order
	orders         map[uint64]*Order
	books          map[string]*Book
	tickers        map[string]*Ticker
	running        map[string]bool

	// signal wakes the request drain loop. Capacity 1: a pending signal
	// already covers any number of queued requests.
	signal chan struct{}
}

// New creates a Client. Run must be called to connect.
func New(cfg *Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("no matching service host configured")
	}
	if len(cfg.Wallets) < 2 {
		return nil, fmt.Errorf("trading requires at least two wallets")
	}
	if cfg.Swaps == nil {
		return nil, fmt.Errorf("nil swap collection")
	}
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		orders:  make(map[uint64]*Order),
		books:   make(map[string]*Book),
		tickers: make(map[string]*Ticker),
		running: make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}, nil
}

// Run connects and processes requests until the context is canceled,
// reconnecting on disconnect.
func (c *Client) Run(ctx context.Context) {
	for {
		conn := c.connect(ctx)
		if conn == nil {
			return
		}
		disconnected := make(chan struct{})
		conn.OnDisconnect(func() { close(disconnected) })
		ready := make(chan struct{})
		c.attachListeners(conn, ready)
		conn.Start()

		c.mtx.Lock()
		c.conn = conn
		c.connected = true
		c.mtx.Unlock()
		c.log.Infof("connected to trade service %s", c.cfg.Host)

		c.resumeSwaps(conn)

		// The service speaks first on the trade channel. Hold requests until
		// it has.
		select {
		case <-ready:
			c.wake()
		case <-disconnected:
		case <-ctx.Done():
		}

	drain:
		for {
			select {
			case <-c.signal:
				c.drainRequests(ctx, conn)
			case <-disconnected:
				break drain
			case <-ctx.Done():
				conn.Close()
				return
			}
		}

		c.onDisconnect()
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// connect dials until it succeeds or the context is done.
func (c *Client) connect(ctx context.Context) *comms.Conn {
	for {
		conn, err := comms.Dial(c.cfg.Host, c.cfg.CertPEM, c.log)
		if err == nil {
			return conn
		}
		c.log.Warnf("cannot reach trade service %s: %v", c.cfg.Host, err)
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) attachListeners(conn *comms.Conn, ready chan struct{}) {
	var readyOnce sync.Once
	conn.Subscribe(TradeChannel, func(msg *comms.Message) {
		readyOnce.Do(func() { close(ready) })
		if msg.Method == "fill" {
			if err := c.onFill(conn, msg); err != nil {
				c.log.Errorf("fill error: %v", err)
			}
		}
	})
	conn.Subscribe(TickerChannel, func(msg *comms.Message) {
		if err := c.onTicker(msg); err != nil {
			c.log.Errorf("ticker error: %v", err)
		}
	})
	conn.Subscribe(DepthChannel, func(msg *comms.Message) {
		if err := c.onDepth(msg); err != nil {
			c.log.Errorf("depth error: %v", err)
		}
	})
	conn.Subscribe(FeedChannel, func(msg *comms.Message) {
		c.log.Tracef("feed message: %s", string(msg.Bytes()))
	})
	conn.Subscribe(InfoChannel, func(msg *comms.Message) {
		var payload struct {
			Version uint32 `json:"version"`
		}
		if err := msg.Unmarshal(&payload); err != nil {
			c.log.Errorf("info error: %v", err)
			return
		}
		c.mtx.Lock()
		c.serviceVersion = payload.Version
		c.mtx.Unlock()
	})
}

// onDisconnect converts open orders back into queued trade requests and
// clears the order books.
func (c *Client) onDisconnect() {
	c.log.Infof("disconnected from trade service")
	c.mtx.Lock()
	c.connected = false
	c.conn = nil
	orders := c.orders
	c.orders = make(map[uint64]*Order)
	c.books = make(map[string]*Book)
	for _, order := range orders {
		c.tradeQueue = append(c.tradeQueue, &pendingTrade{
			trade:  order.Trade(c.cfg.Fee),
			result: make(chan *TradeResult, 1),
		})
	}
	c.mtx.Unlock()
}

// resumeSwaps restarts orchestrators for persisted swaps that have not
// finished. Already-running orchestrators are left alone; they survive
// reconnects via blockchain observation.
func (c *Client) resumeSwaps(conn *comms.Conn) {
	pending := c.cfg.Swaps.Pending()
	if len(pending) == 0 {
		return
	}
	for _, s := range pending {
		c.mtx.Lock()
		already := c.running[s.ID]
		c.running[s.ID] = true
		c.mtx.Unlock()
		if already {
			continue
		}
		c.log.Infof("resuming swap %s", s.ID)
		if err := c.launchSwap(conn, s); err != nil {
			c.log.Errorf("cannot resume swap %s: %v", s.ID, err)
			// Leave the swap eligible for the next reconnect.
			c.mtx.Lock()
			delete(c.running, s.ID)
			c.mtx.Unlock()
		}
	}
}

// Trade queues a trade request and returns a future resolved when the
// service responds. The result carries an opened order or started swaps.
func (c *Client) Trade(t *swap.Trade) (<-chan *TradeResult, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	for _, id := range t.Coins {
		if c.cfg.Wallets[strings.ToLower(id)] == nil {
			return nil, fmt.Errorf("no wallet for %s", id)
		}
	}
	pt := &pendingTrade{trade: t, result: make(chan *TradeResult, 1)}
	c.mtx.Lock()
	c.tradeQueue = append(c.tradeQueue, pt)
	c.mtx.Unlock()
	c.wake()
	return pt.result, nil
}

// CancelOrder queues cancellation of one of this client's open orders.
func (c *Client) CancelOrder(id uint64) error {
	c.mtx.Lock()
	order, ok := c.orders[id]
	if ok {
		delete(c.orders, id)
		c.cancelQueue = append(c.cancelQueue, order)
	}
	c.mtx.Unlock()
	if !ok {
		return fmt.Errorf("no open order %d", id)
	}
	c.wake()
	return nil
}

func (c *Client) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// drainRequests submits all queued trades and cancels, one at a time, off
// the queues.
func (c *Client) drainRequests(ctx context.Context, conn *comms.Conn) {
	for {
		c.mtx.Lock()
		var pt *pendingTrade
		var cancel *Order
		switch {
		case len(c.tradeQueue) > 0:
			pt = c.tradeQueue[0]
			c.tradeQueue = c.tradeQueue[1:]
		case len(c.cancelQueue) > 0:
			cancel = c.cancelQueue[0]
			c.cancelQueue = c.cancelQueue[1:]
		}
		c.mtx.Unlock()

		switch {
		case pt != nil:
			c.submitTrade(ctx, conn, pt)
		case cancel != nil:
			c.submitCancel(conn, cancel)
		default:
			return
		}
	}
}

type swapDescriptor struct {
	ID    string      `json:"id"`
	Trade *swap.Trade `json:"trade"`
	Time  int64       `json:"time"`
}

// submitTrade sends one trade request and applies the response: an order is
// validated and tracked, swaps are each verified and started. A request that
// fails on transport is requeued for the next connection.
func (c *Client) submitTrade(ctx context.Context, conn *comms.Conn, pt *pendingTrade) {
	msg, err := comms.NewMessage(TradeChannel, "trade", &struct {
		Trade *swap.Trade `json:"trade"`
	}{pt.trade})
	if err != nil {
		pt.result <- &TradeResult{Err: err}
		return
	}
	resp, err := conn.Request(ctx, msg)
	if err != nil {
		c.log.Warnf("trade request not delivered, requeueing: %v", err)
		c.mtx.Lock()
		c.tradeQueue = append(c.tradeQueue, pt)
		c.mtx.Unlock()
		return
	}

	var payload struct {
		Order *Order            `json:"order,omitempty"`
		Swaps []*swapDescriptor `json:"swaps,omitempty"`
		Error string            `json:"error,omitempty"`
	}
	if err := resp.Unmarshal(&payload); err != nil {
		pt.result <- &TradeResult{Err: err}
		return
	}
	if payload.Error != "" {
		pt.result <- &TradeResult{Err: fmt.Errorf("trade rejected: %s", payload.Error)}
		return
	}

	result := &TradeResult{}
	if payload.Order != nil {
		if err := c.acceptOrder(pt.trade, payload.Order); err != nil {
			pt.result <- &TradeResult{Err: err}
			return
		}
		result.Order = payload.Order
	}
	if len(payload.Swaps) > 0 {
		swaps, err := c.acceptSwaps(conn, pt.trade, payload.Swaps)
		if err != nil {
			pt.result <- &TradeResult{Err: err}
			return
		}
		result.Swaps = swaps
	}
	pt.result <- result
}

// acceptOrder checks an opened order against the request it came from. The
// service opening an order at the wrong price, amount or side is a protocol
// violation.
func (c *Client) acceptOrder(t *swap.Trade, order *Order) error {
	if err := order.Validate(); err != nil {
		return mercury.NewError(ErrViolation, err.Error())
	}
	if order.Amount > t.Amount() {
		return mercury.NewError(ErrViolation, "order amount exceeds requested")
	}
	if order.Price != t.Price() {
		return mercury.NewError(ErrViolation, "order at wrong price")
	}
	if order.Bid != t.Buy {
		return mercury.NewError(ErrViolation, "order on wrong side")
	}
	c.mtx.Lock()
	c.orders[order.ID] = order
	c.mtx.Unlock()
	c.log.Infof("opened order %d: %d at %d", order.ID, order.Amount, order.Price)
	return nil
}

// acceptSwaps verifies each matched swap against the request and starts an
// orchestrator for it. All swaps are verified before any is started.
func (c *Client) acceptSwaps(conn *comms.Conn, t *swap.Trade, descs []*swapDescriptor) ([]*swap.Swap, error) {
	var totalAmount uint64
	for _, desc := range descs {
		if err := c.verifySwap(t, desc); err != nil {
			return nil, err
		}
		totalAmount += desc.Trade.Amount()
	}
	if totalAmount > t.Amount() {
		return nil, mercury.NewError(ErrViolation, "matched amount exceeds requested")
	}
	swaps := make([]*swap.Swap, 0, len(descs))
	for _, desc := range descs {
		s, err := c.startSwap(conn, desc)
		if err != nil {
			return swaps, err
		}
		swaps = append(swaps, s)
	}
	return swaps, nil
}

// verifySwap checks a service-matched swap against the trade request it is
// supposed to fill.
func (c *Client) verifySwap(t *swap.Trade, desc *swapDescriptor) error {
	if desc.ID == "" || desc.Trade == nil {
		return mercury.NewError(ErrViolation, "malformed swap descriptor")
	}
	st := desc.Trade
	if err := st.Validate(); err != nil {
		return mercury.NewError(ErrViolation, err.Error())
	}
	if st.Coins != t.Coins {
		return mercury.NewError(ErrViolation, "swap for wrong pair")
	}
	if st.Fee != t.Fee {
		return mercury.NewError(ErrViolation, "swap at wrong fee")
	}
	if st.Buy != t.Buy {
		return mercury.NewError(ErrViolation, "swap on wrong side")
	}
	// Buying, a better price is lower; selling, higher.
	if t.Buy && st.Price() > t.Price() || !t.Buy && st.Price() < t.Price() {
		return mercury.NewError(ErrViolation, "swap at worse price than requested")
	}
	return c.checkSwapTime(desc)
}

// checkSwapTime bounds the swap's locktime-determining timestamp against
// chain time. Chain time is preferred over the system clock, which may be
// set arbitrarily.
func (c *Client) checkSwapTime(desc *swapDescriptor) error {
	now := time.Now()
	if w := c.cfg.Wallets[strings.ToLower(desc.Trade.Coins[0])]; w != nil {
		if tipTime, err := w.BestBlockTime(); err == nil {
			now = tipTime
		}
	}
	diff := now.Unix() - desc.Time
	if diff < 0 {
		diff = -diff
	}
	if time.Duration(diff)*time.Second >= timeEpsilon {
		return mercury.NewError(ErrViolation, "swap timestamp out of bounds")
	}
	return nil
}

// startSwap persists a newly matched swap and launches its orchestrator.
func (c *Client) startSwap(conn *comms.Conn, desc *swapDescriptor) (*swap.Swap, error) {
	w0 := c.cfg.Wallets[strings.ToLower(desc.Trade.Coins[0])]
	if w0 == nil {
		return nil, fmt.Errorf("no wallet for %s", desc.Trade.Coins[0])
	}
	switched := !w0.SupportsHashlock()
	s, err := swap.New(desc.ID, desc.Trade, time.Unix(desc.Time, 0), switched)
	if err != nil {
		return nil, err
	}
	if err := c.cfg.Swaps.Add(s); err != nil {
		return nil, err
	}
	c.mtx.Lock()
	c.running[s.ID] = true
	c.mtx.Unlock()
	if err := c.launchSwap(conn, s); err != nil {
		c.mtx.Lock()
		delete(c.running, s.ID)
		c.mtx.Unlock()
		return nil, err
	}
	return s, nil
}

// launchSwap builds the wallet pair and orchestrator for a swap and starts
// it.
func (c *Client) launchSwap(conn *comms.Conn, s *swap.Swap) error {
	var wallets [2]coin.Wallet
	for i, id := range s.Trade.Coins {
		w := c.cfg.Wallets[strings.ToLower(id)]
		if w == nil {
			return fmt.Errorf("no wallet for %s", id)
		}
		wallets[i] = w
	}
	if !wallets[s.ChainIndex(false)].SupportsHashlock() {
		return fmt.Errorf("neither %s nor %s supports hash-locked scripts",
			s.Trade.Coins[0], s.Trade.Coins[1])
	}
	proto, err := swap.NewProtocol(s, wallets)
	if err != nil {
		return err
	}
	return swap.NewClient(conn, proto, c.log).Start()
}

// submitCancel sends one cancel, fire-and-forget.
func (c *Client) submitCancel(conn *comms.Conn, order *Order) {
	msg, err := comms.NewMessage(TradeChannel, "cancel", &struct {
		Order *Order `json:"order"`
	}{order})
	if err != nil {
		c.log.Errorf("cancel encode error: %v", err)
		return
	}
	if err := conn.Send(msg); err != nil {
		c.log.Errorf("cancel send error: %v", err)
	}
	c.log.Infof("canceled order %d", order.ID)
}

// onFill handles an asynchronous fill of this client's open orders: the
// referenced orders are reduced or removed, and the resulting swap is
// verified, persisted and started.
func (c *Client) onFill(conn *comms.Conn, msg *comms.Message) error {
	var payload struct {
		Swap   *swapDescriptor `json:"swap"`
		Orders []uint64        `json:"orders"`
	}
	if err := msg.Unmarshal(&payload); err != nil {
		return err
	}
	if payload.Swap == nil || payload.Swap.Trade == nil || len(payload.Orders) == 0 {
		return mercury.NewError(ErrViolation, "malformed fill")
	}
	st := payload.Swap.Trade
	if err := st.Validate(); err != nil {
		return mercury.NewError(ErrViolation, err.Error())
	}
	if err := c.checkSwapTime(payload.Swap); err != nil {
		return err
	}

	if err := c.applyFill(st, payload.Orders); err != nil {
		return err
	}
	_, err := c.startSwap(conn, payload.Swap)
	return err
}

// applyFill validates the fill against the referenced open orders and
// reduces or removes them. Only the last order may be partially filled.
func (c *Client) applyFill(st *swap.Trade, orderIDs []uint64) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	remaining := st.Amount()
	var totalPrice uint64
	takes := make([]uint64, len(orderIDs))
	for i, id := range orderIDs {
		order := c.orders[id]
		if order == nil {
			return mercury.NewError(ErrViolation, fmt.Sprintf("fill references unknown order %d", id))
		}
		if order.Bid != st.Buy || order.Currencies != st.Coins {
			return mercury.NewError(ErrViolation, "fill order does not match swap")
		}
		if remaining == 0 {
			return mercury.NewError(ErrViolation, "fill exceeds swap amount")
		}
		take := order.Amount
		if take > remaining {
			take = remaining
		}
		if take < order.Amount && i != len(orderIDs)-1 {
			return mercury.NewError(ErrViolation, "partial fill of a non-final order")
		}
		takes[i] = take
		remaining -= take
		totalPrice += Total(order.Price, take)
	}
	if totalPrice != st.Quantities[1] {
		return mercury.NewError(ErrViolation, "fill value does not match swap quantities")
	}

	for i, id := range orderIDs {
		order := c.orders[id]
		if takes[i] < order.Amount {
			order.Amount -= takes[i]
		} else {
			delete(c.orders, id)
		}
	}
	return nil
}

// onTicker stores a pair's updated ticker, carrying history forward when the
// service omits it.
func (c *Client) onTicker(msg *comms.Message) error {
	var payload struct {
		Pair string  `json:"pair"`
		Data *Ticker `json:"data"`
	}
	if err := msg.Unmarshal(&payload); err != nil {
		return err
	}
	if payload.Pair == "" || payload.Data == nil {
		return fmt.Errorf("malformed ticker")
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if prev := c.tickers[payload.Pair]; prev != nil && payload.Data.History == nil {
		payload.Data.History = prev.History
		if n := len(payload.Data.History); n > 0 {
			payload.Data.History[n-1].End = payload.Data.Last
		}
	}
	c.tickers[payload.Pair] = payload.Data
	return nil
}

// onDepth applies an order book snapshot or delta.
func (c *Client) onDepth(msg *comms.Message) error {
	var payload struct {
		Type   string   `json:"type"`
		Pair   string   `json:"pair"`
		Orders []*Order `json:"orders"`
	}
	if err := msg.Unmarshal(&payload); err != nil {
		return err
	}
	if payload.Pair == "" {
		return fmt.Errorf("depth message with no pair")
	}
	c.mtx.Lock()
	book := c.books[payload.Pair]
	if book == nil {
		book = NewBook()
		c.books[payload.Pair] = book
	}
	c.mtx.Unlock()
	add := payload.Type == "add"
	for _, order := range payload.Orders {
		if add {
			book.Add(order)
		} else {
			book.Remove(order)
		}
	}
	return nil
}

// Orders returns copies of this client's open orders.
func (c *Client) Orders() []*Order {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	orders := make([]*Order, 0, len(c.orders))
	for _, order := range c.orders {
		o := *order
		orders = append(orders, &o)
	}
	return orders
}

// Book returns the order book for a pair, or nil if none has been received.
func (c *Client) Book(pair string) *Book {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.books[pair]
}

// Ticker returns the last ticker for a pair, or nil.
func (c *Client) Ticker(pair string) *Ticker {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.tickers[pair]
}

// ServiceVersion is the version the service reported on the info channel, 0
// before any report.
func (c *Client) ServiceVersion() uint32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.serviceVersion
}

// Connected reports whether the service connection is up.
func (c *Client) Connected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.connected
}
