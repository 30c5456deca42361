// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/mappum/mercury/coin"
	"github.com/mappum/mercury/comms"
	"github.com/mappum/mercury/mercury"
	"github.com/mappum/mercury/swap"
	"github.com/mappum/mercury/swapdb"
)

var tLogger = mercury.StandardLogger("TEST", os.Stdout)

// stubWallet satisfies coin.Wallet for request validation tests. Nothing
// here funds or signs.
type stubWallet struct {
	id  string
	tip time.Time
}

func (w *stubWallet) ID() string                    { return w.id }
func (w *stubWallet) SupportsHashlock() bool        { return true }
func (w *stubWallet) ChainParams() *chaincfg.Params { return &chaincfg.SimNetParams }
func (w *stubWallet) MinFee() uint64                { return 1000 }
func (w *stubWallet) ConfDepth() uint32             { return 1 }
func (w *stubWallet) FreshKeys(n int) ([]*btcec.PublicKey, error) {
	return nil, fmt.Errorf("not implemented")
}
func (w *stubWallet) PrivateKey(*btcec.PublicKey) (*btcec.PrivateKey, error) {
	return nil, fmt.Errorf("not implemented")
}
func (w *stubWallet) Complete(*wire.MsgTx) error  { return fmt.Errorf("not implemented") }
func (w *stubWallet) Broadcast(*wire.MsgTx) error { return fmt.Errorf("not implemented") }
func (w *stubWallet) WatchScript([]byte, uint32, func(*wire.MsgTx)) func() {
	return func() {}
}
func (w *stubWallet) BestBlockTime() (time.Time, error) { return w.tip, nil }

func testClient(t *testing.T) *Client {
	t.Helper()
	swaps, err := swapdb.New(filepath.Join(t.TempDir(), "swaps.db"), tLogger)
	if err != nil {
		t.Fatalf("swapdb error: %v", err)
	}
	tip := time.Now()
	c, err := New(&Config{
		Host: "localhost:17250",
		Fee:  5,
		Wallets: map[string]coin.Wallet{
			"btc": &stubWallet{id: "btc", tip: tip},
			"ltc": &stubWallet{id: "ltc", tip: tip},
		},
		Swaps:  swaps,
		Logger: tLogger,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return c
}

func testOrder(id uint64, bid bool, price, amount uint64) *Order {
	return &Order{
		ID:         id,
		Bid:        bid,
		Price:      price,
		Amount:     amount,
		Currencies: [2]string{"btc", "ltc"},
	}
}

// fillTrade builds the trade side of a fill at the given price.
func fillTrade(buy bool, amount, price uint64) *swap.Trade {
	return &swap.Trade{
		Buy:        buy,
		Fee:        5,
		Coins:      [2]string{"btc", "ltc"},
		Quantities: [2]uint64{amount, Total(price, amount)},
	}
}

func TestNewValidation(t *testing.T) {
	swaps, err := swapdb.New(filepath.Join(t.TempDir(), "swaps.db"), tLogger)
	if err != nil {
		t.Fatalf("swapdb error: %v", err)
	}
	wallets := map[string]coin.Wallet{
		"btc": &stubWallet{id: "btc"},
		"ltc": &stubWallet{id: "ltc"},
	}
	if _, err := New(&Config{Wallets: wallets, Swaps: swaps, Logger: tLogger}); err == nil {
		t.Fatalf("no error for missing host")
	}
	cfg := &Config{Host: "h:1", Wallets: map[string]coin.Wallet{"btc": wallets["btc"]}, Swaps: swaps, Logger: tLogger}
	if _, err := New(cfg); err == nil {
		t.Fatalf("no error for a single wallet")
	}
	if _, err := New(&Config{Host: "h:1", Wallets: wallets, Logger: tLogger}); err == nil {
		t.Fatalf("no error for nil swap collection")
	}
}

func TestAcceptOrder(t *testing.T) {
	c := testClient(t)
	request := fillTrade(true, 5e8, 2e8)

	if err := c.acceptOrder(request, testOrder(7, true, 2e8, 5e8)); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}
	if len(c.Orders()) != 1 {
		t.Fatalf("accepted order not tracked")
	}

	for name, order := range map[string]*Order{
		"amount exceeds requested": testOrder(8, true, 2e8, 6e8),
		"wrong price":              testOrder(9, true, 3e8, 5e8),
		"wrong side":               testOrder(10, false, 2e8, 5e8),
		"zero amount":              testOrder(11, true, 2e8, 0),
	} {
		if err := c.acceptOrder(request, order); !errors.Is(err, ErrViolation) {
			t.Fatalf("%s: error = %v, want ErrViolation", name, err)
		}
	}
}

func TestVerifySwap(t *testing.T) {
	c := testClient(t)
	now := time.Now().Unix()

	buyReq := fillTrade(true, 5e8, 2e8)
	sellReq := fillTrade(false, 5e8, 2e8)

	tests := []struct {
		name string
		req  *swap.Trade
		desc *swapDescriptor
		ok   bool
	}{
		{"exact match", buyReq,
			&swapDescriptor{ID: "s", Trade: fillTrade(true, 2e8, 2e8), Time: now}, true},
		{"buyer at better price", buyReq,
			&swapDescriptor{ID: "s", Trade: fillTrade(true, 2e8, 15e7), Time: now}, true},
		{"buyer at worse price", buyReq,
			&swapDescriptor{ID: "s", Trade: fillTrade(true, 2e8, 25e7), Time: now}, false},
		{"seller at better price", sellReq,
			&swapDescriptor{ID: "s", Trade: fillTrade(false, 2e8, 25e7), Time: now}, true},
		{"seller at worse price", sellReq,
			&swapDescriptor{ID: "s", Trade: fillTrade(false, 2e8, 15e7), Time: now}, false},
		{"wrong side", buyReq,
			&swapDescriptor{ID: "s", Trade: fillTrade(false, 2e8, 2e8), Time: now}, false},
		{"missing id", buyReq,
			&swapDescriptor{Trade: fillTrade(true, 2e8, 2e8), Time: now}, false},
		{"stale timestamp", buyReq,
			&swapDescriptor{ID: "s", Trade: fillTrade(true, 2e8, 2e8),
				Time: now - int64(timeEpsilon/time.Second) - 1}, false},
		{"future timestamp", buyReq,
			&swapDescriptor{ID: "s", Trade: fillTrade(true, 2e8, 2e8),
				Time: now + int64(timeEpsilon/time.Second) + 1}, false},
	}
	for _, test := range tests {
		err := c.verifySwap(test.req, test.desc)
		if test.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", test.name, err)
		}
		if !test.ok && !errors.Is(err, ErrViolation) {
			t.Fatalf("%s: error = %v, want ErrViolation", test.name, err)
		}
	}

	wrongFee := fillTrade(true, 2e8, 2e8)
	wrongFee.Fee = 50
	err := c.verifySwap(buyReq, &swapDescriptor{ID: "s", Trade: wrongFee, Time: now})
	if !errors.Is(err, ErrViolation) {
		t.Fatalf("wrong fee: error = %v, want ErrViolation", err)
	}
}

func TestApplyFill(t *testing.T) {
	newOrders := func(c *Client) {
		c.mtx.Lock()
		c.orders = map[uint64]*Order{
			1: testOrder(1, true, 2e8, 5e8),
			2: testOrder(2, true, 2e8, 3e8),
		}
		c.mtx.Unlock()
	}
	c := testClient(t)

	// A fill across both orders, the final one partial.
	newOrders(c)
	if err := c.applyFill(fillTrade(true, 6e8, 2e8), []uint64{1, 2}); err != nil {
		t.Fatalf("valid fill rejected: %v", err)
	}
	c.mtx.Lock()
	if c.orders[1] != nil {
		t.Fatalf("fully filled order not removed")
	}
	if c.orders[2] == nil || c.orders[2].Amount != 2e8 {
		t.Fatalf("partial fill not applied: %+v", c.orders[2])
	}
	c.mtx.Unlock()

	violations := []struct {
		name   string
		trade  *swap.Trade
		orders []uint64
	}{
		{"unknown order", fillTrade(true, 1e8, 2e8), []uint64{99}},
		{"partial non-final", fillTrade(true, 4e8, 2e8), []uint64{1, 2}},
		{"wrong side", fillTrade(false, 1e8, 2e8), []uint64{1}},
		{"value mismatch", fillTrade(true, 5e8, 1e8), []uint64{1}},
		{"excess amount", fillTrade(true, 9e8, 2e8), []uint64{1, 2}},
	}
	for _, test := range violations {
		newOrders(c)
		if err := c.applyFill(test.trade, test.orders); !errors.Is(err, ErrViolation) {
			t.Fatalf("%s: error = %v, want ErrViolation", test.name, err)
		}
		// A rejected fill leaves the orders untouched.
		c.mtx.Lock()
		if c.orders[1] == nil || c.orders[1].Amount != 5e8 {
			t.Fatalf("%s: rejected fill mutated orders", test.name)
		}
		c.mtx.Unlock()
	}
}

func TestResumeSwaps(t *testing.T) {
	c := testClient(t)
	p0, p1 := net.Pipe()
	connA, connB := comms.NewConn(p0, tLogger), comms.NewConn(p1, tLogger)
	connA.Start()
	connB.Start()
	t.Cleanup(func() {
		connA.Close()
		connB.Close()
	})

	add := func(id string, trade *swap.Trade) {
		s, err := swap.New(id, trade, time.Now(), false)
		if err != nil {
			t.Fatalf("swap.New error: %v", err)
		}
		if err := c.cfg.Swaps.Add(s); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}
	add("resumable", fillTrade(true, 5e8, 2e8))
	// No doge wallet is configured, so this launch fails.
	add("orphan", &swap.Trade{
		Buy:        true,
		Fee:        5,
		Coins:      [2]string{"btc", "doge"},
		Quantities: [2]uint64{1e8, 1e8},
	})

	c.resumeSwaps(connA)
	c.mtx.Lock()
	resumed, orphaned := c.running["resumable"], c.running["orphan"]
	c.mtx.Unlock()
	if !resumed {
		t.Fatalf("resumable swap not marked running")
	}
	if orphaned {
		t.Fatalf("failed launch left the swap marked running")
	}

	// The failed swap stays eligible on the next reconnect; the running one
	// is left alone.
	c.resumeSwaps(connA)
	c.mtx.Lock()
	resumed = c.running["resumable"]
	c.mtx.Unlock()
	if !resumed {
		t.Fatalf("running swap dropped on reconnect")
	}
}

func TestOnDepth(t *testing.T) {
	c := testClient(t)
	depthMsg := func(typ string, orders []*Order) *comms.Message {
		msg, err := comms.NewMessage(DepthChannel, "depth", &struct {
			Type   string   `json:"type"`
			Pair   string   `json:"pair"`
			Orders []*Order `json:"orders"`
		}{typ, "btc/ltc", orders})
		if err != nil {
			t.Fatalf("NewMessage error: %v", err)
		}
		return msg
	}

	adds := []*Order{
		testOrder(0, true, 2e8, 5e8),
		testOrder(0, true, 3e8, 1e8),
		testOrder(0, false, 4e8, 2e8),
	}
	if err := c.onDepth(depthMsg("add", adds)); err != nil {
		t.Fatalf("onDepth error: %v", err)
	}
	book := c.Book("btc/ltc")
	if book == nil {
		t.Fatalf("no book after depth message")
	}
	bids, asks := book.Depth(10)
	if len(bids) != 2 || len(asks) != 1 || bids[0].Price != 3e8 {
		t.Fatalf("book state wrong: bids %+v asks %+v", bids, asks)
	}

	if err := c.onDepth(depthMsg("remove", adds[1:2])); err != nil {
		t.Fatalf("onDepth error: %v", err)
	}
	bids, _ = book.Depth(10)
	if len(bids) != 1 || bids[0].Price != 2e8 {
		t.Fatalf("removal not applied: %+v", bids)
	}
}

func TestOnTicker(t *testing.T) {
	c := testClient(t)
	tickerMsg := func(data *Ticker) *comms.Message {
		msg, err := comms.NewMessage(TickerChannel, "ticker", &struct {
			Pair string  `json:"pair"`
			Data *Ticker `json:"data"`
		}{"btc/ltc", data})
		if err != nil {
			t.Fatalf("NewMessage error: %v", err)
		}
		return msg
	}

	first := &Ticker{
		Last:    2e8,
		BestBid: 19e7,
		BestAsk: 21e7,
		History: []HistoryPeriod{{Start: 1e8, End: 2e8, Volume: [2]uint64{10, 20}, Trades: 4}},
	}
	if err := c.onTicker(tickerMsg(first)); err != nil {
		t.Fatalf("onTicker error: %v", err)
	}
	got := c.Ticker("btc/ltc")
	if got == nil || got.Last != 2e8 || len(got.History) != 1 {
		t.Fatalf("ticker not stored: %+v", got)
	}

	// A history-less update carries the previous history forward with the
	// final period's end price refreshed.
	if err := c.onTicker(tickerMsg(&Ticker{Last: 3e8, BestBid: 29e7, BestAsk: 31e7})); err != nil {
		t.Fatalf("onTicker error: %v", err)
	}
	got = c.Ticker("btc/ltc")
	if len(got.History) != 1 || got.History[0].End != 3e8 {
		t.Fatalf("history not carried forward: %+v", got)
	}
	if got.Change() != 2e8*100 {
		t.Fatalf("Change() = %d", got.Change())
	}
}

func TestHistoryPeriodJSON(t *testing.T) {
	period := HistoryPeriod{Start: 1, End: 2, Volume: [2]uint64{3, 4}, Trades: 5}
	b, err := period.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON error: %v", err)
	}
	if string(b) != "[1,2,3,4,5]" {
		t.Fatalf("wire form %s", b)
	}
	var decoded HistoryPeriod
	if err := decoded.UnmarshalJSON(b); err != nil {
		t.Fatalf("UnmarshalJSON error: %v", err)
	}
	if decoded != period {
		t.Fatalf("round trip lost fields: %+v", decoded)
	}
	if err := decoded.UnmarshalJSON([]byte("[1,2,3]")); err == nil {
		t.Fatalf("no error for short period array")
	}
}
