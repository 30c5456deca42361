// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package swap

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/mappum/mercury/coin"
	"github.com/mappum/mercury/mercury"
)

var tLogger = mercury.StandardLogger("TEST", os.Stdout)

// testChain is a shared fake blockchain. Both parties' wallets for a
// currency wrap the same chain, so one party's broadcast is observable by
// the other's watches.
type testChain struct {
	mtx     sync.Mutex
	txs     []*wire.MsgTx
	watches []*testWatch
	broken  bool
}

type testWatch struct {
	pkScript []byte
	found    func(*wire.MsgTx)
	stopped  bool
	fired    bool
}

func (ch *testChain) broadcast(tx *wire.MsgTx) error {
	ch.mtx.Lock()
	if ch.broken {
		ch.mtx.Unlock()
		return fmt.Errorf("chain unavailable")
	}
	ch.txs = append(ch.txs, tx)
	var fire []func(*wire.MsgTx)
	for _, w := range ch.watches {
		if w.stopped || w.fired {
			continue
		}
		if txPays(tx, w.pkScript) {
			w.fired = true
			fire = append(fire, w.found)
		}
	}
	ch.mtx.Unlock()
	// Watch callbacks arrive on their own goroutine, like a notification
	// thread would deliver them.
	for _, f := range fire {
		go f(tx)
	}
	return nil
}

func (ch *testChain) watch(pkScript []byte, found func(*wire.MsgTx)) (stop func()) {
	ch.mtx.Lock()
	w := &testWatch{pkScript: pkScript, found: found}
	ch.watches = append(ch.watches, w)
	var existing *wire.MsgTx
	for _, tx := range ch.txs {
		if txPays(tx, pkScript) {
			existing = tx
			w.fired = true
			break
		}
	}
	ch.mtx.Unlock()
	if existing != nil {
		go found(existing)
	}
	return func() {
		ch.mtx.Lock()
		w.stopped = true
		ch.mtx.Unlock()
	}
}

func (ch *testChain) txCount() int {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	return len(ch.txs)
}

func txPays(tx *wire.MsgTx, pkScript []byte) bool {
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return true
		}
	}
	return false
}

// testWallet is one party's wallet on a testChain.
type testWallet struct {
	id       string
	hashlock bool
	chain    *testChain
	minFee   uint64

	mtx   sync.Mutex
	privs map[string]*btcec.PrivateKey
	// failBroadcast makes Broadcast error without touching the chain.
	failBroadcast bool
}

func newTestWallet(id string, hashlock bool, chain *testChain) *testWallet {
	return &testWallet{
		id:       id,
		hashlock: hashlock,
		chain:    chain,
		minFee:   1000,
		privs:    make(map[string]*btcec.PrivateKey),
	}
}

func (w *testWallet) ID() string                      { return w.id }
func (w *testWallet) SupportsHashlock() bool          { return w.hashlock }
func (w *testWallet) ChainParams() *chaincfg.Params   { return &chaincfg.SimNetParams }
func (w *testWallet) MinFee() uint64                  { return w.minFee }
func (w *testWallet) ConfDepth() uint32               { return 1 }
func (w *testWallet) BestBlockTime() (time.Time, error) { return time.Now(), nil }

func (w *testWallet) FreshKeys(n int) ([]*btcec.PublicKey, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	keys := make([]*btcec.PublicKey, n)
	for i := range keys {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}
		pub := priv.PubKey()
		w.privs[string(pub.SerializeCompressed())] = priv
		keys[i] = pub
	}
	return keys, nil
}

func (w *testWallet) PrivateKey(pub *btcec.PublicKey) (*btcec.PrivateKey, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	priv, ok := w.privs[string(pub.SerializeCompressed())]
	if !ok {
		return nil, fmt.Errorf("unknown key")
	}
	return priv, nil
}

// Complete funds the transaction with a synthetic input. Amounts are not
// checked; the fake chain has no notion of prior outputs.
func (w *testWallet) Complete(tx *wire.MsgTx) error {
	var h chainhash.Hash
	rand.Read(h[:])
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&h, 0), []byte{txFundingMarker}, nil))
	return nil
}

const txFundingMarker = 0x51

func (w *testWallet) Broadcast(tx *wire.MsgTx) error {
	if w.failBroadcast {
		return fmt.Errorf("wallet offline")
	}
	return w.chain.broadcast(tx)
}

func (w *testWallet) WatchScript(pkScript []byte, confs uint32, found func(*wire.MsgTx)) (stop func()) {
	return w.chain.watch(pkScript, found)
}

// testRig is a pair of counterparties sharing two fake chains. Party 0 buys
// coins[0] (and is Alice when coins[0] supports hashlocks).
type testRig struct {
	chains  [2]*testChain
	swaps   [2]*Swap
	protos  [2]*Protocol
	wallets [2][2]coin.Wallet
}

func newTestRig(buyerAlice bool) (*testRig, error) {
	rig := &testRig{
		chains: [2]*testChain{{}, {}},
	}
	// When the buyer should not be Alice, coins[0] does not support
	// hashlocks and roles switch.
	trade := &Trade{
		Buy:        true,
		Coins:      [2]string{"btc", "ltc"},
		Quantities: [2]uint64{1e8, 50e8},
	}
	creation := time.Now()
	for i, buy := range []bool{true, false} {
		t := *trade
		t.Buy = buy
		s, err := New("test-swap", &t, creation, !buyerAlice)
		if err != nil {
			return nil, err
		}
		var wallets [2]coin.Wallet
		for j := range wallets {
			supportsHashlock := true
			if !buyerAlice && j == 0 {
				supportsHashlock = false
			}
			wallets[j] = newTestWallet(t.Coins[j], supportsHashlock, rig.chains[j])
		}
		proto, err := NewProtocol(s, wallets)
		if err != nil {
			return nil, err
		}
		rig.swaps[i] = s
		rig.protos[i] = proto
		rig.wallets[i] = wallets
	}
	return rig, nil
}

// aliceProto returns the protocol instances ordered (alice, bob).
func (rig *testRig) aliceProto() (alice, bob *Protocol) {
	if rig.swaps[0].Alice() {
		return rig.protos[0], rig.protos[1]
	}
	return rig.protos[1], rig.protos[0]
}

// exchangeKeys runs the key generation and exchange for both parties
// directly against the swap records, bypassing the wire.
func (rig *testRig) exchangeKeys() error {
	alice, bob := rig.aliceProto()
	aliceKeys, err := alice.ReceiveWallet(true).FreshKeys(NumKeys)
	if err != nil {
		return err
	}
	bobKeys, err := bob.ReceiveWallet(false).FreshKeys(NumKeys)
	if err != nil {
		return err
	}
	xKeys, err := bob.ReceiveWallet(false).FreshKeys(1)
	if err != nil {
		return err
	}
	x, err := XScript(xKeys[0])
	if err != nil {
		return err
	}
	for _, s := range []*Swap{alice.Swap(), bob.Swap()} {
		if err := s.SetKeys(true, aliceKeys); err != nil {
			return err
		}
		if err := s.SetKeys(false, bobKeys); err != nil {
			return err
		}
	}
	if err := bob.Swap().SetX(x); err != nil {
		return err
	}
	return alice.Swap().SetXHash(bob.Swap().XHash())
}

// exchangeBailins builds both bail-ins and crosses the hashes.
func (rig *testRig) exchangeBailins() error {
	alice, bob := rig.aliceProto()
	aliceBailin, err := alice.CreateBailin(true)
	if err != nil {
		return err
	}
	bobBailin, err := bob.CreateBailin(false)
	if err != nil {
		return err
	}
	aliceHash, bobHash := aliceBailin.TxHash(), bobBailin.TxHash()
	if err := alice.Swap().SetBailinHash(false, &bobHash); err != nil {
		return err
	}
	return bob.Swap().SetBailinHash(true, &aliceHash)
}
