// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package swap implements the atomic cross-chain swap engine: the per-swap
// state record, the two-party protocol that drives it, and the transaction
// construction for the escrow, payout and refund legs.
package swap

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Step is a swap's position in the protocol.
type Step uint8

// The steps, in happy-path order. The refund branch is reachable from any
// pre-Complete step.
const (
	Starting Step = iota
	ExchangingKeys
	ExchangingBailinHashes
	ExchangingSignatures
	WaitingForBailin
	WaitingForPayout
	Complete
	WaitingForRefund
	Canceled
)

// String satisfies fmt.Stringer for logging.
func (s Step) String() string {
	switch s {
	case Starting:
		return "starting"
	case ExchangingKeys:
		return "exchanging keys"
	case ExchangingBailinHashes:
		return "exchanging bail-in hashes"
	case ExchangingSignatures:
		return "exchanging signatures"
	case WaitingForBailin:
		return "waiting for bail-in"
	case WaitingForPayout:
		return "waiting for payout"
	case Complete:
		return "complete"
	case WaitingForRefund:
		return "waiting for refund"
	case Canceled:
		return "canceled"
	}
	return "unknown step"
}

// SettingUp is whether no funds have been committed yet at this step, so the
// swap can be abandoned without broadcasting anything.
func (s Step) SettingUp() bool {
	return s <= ExchangingSignatures
}

// Terminal is whether the step is final.
func (s Step) Terminal() bool {
	return s == Complete || s == Canceled
}

// Indexes into a party's key set.
const (
	// KeyMultisig signs the 2-of-2 escrow.
	KeyMultisig = 0
	// KeyPayout is the payout/refund destination.
	KeyPayout = 1
	// KeyHashlock signs the hash-locked branch of Bob's bail-in.
	KeyHashlock = 2
	// NumKeys is the number of keys each party contributes.
	NumKeys = 3
)

// Refund timing. Bob's refund period is exactly double Alice's so that Alice,
// who commits her bail-in second, can always reclaim first. The margin delays
// the automatic broadcast past the nominal unlock to survive clock skew.
var (
	aliceRefundPeriod     = 12 * time.Hour
	refundBroadcastMargin = 10 * time.Minute
)

type stepListener struct {
	f func(Step, *Swap)
	// run decouples notification from the lock holder. A nil run dispatches
	// on a fresh goroutine.
	run func(func())
}

// Swap is the shared, lockable record of one swap's negotiated parameters
// and progress. All cryptographic material is set-once: hashes, keys and
// signatures are immutable after first write. Party-indexed arrays use
// index 0 for Alice and 1 for Bob.
type Swap struct {
	// ID is the service-assigned swap identifier.
	ID string
	// Trade is this party's view of the exchange.
	Trade *Trade
	// CreationTime anchors the refund locktimes. It is the service-reported
	// match time, not the wall clock at use time.
	CreationTime time.Time
	// Switched records that roles were swapped because Coins[0] does not
	// support hash-locked scripts.
	Switched bool

	mtx          sync.Mutex
	step         Step
	keys         [2][]*btcec.PublicKey
	x            []byte
	xHash        []byte
	bailinHashes [2]*chainhash.Hash
	bailinTxs    [2]*wire.MsgTx
	payoutHashes [2]*chainhash.Hash
	refundHashes [2]*chainhash.Hash
	// payoutSigs and refundSigs hold the escrow-input signature for the
	// [txOwner][signer] pair. hashlockSigs hold the signature for the second
	// payout input, indexed by the transaction's owner.
	payoutSigs   [2][2][]byte
	refundSigs   [2][2][]byte
	hashlockSigs [2][]byte
	listeners    []*stepListener
}

// New creates a Swap for the trade. creationTime is truncated to seconds,
// matching the wire encoding.
func New(id string, trade *Trade, creationTime time.Time, switched bool) (*Swap, error) {
	if id == "" {
		return nil, fmt.Errorf("empty swap ID")
	}
	if trade == nil {
		return nil, fmt.Errorf("nil trade")
	}
	if err := trade.Validate(); err != nil {
		return nil, err
	}
	return &Swap{
		ID:           id,
		Trade:        trade,
		CreationTime: creationTime.Truncate(time.Second),
		Switched:     switched,
	}, nil
}

// Alice is whether this party holds the Alice role: the buyer, unless roles
// were switched for hash-lock support.
func (s *Swap) Alice() bool {
	return s.Trade.Buy != s.Switched
}

// ChainIndex is the index into Trade.Coins of the chain the identified role
// broadcasts its bail-in on, i.e. the chain of the currency that role is
// handing over. Bob's chain is the hash-lock-supporting one: Coins[0] unless
// switched.
func (s *Swap) ChainIndex(alice bool) int {
	bobChain := 0
	if s.Switched {
		bobChain = 1
	}
	if alice {
		return bobChain ^ 1
	}
	return bobChain
}

// roleIdx maps the role to its party index.
func roleIdx(alice bool) int {
	if alice {
		return 0
	}
	return 1
}

// Step returns the current step.
func (s *Swap) Step() Step {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.step
}

// SetStep advances the step and notifies listeners. Writing the current
// value again is a no-op and fires nothing. Notification is dispatched via
// each listener's own executor, never under the swap's lock, so listeners
// may call back into the Swap.
func (s *Swap) SetStep(step Step) {
	s.mtx.Lock()
	if s.step == step {
		s.mtx.Unlock()
		return
	}
	s.step = step
	listeners := make([]*stepListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mtx.Unlock()

	for _, l := range listeners {
		f := l.f
		call := func() { f(step, s) }
		if l.run != nil {
			l.run(call)
		} else {
			go call()
		}
	}
}

// AddStepListener registers a listener for step changes. run, when non-nil,
// is the executor notifications for this listener are dispatched through;
// a nil run dispatches each notification on its own goroutine.
func (s *Swap) AddStepListener(f func(Step, *Swap), run func(func())) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.listeners = append(s.listeners, &stepListener{f: f, run: run})
}

// Keys returns the identified party's public keys, or nil if unset.
func (s *Swap) Keys(alice bool) []*btcec.PublicKey {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.keys[roleIdx(alice)]
}

// SetKeys sets the identified party's public keys, exactly once.
func (s *Swap) SetKeys(alice bool, keys []*btcec.PublicKey) error {
	if len(keys) != NumKeys {
		return fmt.Errorf("expected %d keys, got %d", NumKeys, len(keys))
	}
	for i, key := range keys {
		if key == nil {
			return fmt.Errorf("nil key at index %d", i)
		}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i := roleIdx(alice)
	if s.keys[i] != nil {
		return fmt.Errorf("keys already set for %s", roleName(alice))
	}
	s.keys[i] = keys
	return nil
}

// XHash returns the hash commitment for the preimage, or nil.
func (s *Swap) XHash() []byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.xHash
}

// SetXHash stores Bob's hash commitment, exactly once, and only before the
// preimage itself is known.
func (s *Swap) SetXHash(h []byte) error {
	if len(h) != 20 {
		return fmt.Errorf("bad xHash length %d", len(h))
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.x != nil {
		return fmt.Errorf("xHash cannot be set after x")
	}
	if s.xHash != nil {
		return fmt.Errorf("xHash already set")
	}
	s.xHash = h
	return nil
}

// X returns the revealed preimage, or nil.
func (s *Swap) X() []byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.x
}

// SetX stores the preimage, exactly once. When a commitment is already
// present the preimage must hash to it; when it is not, the commitment is
// derived from the preimage.
func (s *Swap) SetX(x []byte) error {
	if len(x) == 0 {
		return fmt.Errorf("empty preimage")
	}
	h := btcutil.Hash160(x)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.x != nil {
		return fmt.Errorf("x already set")
	}
	if s.xHash != nil && !bytes.Equal(s.xHash, h) {
		return fmt.Errorf("preimage does not hash to the committed xHash")
	}
	s.x = x
	if s.xHash == nil {
		s.xHash = h
	}
	return nil
}

// BailinHash returns the announced or observed hash of the identified
// party's bail-in, or nil.
func (s *Swap) BailinHash(alice bool) *chainhash.Hash {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bailinHashes[roleIdx(alice)]
}

// SetBailinHash stores the announced bail-in hash, exactly once.
func (s *Swap) SetBailinHash(alice bool, h *chainhash.Hash) error {
	if h == nil {
		return fmt.Errorf("nil bail-in hash")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i := roleIdx(alice)
	if s.bailinHashes[i] != nil {
		return fmt.Errorf("bail-in hash already set for %s", roleName(alice))
	}
	s.bailinHashes[i] = h
	return nil
}

// BailinTx returns the identified party's full bail-in transaction, if
// known. Only this party's own bail-in and an observed counterparty bail-in
// are ever held.
func (s *Swap) BailinTx(alice bool) *wire.MsgTx {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bailinTxs[roleIdx(alice)]
}

// SetBailinTx stores the party's bail-in transaction, exactly once. If the
// hash was previously announced and the transaction's hash differs, an error
// is returned; the counterparty may have mutated the transaction, and the
// exchanged signatures no longer apply.
func (s *Swap) SetBailinTx(alice bool, tx *wire.MsgTx) error {
	if tx == nil {
		return fmt.Errorf("nil bail-in tx")
	}
	h := tx.TxHash()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i := roleIdx(alice)
	if s.bailinTxs[i] != nil {
		return fmt.Errorf("bail-in tx already set for %s", roleName(alice))
	}
	s.bailinTxs[i] = tx
	if s.bailinHashes[i] == nil {
		s.bailinHashes[i] = &h
		return nil
	}
	if *s.bailinHashes[i] != h {
		return fmt.Errorf("bail-in tx hash %s does not match announced hash %s",
			h, s.bailinHashes[i])
	}
	return nil
}

// PayoutHash returns the hash of the identified party's payout, or nil.
func (s *Swap) PayoutHash(alice bool) *chainhash.Hash {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.payoutHashes[roleIdx(alice)]
}

// SetPayoutHash records the hash of the party's payout, exactly once.
func (s *Swap) SetPayoutHash(alice bool, h *chainhash.Hash) error {
	if h == nil {
		return fmt.Errorf("nil payout hash")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i := roleIdx(alice)
	if s.payoutHashes[i] != nil {
		return fmt.Errorf("payout hash already set for %s", roleName(alice))
	}
	s.payoutHashes[i] = h
	return nil
}

// RefundHash returns the hash of the identified party's refund, or nil.
func (s *Swap) RefundHash(alice bool) *chainhash.Hash {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.refundHashes[roleIdx(alice)]
}

// SetRefundHash records the hash of the party's refund, exactly once.
func (s *Swap) SetRefundHash(alice bool, h *chainhash.Hash) error {
	if h == nil {
		return fmt.Errorf("nil refund hash")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i := roleIdx(alice)
	if s.refundHashes[i] != nil {
		return fmt.Errorf("refund hash already set for %s", roleName(alice))
	}
	s.refundHashes[i] = h
	return nil
}

// PayoutSig returns the signer's signature over the escrow input of the
// identified party's payout, or nil.
func (s *Swap) PayoutSig(txAlice, signerAlice bool) []byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.payoutSigs[roleIdx(txAlice)][roleIdx(signerAlice)]
}

// SetPayoutSig stores the signature, exactly once.
func (s *Swap) SetPayoutSig(txAlice, signerAlice bool, sig []byte) error {
	if len(sig) == 0 {
		return fmt.Errorf("empty payout signature")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, g := roleIdx(txAlice), roleIdx(signerAlice)
	if s.payoutSigs[t][g] != nil {
		return fmt.Errorf("payout signature already set")
	}
	s.payoutSigs[t][g] = sig
	return nil
}

// RefundSig returns the signer's signature over the escrow input of the
// identified party's refund, or nil.
func (s *Swap) RefundSig(txAlice, signerAlice bool) []byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.refundSigs[roleIdx(txAlice)][roleIdx(signerAlice)]
}

// SetRefundSig stores the signature, exactly once.
func (s *Swap) SetRefundSig(txAlice, signerAlice bool, sig []byte) error {
	if len(sig) == 0 {
		return fmt.Errorf("empty refund signature")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, g := roleIdx(txAlice), roleIdx(signerAlice)
	if s.refundSigs[t][g] != nil {
		return fmt.Errorf("refund signature already set")
	}
	s.refundSigs[t][g] = sig
	return nil
}

// HashlockSig returns the signature for the hash-locked input of the
// identified party's payout, or nil.
func (s *Swap) HashlockSig(txAlice bool) []byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.hashlockSigs[roleIdx(txAlice)]
}

// SetHashlockSig stores the signature, exactly once.
func (s *Swap) SetHashlockSig(txAlice bool, sig []byte) error {
	if len(sig) == 0 {
		return fmt.Errorf("empty hashlock signature")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i := roleIdx(txAlice)
	if s.hashlockSigs[i] != nil {
		return fmt.Errorf("hashlock signature already set")
	}
	s.hashlockSigs[i] = sig
	return nil
}

// RefundPeriod is how long after creation the role's refund unlocks. Bob's
// period is exactly double Alice's.
func (s *Swap) RefundPeriod(alice bool) time.Duration {
	if alice {
		return aliceRefundPeriod
	}
	return 2 * aliceRefundPeriod
}

// Locktime is the absolute time at which the role's refund becomes valid.
func (s *Swap) Locktime(alice bool) time.Time {
	return s.CreationTime.Add(s.RefundPeriod(alice))
}

// TimeUntilRefund is how long until the role's refund should be broadcast,
// including the safety margin past the nominal unlock time. It may be
// negative.
func (s *Swap) TimeUntilRefund(alice bool) time.Duration {
	return time.Until(s.Locktime(alice).Add(refundBroadcastMargin))
}

// MultisigRedeem builds the 2-of-2 escrow redeem script from both parties'
// exchanged multisig keys. Both parties produce identical bytes.
func (s *Swap) MultisigRedeem() ([]byte, error) {
	aliceKeys, bobKeys := s.Keys(true), s.Keys(false)
	if aliceKeys == nil || bobKeys == nil {
		return nil, fmt.Errorf("keys not exchanged")
	}
	return MultisigRedeem(aliceKeys[KeyMultisig], bobKeys[KeyMultisig])
}

// EscrowScript is the P2SH output script of the escrow, identical in both
// parties' bail-ins.
func (s *Swap) EscrowScript() ([]byte, error) {
	redeem, err := s.MultisigRedeem()
	if err != nil {
		return nil, err
	}
	return P2SHScript(redeem)
}

// HashlockRedeem builds the redeem script for the hash-locked output of
// Bob's bail-in.
func (s *Swap) HashlockRedeem() ([]byte, error) {
	aliceKeys := s.Keys(true)
	if aliceKeys == nil {
		return nil, fmt.Errorf("alice keys not set")
	}
	xHash := s.XHash()
	if xHash == nil {
		return nil, fmt.Errorf("xHash not set")
	}
	return HashlockRedeem(xHash, aliceKeys[KeyHashlock])
}

// PayoutScript is the destination script for the role's payout and refund.
func (s *Swap) PayoutScript(alice bool) ([]byte, error) {
	keys := s.Keys(alice)
	if keys == nil {
		return nil, fmt.Errorf("%s keys not set", roleName(alice))
	}
	return P2PKHScript(keys[KeyPayout])
}

func roleName(alice bool) string {
	if alice {
		return "alice"
	}
	return "bob"
}
