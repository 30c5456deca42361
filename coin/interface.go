// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package coin defines the boundary between the swap engine and per-currency
// wallet/chain backends. Key generation, balance tracking and block download
// live behind the Wallet interface; the swap engine only ever asks for fresh
// keys, private keys for known public keys, transaction funding/signing/
// broadcast, and output-script watching at a confirmation depth.
package coin

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Wallet is the per-currency collaborator surface required by the swap
// engine and the trade client.
type Wallet interface {
	// ID is the lower-case currency identifier, e.g. "btc".
	ID() string
	// SupportsHashlock is whether the chain's script rules allow the
	// hash-locked outputs used on the Alice side of a swap.
	SupportsHashlock() bool
	// ChainParams returns the chain's parameters for address encoding.
	ChainParams() *chaincfg.Params
	// MinFee is the minimum viable network fee, in base units, for a
	// one-input one-output transaction.
	MinFee() uint64
	// ConfDepth is the configured confirmation depth at which a
	// counterparty's bail-in is considered committed. Always > 0.
	ConfDepth() uint32
	// FreshKeys generates n new receive keys.
	FreshKeys(n int) ([]*btcec.PublicKey, error)
	// PrivateKey looks up the private key for a known public key.
	PrivateKey(pub *btcec.PublicKey) (*btcec.PrivateKey, error)
	// Complete funds the transaction's outputs, adding inputs and change and
	// signing anything the wallet owns. The caller's outputs keep their
	// positions.
	Complete(tx *wire.MsgTx) error
	// Broadcast sends the transaction to the network.
	Broadcast(tx *wire.MsgTx) error
	// WatchScript watches for a transaction paying to pkScript, calling
	// found once the transaction has confs confirmations. The returned stop
	// function detaches the watch.
	WatchScript(pkScript []byte, confs uint32, found func(*wire.MsgTx)) (stop func())
	// BestBlockTime is the timestamp of the chain tip, used instead of the
	// system clock when validating swap timestamps.
	BestBlockTime() (time.Time, error)
}
