// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package swap

import (
	"fmt"

	"github.com/mappum/mercury/mercury"
)

// Version is the swap protocol version spoken by this implementation.
const Version = 0

// Per-swap channel methods, in protocol order.
const (
	// VersionMethod opens the exchange and carries the protocol version.
	VersionMethod = "version"
	// KeysMethod carries a party's public keys and, from Bob, the hash
	// commitment for the preimage.
	KeysMethod = "keys.request"
	// BailinHashMethod announces the hash of the sender's bail-in.
	BailinHashMethod = "bail_in_hash.request"
	// SignaturesMethod carries the sender's signatures: over the receiver's
	// payout and refund, and over the sender's own.
	SignaturesMethod = "exchange.signatures"
	// CancelMethod aborts a swap that is still setting up.
	CancelMethod = "cancel.transaction"
)

// ChannelName is the name of the per-swap channel a party with the given
// role listens on. Each party sends on the other's channel.
func ChannelName(swapID string, alice bool) string {
	return fmt.Sprintf("swap:%s:%s", swapID, roleName(alice))
}

// versionPayload is the payload of a VersionMethod message.
type versionPayload struct {
	Version uint32 `json:"version"`
}

// keysPayload is the payload of a KeysMethod message. X is the Hash160
// commitment for the preimage, present only when Bob is the sender.
type keysPayload struct {
	Keys []mercury.Bytes `json:"keys"`
	X    mercury.Bytes   `json:"x,omitempty"`
}

// bailinHashPayload is the payload of a BailinHashMethod message.
type bailinHashPayload struct {
	Hash mercury.Bytes `json:"hash"`
}

// signaturesPayload is the payload of a SignaturesMethod message. Payout and
// Refund are the sender's escrow-input signatures over the receiver's payout
// and refund transactions. MyPayout holds the sender's signatures over its
// own payout: the escrow-input signature and the hashlock-input signature.
// MyRefund is the sender's escrow-input signature over its own refund. All
// signatures are DER-encoded with the hash type appended.
type signaturesPayload struct {
	Payout   mercury.Bytes    `json:"payout"`
	Refund   mercury.Bytes    `json:"refund"`
	MyPayout [2]mercury.Bytes `json:"myPayout"`
	MyRefund mercury.Bytes    `json:"myRefund"`
}
