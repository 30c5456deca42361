// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package swap

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/mappum/mercury/mercury"
)

// Trade is one side's immutable description of an exchange: which of the two
// currencies is being acquired, how much of each changes hands, and the
// exchange fee schedule. Coins[0] is the currency the buyer acquires;
// Quantities[i] is denominated in Coins[i]'s base units.
type Trade struct {
	// Buy is true when this party is acquiring Coins[0].
	Buy bool `json:"buy"`
	// Fee is the exchange fee, in base units per 1000 base units traded,
	// rounded up.
	Fee uint64 `json:"fee"`
	// Coins are the two currency identifiers.
	Coins [2]string `json:"coins"`
	// Quantities are the amounts exchanged: Quantities[0] of Coins[0] moves
	// to the buyer, Quantities[1] of Coins[1] moves to the seller.
	Quantities [2]uint64 `json:"quantities"`
}

// Validate checks the trade for internal consistency.
func (t *Trade) Validate() error {
	if t.Coins[0] == "" || t.Coins[1] == "" {
		return fmt.Errorf("trade is missing a coin ID")
	}
	if t.Coins[0] == t.Coins[1] {
		return fmt.Errorf("trade has matching coin IDs %q", t.Coins[0])
	}
	if t.Quantities[0] == 0 || t.Quantities[1] == 0 {
		return fmt.Errorf("trade has a zero quantity")
	}
	return nil
}

// Amount is the quantity of Coins[0] changing hands.
func (t *Trade) Amount() uint64 {
	return t.Quantities[0]
}

// Price is the price of one whole unit of Coins[0], denominated in Coins[1]
// base units. The intermediate product is computed at full width, so large
// quote quantities do not wrap. Saturates at MaxUint64.
func (t *Trade) Price() uint64 {
	hi, lo := bits.Mul64(t.Quantities[1], mercury.UnitsPerCoin)
	if hi >= t.Quantities[0] {
		return math.MaxUint64
	}
	price, _ := bits.Div64(hi, lo, t.Quantities[0])
	return price
}

// FeeAmount is the exchange fee owed on the quantity at index idx: Fee base
// units for each started 1000 base units.
func (t *Trade) FeeAmount(idx int) uint64 {
	blocks := t.Quantities[idx] / 1000
	if t.Quantities[idx]%1000 > 0 {
		blocks++
	}
	return t.Fee * blocks
}
