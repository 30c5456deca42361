// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package market implements the client side of the order-matching service:
// order submission and tracking, order book and ticker maintenance, and the
// hand-off of matched trades to the swap engine. The matching service is
// centralized but never holds funds; every match settles through the atomic
// swap protocol.
package market

import (
	"fmt"
	"strings"

	"github.com/mappum/mercury/mercury"
	"github.com/mappum/mercury/swap"
)

// Order is one open order, ours or an aggregated order-book entry. Amounts
// are denominated in Currencies[0] base units, prices in Currencies[1] base
// units per whole unit of Currencies[0].
type Order struct {
	ID         uint64    `json:"id"`
	Bid        bool      `json:"bid"`
	Amount     uint64    `json:"amount"`
	Price      uint64    `json:"price"`
	Currencies [2]string `json:"currencies"`
}

// Validate checks the order's fields.
func (o *Order) Validate() error {
	if o.Currencies[0] == "" || o.Currencies[1] == "" {
		return fmt.Errorf("order is missing a currency ID")
	}
	if o.Amount == 0 {
		return fmt.Errorf("order has zero amount")
	}
	if o.Price == 0 {
		return fmt.Errorf("order has zero price")
	}
	return nil
}

// Total is the Currencies[1] value of the order: amount times price.
func (o *Order) Total() uint64 {
	return Total(o.Price, o.Amount)
}

// Total converts an amount at a price into the quote-currency value.
func Total(price, amount uint64) uint64 {
	return price * amount / mercury.UnitsPerCoin
}

// Trade converts an open order back into the trade request that would
// reopen it, used to resubmit orders after the service forgets them across
// a disconnect.
func (o *Order) Trade(fee uint64) *swap.Trade {
	return &swap.Trade{
		Buy:        o.Bid,
		Fee:        fee,
		Coins:      o.Currencies,
		Quantities: [2]uint64{o.Amount, o.Total()},
	}
}

// PairID is the order book key for a currency pair, e.g. "btc/ltc".
func PairID(currencies [2]string) string {
	return strings.ToLower(currencies[0]) + "/" + strings.ToLower(currencies[1])
}
