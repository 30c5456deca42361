// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"sync"
)

// Book is one currency pair's order book, maintained from the service's
// depth snapshots and deltas. Entries at the same price level are merged by
// summing amounts; bids are kept best-first (descending price), asks
// ascending.
type Book struct {
	mtx  sync.RWMutex
	bids []*Order
	asks []*Order
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{}
}

// Add merges the order into its side of the book.
func (b *Book) Add(order *Order) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	side, i, match := b.find(order.Bid, order.Price)
	if match {
		(*side)[i].Amount += order.Amount
		return
	}
	o := *order
	*side = append(*side, nil)
	copy((*side)[i+1:], (*side)[i:])
	(*side)[i] = &o
}

// Remove subtracts the order's amount from its price level, dropping the
// level when nothing remains. Removing from an absent level is a no-op; the
// book may have been cleared by a reconnect between deltas.
func (b *Book) Remove(order *Order) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	side, i, match := b.find(order.Bid, order.Price)
	if !match {
		return
	}
	level := (*side)[i]
	if level.Amount <= order.Amount {
		*side = append((*side)[:i], (*side)[i+1:]...)
		return
	}
	level.Amount -= order.Amount
}

// find locates the insertion index for a price on the given side, reporting
// whether an entry at exactly that price exists there.
func (b *Book) find(bid bool, price uint64) (side *[]*Order, idx int, match bool) {
	side = &b.asks
	if bid {
		side = &b.bids
	}
	for i, order := range *side {
		if order.Price == price {
			return side, i, true
		}
		if bid && order.Price < price || !bid && order.Price > price {
			return side, i, false
		}
	}
	return side, len(*side), false
}

// Depth returns copies of up to n entries from the top of each side.
func (b *Book) Depth(n int) (bids, asks []*Order) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return copySide(b.bids, n), copySide(b.asks, n)
}

func copySide(side []*Order, n int) []*Order {
	if n > len(side) {
		n = len(side)
	}
	out := make([]*Order, n)
	for i := 0; i < n; i++ {
		o := *side[i]
		out[i] = &o
	}
	return out
}
