// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"testing"
)

func bookOrder(bid bool, price, amount uint64) *Order {
	return &Order{
		ID:         1,
		Bid:        bid,
		Price:      price,
		Amount:     amount,
		Currencies: [2]string{"btc", "ltc"},
	}
}

func prices(side []*Order) []uint64 {
	out := make([]uint64, len(side))
	for i, o := range side {
		out[i] = o.Price
	}
	return out
}

func TestBookOrdering(t *testing.T) {
	b := NewBook()
	for _, price := range []uint64{100, 300, 200} {
		b.Add(bookOrder(true, price, 10))
		b.Add(bookOrder(false, price, 10))
	}
	bids, asks := b.Depth(10)
	for i, want := range []uint64{300, 200, 100} {
		if bids[i].Price != want {
			t.Fatalf("bid prices %v, want best-first", prices(bids))
		}
	}
	for i, want := range []uint64{100, 200, 300} {
		if asks[i].Price != want {
			t.Fatalf("ask prices %v, want best-first", prices(asks))
		}
	}
}

func TestBookLevelMerge(t *testing.T) {
	b := NewBook()
	b.Add(bookOrder(true, 200, 10))
	b.Add(bookOrder(true, 200, 15))
	bids, _ := b.Depth(10)
	if len(bids) != 1 || bids[0].Amount != 25 {
		t.Fatalf("levels not merged: %+v", bids)
	}
}

func TestBookRemove(t *testing.T) {
	b := NewBook()
	b.Add(bookOrder(false, 200, 10))
	b.Add(bookOrder(false, 300, 10))

	// Partial removal reduces the level.
	b.Remove(bookOrder(false, 200, 4))
	_, asks := b.Depth(10)
	if len(asks) != 2 || asks[0].Amount != 6 {
		t.Fatalf("partial removal wrong: %+v", asks)
	}
	// Removing the rest drops the level.
	b.Remove(bookOrder(false, 200, 6))
	_, asks = b.Depth(10)
	if len(asks) != 1 || asks[0].Price != 300 {
		t.Fatalf("level not dropped: %+v", asks)
	}
	// An absent level is a no-op.
	b.Remove(bookOrder(false, 500, 1))
	if _, asks = b.Depth(10); len(asks) != 1 {
		t.Fatalf("absent-level removal changed the book")
	}
}

func TestBookDepthCopies(t *testing.T) {
	b := NewBook()
	b.Add(bookOrder(true, 200, 10))
	bids, _ := b.Depth(1)
	bids[0].Amount = 99
	again, _ := b.Depth(1)
	if again[0].Amount != 10 {
		t.Fatalf("Depth exposed book internals")
	}
}
