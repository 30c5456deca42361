// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"encoding/json"
	"fmt"

	"github.com/mappum/mercury/mercury"
)

// HistoryPeriod is one period of a ticker's price history, encoded on the
// wire as the array [start, end, volume0, volume1, trades].
type HistoryPeriod struct {
	Start  uint64
	End    uint64
	Volume [2]uint64
	Trades uint64
}

// MarshalJSON encodes the period in its wire array form.
func (p HistoryPeriod) MarshalJSON() ([]byte, error) {
	return json.Marshal([5]uint64{p.Start, p.End, p.Volume[0], p.Volume[1], p.Trades})
}

// UnmarshalJSON decodes the wire array form.
func (p *HistoryPeriod) UnmarshalJSON(b []byte) error {
	var arr []uint64
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	if len(arr) != 5 {
		return fmt.Errorf("ticker history period has %d fields", len(arr))
	}
	p.Start, p.End = arr[0], arr[1]
	p.Volume = [2]uint64{arr[2], arr[3]}
	p.Trades = arr[4]
	return nil
}

// Ticker is one currency pair's market summary. History is optional on the
// wire; the service omits it when unchanged to save bandwidth, and the
// client carries the previous history forward.
type Ticker struct {
	Last    uint64          `json:"last"`
	BestBid uint64          `json:"bestBid"`
	BestAsk uint64          `json:"bestAsk"`
	History []HistoryPeriod `json:"history,omitempty"`
}

// Change is the percent price change over the history window, in base units
// per 100 whole units, or 0 if there is no usable history.
func (t *Ticker) Change() int64 {
	if len(t.History) == 0 {
		return 0
	}
	start, end := t.History[0].Start, t.History[len(t.History)-1].End
	if start == 0 {
		return 0
	}
	return (int64(end) - int64(start)) * int64(mercury.UnitsPerCoin) * 100 / int64(start)
}
