// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package swapdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/mappum/mercury/mercury"
	"github.com/mappum/mercury/mercury/encode"
	"github.com/mappum/mercury/swap"
)

// fileVersion is the version tag leading the collection file. Individual
// records carry their own version on top.
const fileVersion = 0

// Collection is the set of persisted swaps. It registers itself as a step
// listener on every swap it holds, saving the whole collection on each
// change and dropping a swap once it reaches a terminal step. Saves run on
// the collection's own executor goroutine, so listener notifications are
// never blocked on disk I/O.
type Collection struct {
	log  mercury.Logger
	path string

	mtx   sync.Mutex
	swaps map[string]*swap.Swap

	tasks chan func()
}

// New loads the collection at path, creating an empty one if the file does
// not exist. A record that cannot be decoded, including one with an unknown
// version, is dropped with an error logged; the rest of the collection still
// loads. Run must be called before any swap is added.
func New(path string, log mercury.Logger) (*Collection, error) {
	c := &Collection{
		log:   log,
		path:  path,
		swaps: make(map[string]*swap.Swap),
		tasks: make(chan func(), 16),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Run drains the save executor until the context is canceled.
func (c *Collection) Run(ctx context.Context) {
	for {
		select {
		case f := <-c.tasks:
			f()
		case <-ctx.Done():
			return
		}
	}
}

// exec is the executor step listeners are dispatched through.
func (c *Collection) exec(f func()) {
	c.tasks <- f
}

// Add stores the swap, hooks its step changes, and saves immediately.
func (c *Collection) Add(s *swap.Swap) error {
	c.mtx.Lock()
	if _, exists := c.swaps[s.ID]; exists {
		c.mtx.Unlock()
		return fmt.Errorf("swap %s already stored", s.ID)
	}
	c.swaps[s.ID] = s
	c.mtx.Unlock()

	s.AddStepListener(c.onStep, c.exec)
	return c.Save()
}

// onStep saves on every step change and removes terminal swaps from
// storage.
func (c *Collection) onStep(step swap.Step, s *swap.Swap) {
	if step.Terminal() {
		c.mtx.Lock()
		delete(c.swaps, s.ID)
		c.mtx.Unlock()
	}
	if err := c.Save(); err != nil {
		c.log.Errorf("swap collection save error: %v", err)
	}
}

// Get returns the stored swap with the given id, or nil.
func (c *Collection) Get(id string) *swap.Swap {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.swaps[id]
}

// All returns every stored swap.
func (c *Collection) All() []*swap.Swap {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	swaps := make([]*swap.Swap, 0, len(c.swaps))
	for _, s := range c.swaps {
		swaps = append(swaps, s)
	}
	return swaps
}

// Pending returns the stored swaps that have been started but not finished.
// These are the swaps to resume after a restart.
func (c *Collection) Pending() []*swap.Swap {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var swaps []*swap.Swap
	for _, s := range c.swaps {
		if !s.Step().Terminal() {
			swaps = append(swaps, s)
		}
	}
	return swaps
}

// ByTxHash finds the stored swap one of whose known transactions has the
// given hash, or nil. The collection is small enough that a scan beats
// maintaining an index across set-once writes.
func (c *Collection) ByTxHash(h *chainhash.Hash) *swap.Swap {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, s := range c.swaps {
		for _, alice := range []bool{true, false} {
			for _, get := range []*chainhash.Hash{
				s.BailinHash(alice), s.PayoutHash(alice), s.RefundHash(alice),
			} {
				if get != nil && *get == *h {
					return s
				}
			}
		}
	}
	return nil
}

// Save writes the whole collection to a temp file and renames it over the
// previous one.
func (c *Collection) Save() error {
	c.mtx.Lock()
	blob := encode.BuildyBytes{fileVersion}
	for _, s := range c.swaps {
		blob = blob.AddData(encodeSwap(s))
	}
	c.mtx.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *Collection) load() error {
	blob, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	ver, pushes, err := encode.DecodeBlob(blob)
	if err != nil {
		return fmt.Errorf("swap collection decode error: %w", err)
	}
	if ver != fileVersion {
		return fmt.Errorf("unknown swap collection version %d", ver)
	}
	for _, push := range pushes {
		s, err := decodeSwap(push)
		if err != nil {
			c.log.Errorf("dropping undecodable swap record: %v", err)
			continue
		}
		c.swaps[s.ID] = s
		s.AddStepListener(c.onStep, c.exec)
	}
	return nil
}
