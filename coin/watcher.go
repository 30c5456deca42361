// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package coin

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/mappum/mercury/mercury"
	"github.com/mappum/mercury/mercury/wait"
)

// FindScriptFunc checks the wallet's view of the chain for a transaction
// with an output paying to pkScript, returning the transaction and its
// current confirmation count, or a nil transaction when none is known.
type FindScriptFunc func(pkScript []byte) (*wire.MsgTx, uint32, error)

// ScriptWatcher implements the WatchScript half of the Wallet interface for
// backends that can only poll their chain view. Backends with real
// notification streams should not use it.
type ScriptWatcher struct {
	queue *wait.TickerQueue
	find  FindScriptFunc
	log   mercury.Logger
}

// NewScriptWatcher creates a poll-based watcher checking via find every
// interval.
func NewScriptWatcher(find FindScriptFunc, interval time.Duration, log mercury.Logger) *ScriptWatcher {
	return &ScriptWatcher{
		queue: wait.NewTickerQueue(interval),
		find:  find,
		log:   log,
	}
}

// Run runs the poll loop until the context is canceled.
func (w *ScriptWatcher) Run(ctx context.Context) {
	w.queue.Run(ctx)
}

// Watch polls for a transaction paying pkScript until it has confs
// confirmations, then calls found once. The returned stop function detaches
// the watch.
func (w *ScriptWatcher) Watch(pkScript []byte, confs uint32, found func(*wire.MsgTx)) (stop func()) {
	var stopped uint32
	w.queue.Wait(&wait.Waiter{
		TryFunc: func() wait.TryDirective {
			if atomic.LoadUint32(&stopped) == 1 {
				return wait.DontTryAgain
			}
			tx, gotConfs, err := w.find(pkScript)
			if err != nil {
				w.log.Errorf("script watch error: %v", err)
				return wait.TryAgain
			}
			if tx == nil || gotConfs < confs {
				return wait.TryAgain
			}
			found(tx)
			return wait.DontTryAgain
		},
	})
	return func() { atomic.StoreUint32(&stopped, 1) }
}
