// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package swap

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/mappum/mercury/comms"
	"github.com/mappum/mercury/mercury"
)

// Client orchestrates one swap to completion: it exchanges protocol messages
// with the counterparty over a dedicated channel, watches both chains for
// the counterparty's transactions, schedules the refund broadcast, and
// handles cancellation. Each Client listens on the channel named for its own
// role and sends on the counterparty's.
type Client struct {
	log   mercury.Logger
	conn  *comms.Conn
	proto *Protocol
	swap  *Swap
	alice bool

	// mtx serializes the orchestrator's event handlers: incoming messages
	// arrive on the connection's read loop, chain observations on watcher
	// goroutines, and the refund broadcast on a timer goroutine.
	mtx             sync.Mutex
	subID           uint64
	refundTimer     *time.Timer
	stopBailinWatch func()
	stopPayoutWatch func()
	finished        bool
}

// NewClient creates an orchestrator for the protocol's swap over the given
// connection. Start must be called to begin.
func NewClient(conn *comms.Conn, proto *Protocol, log mercury.Logger) *Client {
	return &Client{
		log:   log,
		conn:  conn,
		proto: proto,
		swap:  proto.Swap(),
		alice: proto.Swap().Alice(),
	}
}

// Start opens the protocol with a version handshake and subscribes to the
// swap's channel, or, for a previously-started swap, resumes from the
// persisted step. The connection holds messages that arrive before the
// subscription, so the counterparty may start first without its handshake
// being lost.
func (c *Client) Start() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	step := c.swap.Step()
	if step == Starting {
		if err := c.send(VersionMethod, &versionPayload{Version: Version}); err != nil {
			return err
		}
	}
	c.subID = c.conn.Subscribe(ChannelName(c.swap.ID, c.alice), c.onMessage)
	if step != Starting {
		c.resume()
	}
	return nil
}

// Cancel abandons a swap that is still setting up, notifying the
// counterparty. Once funds are committed only the refund timelock can
// recover them, and Cancel returns an error.
func (c *Client) Cancel() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !c.swap.Step().SettingUp() {
		return fmt.Errorf("swap %s has committed funds, refund timelock is the only recovery", c.swap.ID)
	}
	c.cancel(true)
	return nil
}

// send writes a fire-and-forget message on the counterparty's channel.
func (c *Client) send(method string, payload interface{}) error {
	msg, err := comms.NewMessage(ChannelName(c.swap.ID, !c.alice), method, payload)
	if err != nil {
		return err
	}
	return c.conn.Send(msg)
}

// onMessage is the channel listener. Validation and storage go through the
// Protocol; step advancement and the corresponding sends happen here. While
// still setting up, any processing error cancels the swap locally and
// notifies the counterparty. After funds are committed errors are only
// logged, leaving the refund timer as the recovery path.
func (c *Client) onMessage(msg *comms.Message) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.finished {
		return
	}
	if err := c.handleMessage(msg); err != nil {
		if c.swap.Step().SettingUp() {
			c.log.Errorf("swap %s: canceling: error processing %s: %v", c.swap.ID, msg.Method, err)
			c.cancel(true)
			return
		}
		c.log.Errorf("swap %s: error processing %s: %v", c.swap.ID, msg.Method, err)
	}
}

func (c *Client) handleMessage(msg *comms.Message) error {
	if err := c.proto.OnMessage(!c.alice, msg); err != nil {
		return err
	}

	switch msg.Method {
	case VersionMethod:
		c.swap.SetStep(ExchangingKeys)
		return c.sendKeys()

	case KeysMethod:
		c.swap.SetStep(ExchangingBailinHashes)
		return c.sendBailinHash()

	case BailinHashMethod:
		c.swap.SetStep(ExchangingSignatures)
		// Watch by the escrow script rather than the announced hash, so a
		// fee-bumped or otherwise mutated bail-in is still observed.
		if err := c.watchCounterpartyBailin(); err != nil {
			return err
		}
		return c.sendSignatures()

	case SignaturesMethod:
		c.swap.SetStep(WaitingForBailin)
		// Bob commits first. Alice broadcasts only after Bob's bail-in
		// confirms, so Bob can never see Alice's funds locked without being
		// locked in himself.
		if !c.alice {
			return c.broadcastBailin()
		}
		return nil

	case CancelMethod:
		if c.swap.Step().SettingUp() {
			c.log.Infof("swap %s: counterparty canceled", c.swap.ID)
			c.cancel(false)
		}
		// Funds already committed, nothing to do with a cancel notice.
		return nil
	}
	return nil
}

// sendKeys generates this party's keys from its receive wallet and sends
// them. Bob additionally generates the preimage key and sends the hash
// commitment.
func (c *Client) sendKeys() error {
	w := c.proto.ReceiveWallet(c.alice)
	keys, err := w.FreshKeys(NumKeys)
	if err != nil {
		return err
	}
	if err := c.swap.SetKeys(c.alice, keys); err != nil {
		return err
	}
	payload := &keysPayload{Keys: make([]mercury.Bytes, NumKeys)}
	for i, key := range keys {
		payload.Keys[i] = key.SerializeCompressed()
	}
	if !c.alice {
		xKeys, err := w.FreshKeys(1)
		if err != nil {
			return err
		}
		x, err := XScript(xKeys[0])
		if err != nil {
			return err
		}
		if err := c.swap.SetX(x); err != nil {
			return err
		}
		payload.X = c.swap.XHash()
	}
	return c.send(KeysMethod, payload)
}

// sendBailinHash builds and funds this party's bail-in and announces its
// hash. The transaction itself is withheld until broadcast time.
func (c *Client) sendBailinHash() error {
	tx, err := c.proto.CreateBailin(c.alice)
	if err != nil {
		return err
	}
	hash := tx.TxHash()
	c.log.Debugf("swap %s: built bail-in %s", c.swap.ID, hash)
	return c.send(BailinHashMethod, &bailinHashPayload{Hash: hash[:]})
}

// sendSignatures signs the counterparty's payout and refund plus this
// party's own, stores this party's shares, and sends all of them.
func (c *Client) sendSignatures() error {
	theirPayout, err := c.proto.CreatePayout(!c.alice)
	if err != nil {
		return err
	}
	payoutSig, err := c.proto.SignEscrowInput(theirPayout, c.alice)
	if err != nil {
		return err
	}
	theirRefund, err := c.proto.CreateRefund(!c.alice, true)
	if err != nil {
		return err
	}
	refundSig, err := c.proto.SignEscrowInput(theirRefund, c.alice)
	if err != nil {
		return err
	}

	myPayout, err := c.proto.CreatePayout(c.alice)
	if err != nil {
		return err
	}
	myPayoutSig, err := c.proto.SignEscrowInput(myPayout, c.alice)
	if err != nil {
		return err
	}
	hashlockSig, err := c.proto.SignHashlockInput(c.alice)
	if err != nil {
		return err
	}
	myRefund, err := c.proto.CreateRefund(c.alice, true)
	if err != nil {
		return err
	}
	myRefundSig, err := c.proto.SignEscrowInput(myRefund, c.alice)
	if err != nil {
		return err
	}

	for _, set := range []error{
		c.swap.SetPayoutSig(!c.alice, c.alice, payoutSig),
		c.swap.SetRefundSig(!c.alice, c.alice, refundSig),
		c.swap.SetPayoutSig(c.alice, c.alice, myPayoutSig),
		c.swap.SetHashlockSig(c.alice, hashlockSig),
		c.swap.SetRefundSig(c.alice, c.alice, myRefundSig),
	} {
		if set != nil {
			return set
		}
	}

	return c.send(SignaturesMethod, &signaturesPayload{
		Payout:   payoutSig,
		Refund:   refundSig,
		MyPayout: [2]mercury.Bytes{myPayoutSig, hashlockSig},
		MyRefund: myRefundSig,
	})
}

// watchCounterpartyBailin installs a watch on the counterparty's chain for a
// transaction paying the escrow script, at the chain's configured
// confirmation depth.
func (c *Client) watchCounterpartyBailin() error {
	escrowScript, err := c.swap.EscrowScript()
	if err != nil {
		return err
	}
	w := c.proto.Wallet(!c.alice)
	c.stopBailinWatch = w.WatchScript(escrowScript, w.ConfDepth(), c.onCounterpartyBailin)
	return nil
}

// onCounterpartyBailin fires once the counterparty's bail-in has the
// required confirmation depth. Alice then commits her own side; Bob settles
// immediately.
func (c *Client) onCounterpartyBailin(tx *wire.MsgTx) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.finished {
		return
	}
	if err := c.swap.SetBailinTx(!c.alice, tx); err != nil {
		// A bail-in whose hash differs from the announced one invalidates
		// the exchanged signatures. Do not commit anything against it.
		c.log.Errorf("swap %s: observed bail-in rejected: %v", c.swap.ID, err)
		return
	}
	c.log.Infof("swap %s: counterparty bail-in %s confirmed", c.swap.ID, tx.TxHash())

	if !c.alice {
		if err := c.broadcastPayout(); err != nil {
			c.log.Errorf("swap %s: payout broadcast error: %v", c.swap.ID, err)
		}
		return
	}

	c.swap.SetStep(WaitingForPayout)
	if err := c.watchCounterpartyPayout(); err != nil {
		c.log.Errorf("swap %s: payout watch error: %v", c.swap.ID, err)
		return
	}
	if err := c.broadcastBailin(); err != nil {
		c.log.Errorf("swap %s: bail-in broadcast error: %v", c.swap.ID, err)
	}
}

// watchCounterpartyPayout installs a watch, on the chain this party handed
// funds over on, for Bob's payout to his destination script. A single
// confirmation is not required to learn x, but watching confirmed
// transactions keeps the observation reorg-safe enough to settle against.
func (c *Client) watchCounterpartyPayout() error {
	payoutScript, err := c.swap.PayoutScript(!c.alice)
	if err != nil {
		return err
	}
	w := c.proto.Wallet(c.alice)
	c.stopPayoutWatch = w.WatchScript(payoutScript, 1, c.onCounterpartyPayout)
	return nil
}

// onCounterpartyPayout fires when Bob's payout appears, which necessarily
// reveals the preimage in its hash-locked input. Alice extracts x and
// settles.
func (c *Client) onCounterpartyPayout(tx *wire.MsgTx) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.finished {
		return
	}
	x, err := ExtractX(tx)
	if err != nil {
		c.log.Errorf("swap %s: cannot extract preimage from observed payout: %v", c.swap.ID, err)
		return
	}
	if err := c.swap.SetX(x); err != nil {
		c.log.Errorf("swap %s: observed preimage rejected: %v", c.swap.ID, err)
		return
	}
	hash := tx.TxHash()
	if err := c.swap.SetPayoutHash(!c.alice, &hash); err != nil {
		c.log.Errorf("swap %s: %v", c.swap.ID, err)
	}
	if err := c.broadcastPayout(); err != nil {
		c.log.Errorf("swap %s: payout broadcast error: %v", c.swap.ID, err)
	}
}

// broadcastBailin broadcasts this party's own bail-in and arms the refund
// timer. From here on the timelock is the only way out.
func (c *Client) broadcastBailin() error {
	tx := c.swap.BailinTx(c.alice)
	if tx == nil {
		return fmt.Errorf("no bail-in to broadcast")
	}
	if err := c.proto.Wallet(c.alice).Broadcast(tx); err != nil {
		return err
	}
	c.log.Infof("swap %s: broadcast bail-in %s", c.swap.ID, tx.TxHash())
	c.armRefundTimer()
	return nil
}

// broadcastPayout rebuilds this party's now fully-signed payout, broadcasts
// it, and completes the swap.
func (c *Client) broadcastPayout() error {
	tx, err := c.proto.CreatePayout(c.alice)
	if err != nil {
		return err
	}
	if err := c.proto.ReceiveWallet(c.alice).Broadcast(tx); err != nil {
		return err
	}
	hash := tx.TxHash()
	c.log.Infof("swap %s: broadcast payout %s", c.swap.ID, hash)
	if err := c.swap.SetPayoutHash(c.alice, &hash); err != nil {
		c.log.Errorf("swap %s: %v", c.swap.ID, err)
	}
	c.swap.SetStep(Complete)
	c.finish()
	return nil
}

// armRefundTimer schedules the refund broadcast for this role's locktime
// plus the safety margin, firing immediately if it has already passed.
func (c *Client) armRefundTimer() {
	wait := c.swap.TimeUntilRefund(c.alice)
	if wait <= 0 {
		go c.broadcastRefund()
		return
	}
	c.refundTimer = time.AfterFunc(wait, c.broadcastRefund)
}

// broadcastRefund rebuilds the timelocked refund, broadcasts it, and cancels
// the swap.
func (c *Client) broadcastRefund() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.finished || c.swap.Step().Terminal() {
		return
	}
	c.swap.SetStep(WaitingForRefund)
	tx, err := c.proto.CreateRefund(c.alice, true)
	if err != nil {
		c.log.Errorf("swap %s: refund build error: %v", c.swap.ID, err)
		return
	}
	if len(tx.TxIn[0].SignatureScript) == 0 {
		c.log.Errorf("swap %s: refund signatures incomplete", c.swap.ID)
		return
	}
	if err := c.proto.Wallet(c.alice).Broadcast(tx); err != nil {
		c.log.Errorf("swap %s: refund broadcast error, retrying: %v", c.swap.ID, err)
		c.refundTimer = time.AfterFunc(time.Minute, c.broadcastRefund)
		return
	}
	hash := tx.TxHash()
	c.log.Infof("swap %s: broadcast refund %s", c.swap.ID, hash)
	if err := c.swap.SetRefundHash(c.alice, &hash); err != nil {
		c.log.Errorf("swap %s: %v", c.swap.ID, err)
	}
	c.swap.SetStep(Canceled)
	c.finish()
}

// resume re-arms a restarted swap. Private keys are looked up from the
// wallets on demand, so only the timer and chain watches need rebuilding. A
// swap interrupted while still setting up is simply canceled; the
// counterparty's channel state is long gone.
func (c *Client) resume() {
	step := c.swap.Step()
	switch {
	case step.Terminal():
		c.finish()
	case step.SettingUp():
		c.cancel(true)
	default:
		c.armRefundTimer()
		var err error
		switch step {
		case WaitingForBailin:
			err = c.watchCounterpartyBailin()
		case WaitingForPayout:
			err = c.watchCounterpartyPayout()
		}
		if err != nil {
			c.log.Errorf("swap %s: resume watch error: %v", c.swap.ID, err)
		}
	}
}

// cancel ends a still-setting-up swap, optionally notifying the
// counterparty. No refund is involved; nothing was ever broadcast.
func (c *Client) cancel(notify bool) {
	if c.swap.Step().Terminal() {
		return
	}
	if notify {
		if err := c.send(CancelMethod, nil); err != nil {
			c.log.Debugf("swap %s: cancel notice not sent: %v", c.swap.ID, err)
		}
	}
	c.swap.SetStep(Canceled)
	c.finish()
}

// finish tears down the orchestrator's timer, watches and channel listener.
// The swap record itself lives on in storage until its terminal step is
// observed there.
func (c *Client) finish() {
	if c.finished {
		return
	}
	c.finished = true
	if c.refundTimer != nil {
		c.refundTimer.Stop()
	}
	if c.stopBailinWatch != nil {
		c.stopBailinWatch()
	}
	if c.stopPayoutWatch != nil {
		c.stopPayoutWatch()
	}
	c.conn.Unsubscribe(ChannelName(c.swap.ID, c.alice), c.subID)
}
