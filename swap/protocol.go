// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/mappum/mercury/coin"
	"github.com/mappum/mercury/comms"
	"github.com/mappum/mercury/mercury"
)

// Protocol error kinds.
const (
	// ErrWrongStep is returned when a message arrives at a step where its
	// method is not legal.
	ErrWrongStep = mercury.ErrorKind("message not valid at the current step")
	// ErrBadSignature is returned when a counterparty signature fails
	// verification.
	ErrBadSignature = mercury.ErrorKind("signature verification failed")
	// ErrNotViable is returned when a trade's quantities cannot cover the
	// network fees of the transactions that settle it.
	ErrNotViable = mercury.ErrorKind("trade quantity does not cover the network fee")
)

// Protocol performs message validation and transaction construction for one
// swap. It holds no mutable state of its own; everything lives in the Swap.
// Transaction builders are deterministic: both parties construct
// byte-identical transactions from the exchanged material, which is what
// makes exchanging signatures ahead of broadcast sound.
type Protocol struct {
	swap *Swap
	// wallets are indexed like Trade.Coins.
	wallets [2]coin.Wallet
}

// NewProtocol creates a Protocol for the swap. Both trade quantities must
// exceed the respective chain's minimum fee, or the trade cannot pay for its
// own settlement transactions.
func NewProtocol(s *Swap, wallets [2]coin.Wallet) (*Protocol, error) {
	for i, w := range wallets {
		if w == nil {
			return nil, fmt.Errorf("nil wallet at index %d", i)
		}
		if w.ID() != s.Trade.Coins[i] {
			return nil, fmt.Errorf("wallet %s does not match trade coin %s",
				w.ID(), s.Trade.Coins[i])
		}
		if s.Trade.Quantities[i] <= w.MinFee() {
			return nil, mercury.NewError(ErrNotViable,
				fmt.Sprintf("%d %s base units vs fee %d", s.Trade.Quantities[i], w.ID(), w.MinFee()))
		}
	}
	return &Protocol{swap: s, wallets: wallets}, nil
}

// Swap returns the swap record the Protocol operates on.
func (p *Protocol) Swap() *Swap {
	return p.swap
}

// Wallet is the wallet for the chain the role broadcasts its bail-in on.
func (p *Protocol) Wallet(alice bool) coin.Wallet {
	return p.wallets[p.swap.ChainIndex(alice)]
}

// ReceiveWallet is the wallet for the chain the role is paid out on, i.e.
// the counterparty's bail-in chain. A role's keys are generated here.
func (p *Protocol) ReceiveWallet(alice bool) coin.Wallet {
	return p.wallets[p.swap.ChainIndex(!alice)]
}

// OnMessage validates the counterparty's message against the current step
// and applies its contents to the swap. Signatures are verified against the
// sender's declared multisig key and the deterministically rebuilt
// transactions before being stored. The caller advances the step afterwards.
func (p *Protocol) OnMessage(fromAlice bool, msg *comms.Message) error {
	switch msg.Method {
	case VersionMethod:
		if p.swap.Step() != Starting {
			return mercury.NewError(ErrWrongStep, msg.Method)
		}
		var payload versionPayload
		if err := msg.Unmarshal(&payload); err != nil {
			return err
		}
		if payload.Version != Version {
			return fmt.Errorf("counterparty protocol version %d, need %d",
				payload.Version, Version)
		}
		return nil

	case KeysMethod:
		if p.swap.Step() != ExchangingKeys {
			return mercury.NewError(ErrWrongStep, msg.Method)
		}
		if p.swap.Keys(fromAlice) != nil {
			return fmt.Errorf("%s sent keys twice", roleName(fromAlice))
		}
		var payload keysPayload
		if err := msg.Unmarshal(&payload); err != nil {
			return err
		}
		if len(payload.Keys) != NumKeys {
			return fmt.Errorf("expected %d keys, got %d", NumKeys, len(payload.Keys))
		}
		keys := make([]*btcec.PublicKey, NumKeys)
		for i, b := range payload.Keys {
			key, err := btcec.ParsePubKey(b)
			if err != nil {
				return fmt.Errorf("bad public key at index %d: %w", i, err)
			}
			keys[i] = key
		}
		// The hash commitment comes from Bob, and only from Bob.
		if fromAlice != (len(payload.X) == 0) {
			return fmt.Errorf("unexpected x commitment arrangement from %s", roleName(fromAlice))
		}
		if !fromAlice {
			if err := p.swap.SetXHash(payload.X); err != nil {
				return err
			}
		}
		return p.swap.SetKeys(fromAlice, keys)

	case BailinHashMethod:
		if p.swap.Step() != ExchangingBailinHashes {
			return mercury.NewError(ErrWrongStep, msg.Method)
		}
		if p.swap.BailinHash(fromAlice) != nil {
			return fmt.Errorf("%s sent a bail-in hash twice", roleName(fromAlice))
		}
		var payload bailinHashPayload
		if err := msg.Unmarshal(&payload); err != nil {
			return err
		}
		hash, err := chainhash.NewHash(payload.Hash)
		if err != nil {
			return fmt.Errorf("bad bail-in hash: %w", err)
		}
		return p.swap.SetBailinHash(fromAlice, hash)

	case SignaturesMethod:
		if p.swap.Step() != ExchangingSignatures {
			return mercury.NewError(ErrWrongStep, msg.Method)
		}
		var payload signaturesPayload
		if err := msg.Unmarshal(&payload); err != nil {
			return err
		}
		return p.applySignatures(fromAlice, &payload)

	case CancelMethod:
		// Valid at any step. The orchestrator decides whether it still
		// matters.
		return nil
	}
	return fmt.Errorf("unknown swap method %q", msg.Method)
}

// applySignatures verifies and stores all five signatures of an
// exchange.signatures payload from the identified sender.
func (p *Protocol) applySignatures(fromAlice bool, payload *signaturesPayload) error {
	me := !fromAlice
	senderKeys := p.swap.Keys(fromAlice)
	if senderKeys == nil {
		return fmt.Errorf("no keys for %s", roleName(fromAlice))
	}
	senderKey := senderKeys[KeyMultisig]
	redeem, err := p.swap.MultisigRedeem()
	if err != nil {
		return err
	}

	// The sender's signatures over this party's payout and refund. These are
	// the signatures that let this party actually settle.
	myPayout, err := p.CreatePayout(me)
	if err != nil {
		return err
	}
	if err := checkEscrowSig(myPayout, redeem, payload.Payout, senderKey); err != nil {
		return mercury.NewError(ErrBadSignature, fmt.Sprintf("payout: %v", err))
	}
	myRefund, err := p.CreateRefund(me, true)
	if err != nil {
		return err
	}
	if err := checkEscrowSig(myRefund, redeem, payload.Refund, senderKey); err != nil {
		return mercury.NewError(ErrBadSignature, fmt.Sprintf("refund: %v", err))
	}

	// The sender's signatures over its own transactions. Verifying these now
	// catches a counterparty that could not actually settle.
	theirPayout, err := p.CreatePayout(fromAlice)
	if err != nil {
		return err
	}
	if err := checkEscrowSig(theirPayout, redeem, payload.MyPayout[0], senderKey); err != nil {
		return mercury.NewError(ErrBadSignature, fmt.Sprintf("sender payout: %v", err))
	}
	if fromAlice {
		// Alice's hashlock input is signed with her hashlock key over the
		// hashlock redeem script.
		hashlockRedeem, err := p.swap.HashlockRedeem()
		if err != nil {
			return err
		}
		err = checkSig(theirPayout, 1, hashlockRedeem, payload.MyPayout[1],
			senderKeys[KeyHashlock])
		if err != nil {
			return mercury.NewError(ErrBadSignature, fmt.Sprintf("hashlock: %v", err))
		}
	} else if len(payload.MyPayout[1]) == 0 {
		// Bob's hashlock input is signed with the preimage key, which is
		// unknown until x is revealed, so the signature cannot be verified
		// here. It is only required to be present.
		return fmt.Errorf("bob sent no hashlock signature")
	}
	theirRefund, err := p.CreateRefund(fromAlice, true)
	if err != nil {
		return err
	}
	if err := checkEscrowSig(theirRefund, redeem, payload.MyRefund, senderKey); err != nil {
		return mercury.NewError(ErrBadSignature, fmt.Sprintf("sender refund: %v", err))
	}

	for _, set := range []error{
		p.swap.SetPayoutSig(me, fromAlice, payload.Payout),
		p.swap.SetRefundSig(me, fromAlice, payload.Refund),
		p.swap.SetPayoutSig(fromAlice, fromAlice, payload.MyPayout[0]),
		p.swap.SetHashlockSig(fromAlice, payload.MyPayout[1]),
		p.swap.SetRefundSig(fromAlice, fromAlice, payload.MyRefund),
	} {
		if set != nil {
			return set
		}
	}
	return nil
}

// CreateBailin builds and funds the role's bail-in: output 0 is the 2-of-2
// escrow holding the full quantity the role is handing over, output 1 is the
// hash-locked output whose value covers the counterparty's payout fee. Only
// the local role's bail-in can be built, since funding needs the wallet's
// coins. The completed transaction is stored on the swap.
func (p *Protocol) CreateBailin(alice bool) (*wire.MsgTx, error) {
	w := p.Wallet(alice)
	escrowScript, err := p.swap.EscrowScript()
	if err != nil {
		return nil, err
	}
	var hashlockScript []byte
	if alice {
		// Alice's hash-locked output is a bare P2SH whose script hash is
		// xHash itself, so the spending redeem script is the preimage.
		xHash := p.swap.XHash()
		if xHash == nil {
			return nil, fmt.Errorf("no xHash")
		}
		hashlockScript, err = P2SHScriptFromHash(xHash)
	} else {
		var redeem []byte
		redeem, err = p.swap.HashlockRedeem()
		if err == nil {
			hashlockScript, err = P2SHScript(redeem)
		}
	}
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(int64(p.swap.Trade.Quantities[p.swap.ChainIndex(alice)]), escrowScript))
	tx.AddTxOut(wire.NewTxOut(int64(w.MinFee()), hashlockScript))
	if err := w.Complete(tx); err != nil {
		return nil, err
	}
	if err := p.swap.SetBailinTx(alice, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// CreatePayout builds the role's payout: a transaction spending both outputs
// of the counterparty's bail-in to the role's payout key. The output value
// equals the escrow value exactly; the hash-locked input covers the network
// fee. Inputs start as unsigned placeholders and are populated with whatever
// signature material the swap currently holds, so the function is idempotent
// and callable before signatures or the preimage exist.
func (p *Protocol) CreatePayout(alice bool) (*wire.MsgTx, error) {
	bailinHash := p.swap.BailinHash(!alice)
	if bailinHash == nil {
		return nil, fmt.Errorf("no bail-in hash for %s", roleName(!alice))
	}
	payoutScript, err := p.swap.PayoutScript(alice)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(bailinHash, 0), nil, nil))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(bailinHash, 1), nil, nil))
	value := p.swap.Trade.Quantities[p.swap.ChainIndex(!alice)]
	tx.AddTxOut(wire.NewTxOut(int64(value), payoutScript))

	if sigScript, err := p.escrowScriptSig(p.swap.PayoutSig(alice, true),
		p.swap.PayoutSig(alice, false)); err == nil && sigScript != nil {
		tx.TxIn[0].SignatureScript = sigScript
	} else if err != nil {
		return nil, err
	}

	x, hashlockSig := p.swap.X(), p.swap.HashlockSig(alice)
	if x != nil && hashlockSig != nil {
		b := txscript.NewScriptBuilder().AddData(hashlockSig).AddData(x)
		if alice {
			// The redeem script for Bob's hash-locked output is separate
			// from the preimage.
			redeem, err := p.swap.HashlockRedeem()
			if err != nil {
				return nil, err
			}
			b.AddData(redeem)
		}
		// For Bob's payout the preimage is itself the redeem script, so the
		// x push above completes the P2SH spend and reveals x on chain.
		sigScript, err := b.Script()
		if err != nil {
			return nil, err
		}
		tx.TxIn[1].SignatureScript = sigScript
	}
	return tx, nil
}

// CreateRefund builds the role's refund: a transaction returning the role's
// own escrow output to its own payout key, minus the network fee. When
// timelocked, the transaction's lock time is the role's refund locktime and
// the input sequence is zeroed so the lock time takes effect. The escrow
// script-sig is populated once both refund signatures are held.
func (p *Protocol) CreateRefund(alice bool, timelocked bool) (*wire.MsgTx, error) {
	bailinHash := p.swap.BailinHash(alice)
	if bailinHash == nil {
		return nil, fmt.Errorf("no bail-in hash for %s", roleName(alice))
	}
	payoutScript, err := p.swap.PayoutScript(alice)
	if err != nil {
		return nil, err
	}
	w := p.Wallet(alice)

	tx := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(wire.NewOutPoint(bailinHash, 0), nil, nil)
	tx.AddTxIn(txIn)
	value := p.swap.Trade.Quantities[p.swap.ChainIndex(alice)] - w.MinFee()
	tx.AddTxOut(wire.NewTxOut(int64(value), payoutScript))
	if timelocked {
		tx.LockTime = uint32(p.swap.Locktime(alice).Unix())
		txIn.Sequence = 0
	}

	if sigScript, err := p.escrowScriptSig(p.swap.RefundSig(alice, true),
		p.swap.RefundSig(alice, false)); err == nil && sigScript != nil {
		tx.TxIn[0].SignatureScript = sigScript
	} else if err != nil {
		return nil, err
	}
	return tx, nil
}

// escrowScriptSig assembles the 2-of-2 escrow spend script when both
// signatures are present, nil otherwise. Signature order matches the key
// order of the redeem script, Alice first.
func (p *Protocol) escrowScriptSig(aliceSig, bobSig []byte) ([]byte, error) {
	if aliceSig == nil || bobSig == nil {
		return nil, nil
	}
	redeem, err := p.swap.MultisigRedeem()
	if err != nil {
		return nil, err
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_FALSE).
		AddData(aliceSig).
		AddData(bobSig).
		AddData(redeem).
		Script()
}

// SignEscrowInput signs the escrow input (index 0) of tx with the signing
// role's multisig key, returning a DER signature with the hash type
// appended.
func (p *Protocol) SignEscrowInput(tx *wire.MsgTx, signerAlice bool) ([]byte, error) {
	keys := p.swap.Keys(signerAlice)
	if keys == nil {
		return nil, fmt.Errorf("no keys for %s", roleName(signerAlice))
	}
	priv, err := p.ReceiveWallet(signerAlice).PrivateKey(keys[KeyMultisig])
	if err != nil {
		return nil, err
	}
	redeem, err := p.swap.MultisigRedeem()
	if err != nil {
		return nil, err
	}
	return txscript.RawTxInSignature(tx, 0, redeem, txscript.SigHashAll, priv)
}

// SignHashlockInput signs the hash-locked input (index 1) of the role's own
// payout. Alice signs with her hashlock key over the hashlock redeem script;
// Bob signs with the preimage key over the preimage script itself. Both keys
// come from the role's receive wallet, so the signature can be regenerated
// after a restart.
func (p *Protocol) SignHashlockInput(alice bool) ([]byte, error) {
	tx, err := p.CreatePayout(alice)
	if err != nil {
		return nil, err
	}
	if alice {
		keys := p.swap.Keys(true)
		if keys == nil {
			return nil, fmt.Errorf("no keys for alice")
		}
		priv, err := p.ReceiveWallet(true).PrivateKey(keys[KeyHashlock])
		if err != nil {
			return nil, err
		}
		redeem, err := p.swap.HashlockRedeem()
		if err != nil {
			return nil, err
		}
		return txscript.RawTxInSignature(tx, 1, redeem, txscript.SigHashAll, priv)
	}
	x := p.swap.X()
	if x == nil {
		return nil, fmt.Errorf("no preimage")
	}
	xKey, err := ExtractXKey(x)
	if err != nil {
		return nil, err
	}
	priv, err := p.ReceiveWallet(false).PrivateKey(xKey)
	if err != nil {
		return nil, err
	}
	return txscript.RawTxInSignature(tx, 1, x, txscript.SigHashAll, priv)
}

// ExtractX recovers the preimage from the hash-locked input of Bob's
// observed payout, where it appears as the redeem script push.
func ExtractX(payout *wire.MsgTx) ([]byte, error) {
	if len(payout.TxIn) < 2 {
		return nil, fmt.Errorf("payout has %d inputs", len(payout.TxIn))
	}
	pushes, err := txscript.PushedData(payout.TxIn[1].SignatureScript)
	if err != nil {
		return nil, err
	}
	if len(pushes) < 2 {
		return nil, fmt.Errorf("hash-locked input has %d pushes", len(pushes))
	}
	return pushes[len(pushes)-1], nil
}

// checkEscrowSig verifies a signature over the escrow input (index 0).
func checkEscrowSig(tx *wire.MsgTx, redeem, sigBytes []byte, key *btcec.PublicKey) error {
	return checkSig(tx, 0, redeem, sigBytes, key)
}

// checkSig verifies a DER+hashtype signature over input idx of tx against
// the given script and public key.
func checkSig(tx *wire.MsgTx, idx int, script, sigBytes []byte, key *btcec.PublicKey) error {
	if len(sigBytes) < 2 {
		return fmt.Errorf("malformed signature")
	}
	hashType := txscript.SigHashType(sigBytes[len(sigBytes)-1])
	if hashType != txscript.SigHashAll {
		return fmt.Errorf("unexpected hash type %d", hashType)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes[:len(sigBytes)-1])
	if err != nil {
		return err
	}
	hash, err := txscript.CalcSignatureHash(script, hashType, tx, idx)
	if err != nil {
		return err
	}
	if !sig.Verify(hash, key) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}
