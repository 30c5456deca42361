// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package swap

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/mappum/mercury/coin"
	"github.com/mappum/mercury/comms"
	"github.com/mappum/mercury/mercury"
)

func serializeTx(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize error: %v", err)
	}
	return buf.Bytes()
}

// buildSignatures produces the signatures payload the identified sender
// would transmit, mirroring what the orchestrator sends.
func buildSignatures(t *testing.T, p *Protocol, senderAlice bool) *signaturesPayload {
	t.Helper()
	theirPayout, err := p.CreatePayout(!senderAlice)
	if err != nil {
		t.Fatalf("CreatePayout error: %v", err)
	}
	payoutSig, err := p.SignEscrowInput(theirPayout, senderAlice)
	if err != nil {
		t.Fatalf("SignEscrowInput error: %v", err)
	}
	theirRefund, err := p.CreateRefund(!senderAlice, true)
	if err != nil {
		t.Fatalf("CreateRefund error: %v", err)
	}
	refundSig, err := p.SignEscrowInput(theirRefund, senderAlice)
	if err != nil {
		t.Fatalf("SignEscrowInput error: %v", err)
	}
	myPayout, err := p.CreatePayout(senderAlice)
	if err != nil {
		t.Fatalf("CreatePayout error: %v", err)
	}
	myPayoutSig, err := p.SignEscrowInput(myPayout, senderAlice)
	if err != nil {
		t.Fatalf("SignEscrowInput error: %v", err)
	}
	hashlockSig, err := p.SignHashlockInput(senderAlice)
	if err != nil {
		t.Fatalf("SignHashlockInput error: %v", err)
	}
	myRefund, err := p.CreateRefund(senderAlice, true)
	if err != nil {
		t.Fatalf("CreateRefund error: %v", err)
	}
	myRefundSig, err := p.SignEscrowInput(myRefund, senderAlice)
	if err != nil {
		t.Fatalf("SignEscrowInput error: %v", err)
	}
	return &signaturesPayload{
		Payout:   payoutSig,
		Refund:   refundSig,
		MyPayout: [2]mercury.Bytes{myPayoutSig, hashlockSig},
		MyRefund: myRefundSig,
	}
}

func signaturesMessage(t *testing.T, payload *signaturesPayload) *comms.Message {
	t.Helper()
	msg, err := comms.NewMessage("swap:test-swap:x", SignaturesMethod, payload)
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	return msg
}

func TestProtocolViability(t *testing.T) {
	chain := &testChain{}
	trade := &Trade{
		Buy:        true,
		Coins:      [2]string{"btc", "ltc"},
		Quantities: [2]uint64{500, 50e8}, // below the 1000 unit min fee
	}
	s, err := New("id", trade, time.Now(), false)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	wallets := [2]coin.Wallet{
		newTestWallet("btc", true, chain),
		newTestWallet("ltc", true, chain),
	}
	if _, err := NewProtocol(s, wallets); !errors.Is(err, ErrNotViable) {
		t.Fatalf("expected ErrNotViable, got %v", err)
	}
	wallets[0] = newTestWallet("doge", true, chain)
	trade.Quantities[0] = 1e8
	if _, err := NewProtocol(s, wallets); err == nil {
		t.Fatalf("no error for wallet/coin mismatch")
	}
}

func TestDeterministicConstruction(t *testing.T) {
	for _, buyerAlice := range []bool{true, false} {
		rig, err := newTestRig(buyerAlice)
		if err != nil {
			t.Fatalf("rig error: %v", err)
		}
		if err := rig.exchangeKeys(); err != nil {
			t.Fatalf("key exchange error: %v", err)
		}
		if err := rig.exchangeBailins(); err != nil {
			t.Fatalf("bail-in exchange error: %v", err)
		}
		alice, bob := rig.aliceProto()

		aliceRedeem, err := alice.Swap().MultisigRedeem()
		if err != nil {
			t.Fatalf("MultisigRedeem error: %v", err)
		}
		bobRedeem, err := bob.Swap().MultisigRedeem()
		if err != nil {
			t.Fatalf("MultisigRedeem error: %v", err)
		}
		if !bytes.Equal(aliceRedeem, bobRedeem) {
			t.Fatalf("redeem scripts differ between parties")
		}

		for _, role := range []bool{true, false} {
			fromAlice, err := alice.CreatePayout(role)
			if err != nil {
				t.Fatalf("CreatePayout error: %v", err)
			}
			fromBob, err := bob.CreatePayout(role)
			if err != nil {
				t.Fatalf("CreatePayout error: %v", err)
			}
			if !bytes.Equal(serializeTx(t, fromAlice), serializeTx(t, fromBob)) {
				t.Fatalf("payout for role alice=%v differs between parties", role)
			}
			refundA, err := alice.CreateRefund(role, true)
			if err != nil {
				t.Fatalf("CreateRefund error: %v", err)
			}
			refundB, err := bob.CreateRefund(role, true)
			if err != nil {
				t.Fatalf("CreateRefund error: %v", err)
			}
			if !bytes.Equal(serializeTx(t, refundA), serializeTx(t, refundB)) {
				t.Fatalf("refund for role alice=%v differs between parties", role)
			}
			if refundA.LockTime == 0 || refundA.TxIn[0].Sequence != 0 {
				t.Fatalf("refund not timelocked")
			}
		}
	}
}

func TestSignatureExchange(t *testing.T) {
	rig, err := newTestRig(true)
	if err != nil {
		t.Fatalf("rig error: %v", err)
	}
	if err := rig.exchangeKeys(); err != nil {
		t.Fatalf("key exchange error: %v", err)
	}
	if err := rig.exchangeBailins(); err != nil {
		t.Fatalf("bail-in exchange error: %v", err)
	}
	alice, bob := rig.aliceProto()
	alice.Swap().SetStep(ExchangingSignatures)
	bob.Swap().SetStep(ExchangingSignatures)

	// Bob's valid signatures are accepted by Alice.
	bobSigs := buildSignatures(t, bob, false)
	if err := alice.OnMessage(false, signaturesMessage(t, bobSigs)); err != nil {
		t.Fatalf("valid signatures rejected: %v", err)
	}
	if alice.Swap().PayoutSig(true, false) == nil {
		t.Fatalf("counterparty payout signature not stored")
	}
	if alice.Swap().HashlockSig(false) == nil {
		t.Fatalf("bob's hashlock signature not stored")
	}

	// A tampered signature is rejected by Bob.
	aliceSigs := buildSignatures(t, alice, true)
	aliceSigs.Payout = append(mercury.Bytes{}, aliceSigs.Payout...)
	aliceSigs.Payout[10] ^= 0x01
	err = bob.OnMessage(true, signaturesMessage(t, aliceSigs))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestStepGating(t *testing.T) {
	rig, err := newTestRig(true)
	if err != nil {
		t.Fatalf("rig error: %v", err)
	}
	alice, _ := rig.aliceProto()

	keysMsg, err := comms.NewMessage("swap:test-swap:alice", KeysMethod, &keysPayload{})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	// Keys are not legal at STARTING.
	if err := alice.OnMessage(false, keysMsg); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("expected ErrWrongStep, got %v", err)
	}

	verMsg, err := comms.NewMessage("swap:test-swap:alice", VersionMethod,
		&versionPayload{Version: Version + 1})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	if err := alice.OnMessage(false, verMsg); err == nil {
		t.Fatalf("no error for version mismatch")
	}
}

func TestPayoutCompletionAndExtractX(t *testing.T) {
	rig, err := newTestRig(true)
	if err != nil {
		t.Fatalf("rig error: %v", err)
	}
	if err := rig.exchangeKeys(); err != nil {
		t.Fatalf("key exchange error: %v", err)
	}
	if err := rig.exchangeBailins(); err != nil {
		t.Fatalf("bail-in exchange error: %v", err)
	}
	alice, bob := rig.aliceProto()
	alice.Swap().SetStep(ExchangingSignatures)
	bob.Swap().SetStep(ExchangingSignatures)

	// Cross all signatures.
	if err := bob.OnMessage(true, signaturesMessage(t, buildSignatures(t, alice, true))); err != nil {
		t.Fatalf("alice's signatures rejected: %v", err)
	}
	if err := alice.OnMessage(false, signaturesMessage(t, buildSignatures(t, bob, false))); err != nil {
		t.Fatalf("bob's signatures rejected: %v", err)
	}
	// Each party stores its own shares when sending, which OnMessage does
	// not do for it. Signing is deterministic, so rebuilding the payloads
	// yields the same signatures.
	bobOwn := buildSignatures(t, bob, false)
	for _, set := range []error{
		bob.Swap().SetPayoutSig(false, false, bobOwn.MyPayout[0]),
		bob.Swap().SetHashlockSig(false, bobOwn.MyPayout[1]),
		bob.Swap().SetRefundSig(false, false, bobOwn.MyRefund),
	} {
		if set != nil {
			t.Fatalf("storing bob's shares: %v", set)
		}
	}
	aliceOwn := buildSignatures(t, alice, true)
	for _, set := range []error{
		alice.Swap().SetPayoutSig(true, true, aliceOwn.MyPayout[0]),
		alice.Swap().SetHashlockSig(true, aliceOwn.MyPayout[1]),
		alice.Swap().SetRefundSig(true, true, aliceOwn.MyRefund),
	} {
		if set != nil {
			t.Fatalf("storing alice's shares: %v", set)
		}
	}

	bobPayout, err := bob.CreatePayout(false)
	if err != nil {
		t.Fatalf("CreatePayout error: %v", err)
	}
	if len(bobPayout.TxIn[0].SignatureScript) == 0 {
		t.Fatalf("escrow input not signed after exchange")
	}
	if len(bobPayout.TxIn[1].SignatureScript) == 0 {
		t.Fatalf("hashlock input not signed after exchange")
	}

	x, err := ExtractX(bobPayout)
	if err != nil {
		t.Fatalf("ExtractX error: %v", err)
	}
	if !bytes.Equal(x, bob.Swap().X()) {
		t.Fatalf("extracted preimage mismatch")
	}
	// Alice completes her payout once she learns x.
	if err := alice.Swap().SetX(x); err != nil {
		t.Fatalf("SetX error: %v", err)
	}
	alicePayout, err := alice.CreatePayout(true)
	if err != nil {
		t.Fatalf("CreatePayout error: %v", err)
	}
	if len(alicePayout.TxIn[0].SignatureScript) == 0 || len(alicePayout.TxIn[1].SignatureScript) == 0 {
		t.Fatalf("alice's payout incomplete")
	}
}
