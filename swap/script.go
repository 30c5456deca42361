// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// The scripts below are built by hand rather than from btcutil addresses so
// that they are independent of any one chain's address parameters. Both
// parties must produce byte-identical scripts from the exchanged keys.

// MultisigRedeem builds the 2-of-2 escrow redeem script. The Alice key is
// always pushed first, giving both parties the same script.
func MultisigRedeem(aliceKey, bobKey *btcec.PublicKey) ([]byte, error) {
	if aliceKey == nil || bobKey == nil {
		return nil, fmt.Errorf("nil key for multisig redeem")
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(aliceKey.SerializeCompressed()).
		AddData(bobKey.SerializeCompressed()).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
}

// HashlockRedeem builds the redeem script for the hash-locked output of
// Bob's bail-in: spendable with the preimage x and a signature from Alice's
// hashlock key.
func HashlockRedeem(xHash []byte, aliceHashlockKey *btcec.PublicKey) ([]byte, error) {
	if len(xHash) != 20 {
		return nil, fmt.Errorf("bad xHash length %d", len(xHash))
	}
	if aliceHashlockKey == nil {
		return nil, fmt.Errorf("nil alice hashlock key")
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(xHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(aliceHashlockKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// XScript builds the hash preimage x: the serialized pay-to-pubkey script
// for Bob's preimage key. Alice's bail-in commits to Hash160(x) as a raw
// P2SH script hash, so revealing x both unlocks the output and hands it to
// Bob's key.
func XScript(xKey *btcec.PublicKey) ([]byte, error) {
	if xKey == nil {
		return nil, fmt.Errorf("nil x key")
	}
	return txscript.NewScriptBuilder().
		AddData(xKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// ExtractXKey recovers the pubkey from a preimage script built by XScript.
func ExtractXKey(x []byte) (*btcec.PublicKey, error) {
	pushes, err := txscript.PushedData(x)
	if err != nil || len(pushes) != 1 {
		return nil, fmt.Errorf("preimage is not a pay-to-pubkey script")
	}
	return btcec.ParsePubKey(pushes[0])
}

// P2SHScript builds a pay-to-script-hash output script for the redeem
// script.
func P2SHScript(redeem []byte) ([]byte, error) {
	return P2SHScriptFromHash(btcutil.Hash160(redeem))
}

// P2SHScriptFromHash builds a pay-to-script-hash output script from an
// already-computed script hash. Used for the Alice-side hash-locked output,
// where the script hash is xHash itself.
func P2SHScriptFromHash(scriptHash []byte) ([]byte, error) {
	if len(scriptHash) != 20 {
		return nil, fmt.Errorf("bad script hash length %d", len(scriptHash))
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(scriptHash).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// P2PKHScript builds a pay-to-pubkey-hash output script for the key.
func P2PKHScript(key *btcec.PublicKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("nil key for p2pkh script")
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(key.SerializeCompressed())).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}
