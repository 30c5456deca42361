// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package swapdb persists swap records to disk. The collection is kept in
// one flat file of versioned binary records, rewritten atomically on every
// step change, so a crash at any point leaves either the old or the new
// state, never a torn one.
package swapdb

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/mappum/mercury/mercury/encode"
	"github.com/mappum/mercury/swap"
)

// recordVersion is the version tag leading every encoded swap record. A
// mismatch on load is fatal for that record.
const recordVersion = 0

const pubKeyLength = 33

// encodeSwap flattens a swap into a versioned binary record. Unset fields
// are encoded as zero-length pushes.
func encodeSwap(s *swap.Swap) []byte {
	b := encode.BuildyBytes{recordVersion}.
		AddData([]byte(s.ID)).
		AddData(encodeTrade(s.Trade)).
		AddData(encode.TimeBytes(s.CreationTime)).
		AddData(encode.BoolBytes(s.Switched)).
		AddData([]byte{byte(s.Step())})
	for _, alice := range []bool{true, false} {
		b = b.AddData(encodeKeys(s.Keys(alice)))
	}
	b = b.AddData(s.X()).AddData(s.XHash())
	for _, alice := range []bool{true, false} {
		b = b.AddData(encodeHash(s.BailinHash(alice)))
	}
	for _, alice := range []bool{true, false} {
		b = b.AddData(encodeTx(s.BailinTx(alice)))
	}
	for _, alice := range []bool{true, false} {
		b = b.AddData(encodeHash(s.PayoutHash(alice)))
	}
	for _, alice := range []bool{true, false} {
		b = b.AddData(encodeHash(s.RefundHash(alice)))
	}
	for _, txAlice := range []bool{true, false} {
		for _, signerAlice := range []bool{true, false} {
			b = b.AddData(s.PayoutSig(txAlice, signerAlice))
		}
	}
	for _, txAlice := range []bool{true, false} {
		for _, signerAlice := range []bool{true, false} {
			b = b.AddData(s.RefundSig(txAlice, signerAlice))
		}
	}
	for _, txAlice := range []bool{true, false} {
		b = b.AddData(s.HashlockSig(txAlice))
	}
	return b
}

// decodeSwap reconstructs a swap from its binary record, rebuilding public
// keys from raw key bytes. The record's version tag must match.
func decodeSwap(blob []byte) (*swap.Swap, error) {
	ver, pushes, err := encode.DecodeBlob(blob, 27)
	if err != nil {
		return nil, err
	}
	if ver != recordVersion {
		return nil, fmt.Errorf("unknown swap record version %d", ver)
	}
	if len(pushes) != 27 {
		return nil, fmt.Errorf("expected 27 pushes, got %d", len(pushes))
	}

	trade, err := decodeTrade(pushes[1])
	if err != nil {
		return nil, err
	}
	s, err := swap.New(string(pushes[0]), trade, encode.DecodeTime(pushes[2]),
		encode.BytesToBool(pushes[3]))
	if err != nil {
		return nil, err
	}
	if len(pushes[4]) != 1 {
		return nil, fmt.Errorf("bad step encoding")
	}
	s.SetStep(swap.Step(pushes[4][0]))

	for i, alice := range []bool{true, false} {
		keys, err := decodeKeys(pushes[5+i])
		if err != nil {
			return nil, err
		}
		if keys != nil {
			if err := s.SetKeys(alice, keys); err != nil {
				return nil, err
			}
		}
	}
	// xHash before x, so the consistency check applies.
	if len(pushes[8]) > 0 {
		if err := s.SetXHash(pushes[8]); err != nil {
			return nil, err
		}
	}
	if len(pushes[7]) > 0 {
		if err := s.SetX(pushes[7]); err != nil {
			return nil, err
		}
	}
	for i, alice := range []bool{true, false} {
		if err := applyHash(pushes[9+i], s.SetBailinHash, alice); err != nil {
			return nil, err
		}
	}
	for i, alice := range []bool{true, false} {
		if len(pushes[11+i]) == 0 {
			continue
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(pushes[11+i])); err != nil {
			return nil, fmt.Errorf("bail-in tx decode error: %w", err)
		}
		if err := s.SetBailinTx(alice, tx); err != nil {
			return nil, err
		}
	}
	for i, alice := range []bool{true, false} {
		if err := applyHash(pushes[13+i], s.SetPayoutHash, alice); err != nil {
			return nil, err
		}
	}
	for i, alice := range []bool{true, false} {
		if err := applyHash(pushes[15+i], s.SetRefundHash, alice); err != nil {
			return nil, err
		}
	}
	for i, txAlice := range []bool{true, false} {
		for j, signerAlice := range []bool{true, false} {
			sig := pushes[17+2*i+j]
			if len(sig) > 0 {
				if err := s.SetPayoutSig(txAlice, signerAlice, sig); err != nil {
					return nil, err
				}
			}
		}
	}
	for i, txAlice := range []bool{true, false} {
		for j, signerAlice := range []bool{true, false} {
			sig := pushes[21+2*i+j]
			if len(sig) > 0 {
				if err := s.SetRefundSig(txAlice, signerAlice, sig); err != nil {
					return nil, err
				}
			}
		}
	}
	for i, txAlice := range []bool{true, false} {
		sig := pushes[25+i]
		if len(sig) > 0 {
			if err := s.SetHashlockSig(txAlice, sig); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func encodeTrade(t *swap.Trade) []byte {
	return encode.BuildyBytes{recordVersion}.
		AddData(encode.BoolBytes(t.Buy)).
		AddData(encode.Uint64Bytes(t.Fee)).
		AddData([]byte(t.Coins[0])).
		AddData([]byte(t.Coins[1])).
		AddData(encode.Uint64Bytes(t.Quantities[0])).
		AddData(encode.Uint64Bytes(t.Quantities[1]))
}

func decodeTrade(blob []byte) (*swap.Trade, error) {
	ver, pushes, err := encode.DecodeBlob(blob, 6)
	if err != nil {
		return nil, err
	}
	if ver != recordVersion {
		return nil, fmt.Errorf("unknown trade record version %d", ver)
	}
	if len(pushes) != 6 {
		return nil, fmt.Errorf("expected 6 trade pushes, got %d", len(pushes))
	}
	return &swap.Trade{
		Buy:        encode.BytesToBool(pushes[0]),
		Fee:        encode.BytesToUint64(pushes[1]),
		Coins:      [2]string{string(pushes[2]), string(pushes[3])},
		Quantities: [2]uint64{encode.BytesToUint64(pushes[4]), encode.BytesToUint64(pushes[5])},
	}, nil
}

// encodeKeys concatenates a party's compressed public keys into one push.
// nil keys encode as a zero-length push.
func encodeKeys(keys []*btcec.PublicKey) []byte {
	if keys == nil {
		return nil
	}
	b := make([]byte, 0, len(keys)*pubKeyLength)
	for _, key := range keys {
		b = append(b, key.SerializeCompressed()...)
	}
	return b
}

func decodeKeys(b []byte) ([]*btcec.PublicKey, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%pubKeyLength != 0 {
		return nil, fmt.Errorf("bad key set length %d", len(b))
	}
	keys := make([]*btcec.PublicKey, 0, len(b)/pubKeyLength)
	for i := 0; i < len(b); i += pubKeyLength {
		key, err := btcec.ParsePubKey(b[i : i+pubKeyLength])
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func encodeHash(h *chainhash.Hash) []byte {
	if h == nil {
		return nil
	}
	return h[:]
}

func encodeTx(tx *wire.MsgTx) []byte {
	if tx == nil {
		return nil
	}
	var buf bytes.Buffer
	tx.Serialize(&buf)
	return buf.Bytes()
}

func applyHash(b []byte, set func(bool, *chainhash.Hash) error, alice bool) error {
	if len(b) == 0 {
		return nil
	}
	h, err := chainhash.NewHash(b)
	if err != nil {
		return err
	}
	return set(alice, h)
}
