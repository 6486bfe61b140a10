package singlekeywallet

import (
	"bytes"
	"fmt"

	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func signTransaction(prvkey *btcec.PrivateKey, ptx *psbt.Packet) error {
	updater, err := psbt.NewUpdater(ptx)
	if err != nil {
		return err
	}

	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for i, input := range updater.Upsbt.Inputs {
		if input.WitnessUtxo == nil {
			return fmt.Errorf("missing witness utxo for input %d", i)
		}
		outpoint := updater.Upsbt.UnsignedTx.TxIn[i].PreviousOutPoint
		prevouts[outpoint] = input.WitnessUtxo
	}

	prevoutFetcher := txscript.NewMultiPrevOutFetcher(prevouts)
	txsighashes := txscript.NewTxSigHashes(updater.Upsbt.UnsignedTx, prevoutFetcher)

	for i, input := range ptx.Inputs {
		if len(input.TaprootLeafScript) <= 0 {
			continue
		}
		if err := signTapscriptSpend(
			prvkey, updater, input, i, txsighashes, prevoutFetcher,
		); err != nil {
			return err
		}
	}
	return nil
}

func signTapscriptSpend(
	prvkey *btcec.PrivateKey,
	updater *psbt.Updater,
	input psbt.PInput,
	inputIndex int,
	txsighashes *txscript.TxSigHashes,
	prevoutFetcher txscript.PrevOutputFetcher,
) error {
	myPubkey := schnorr.SerializePubKey(prvkey.PubKey())

	sighashType := input.SighashType
	if sighashType == 0 {
		sighashType = txscript.SigHashDefault
	}

	for _, leaf := range input.TaprootLeafScript {
		closure, err := script.DecodeClosure(leaf.Script)
		if err != nil {
			// skip unknown leaf
			continue
		}

		if !hasKey(closure, myPubkey) {
			continue
		}

		hash := txscript.NewTapLeaf(leaf.LeafVersion, leaf.Script).TapHash()
		if alreadySigned(updater.Upsbt.Inputs[inputIndex], myPubkey, hash[:]) {
			continue
		}

		if err := updater.AddInSighashType(sighashType, inputIndex); err != nil {
			return err
		}

		preimage, err := txscript.CalcTapscriptSignaturehash(
			txsighashes,
			sighashType,
			updater.Upsbt.UnsignedTx,
			inputIndex,
			prevoutFetcher,
			txscript.NewBaseTapLeaf(leaf.Script),
		)
		if err != nil {
			return err
		}

		sig, err := schnorr.Sign(prvkey, preimage)
		if err != nil {
			return err
		}

		updater.Upsbt.Inputs[inputIndex].TaprootScriptSpendSig = append(
			updater.Upsbt.Inputs[inputIndex].TaprootScriptSpendSig,
			&psbt.TaprootScriptSpendSig{
				XOnlyPubKey: myPubkey,
				LeafHash:    hash.CloneBytes(),
				Signature:   sig.Serialize(),
				SigHash:     sighashType,
			},
		)
	}

	return nil
}

func hasKey(closure script.Closure, xonlyKey []byte) bool {
	var keys []*btcec.PublicKey
	switch c := closure.(type) {
	case *script.MultisigClosure:
		keys = c.PubKeys
	case *script.CSVMultisigClosure:
		keys = c.PubKeys
	case *script.CLTVMultisigClosure:
		keys = c.PubKeys
	case *script.ConditionMultisigClosure:
		keys = c.PubKeys
	case *script.ConditionCSVMultisigClosure:
		keys = c.PubKeys
	}
	for _, key := range keys {
		if bytes.Equal(schnorr.SerializePubKey(key), xonlyKey) {
			return true
		}
	}
	return false
}

func alreadySigned(input psbt.PInput, xonlyKey, leafHash []byte) bool {
	for _, sig := range input.TaprootScriptSpendSig {
		if bytes.Equal(sig.XOnlyPubKey, xonlyKey) && bytes.Equal(sig.LeafHash, leafHash) {
			return true
		}
	}
	return false
}
