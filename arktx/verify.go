package arktx

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// VerifySignedCheckpoints makes sure every original checkpoint has a signed
// counterpart carrying a valid signature of the given key on every input.
func VerifySignedCheckpoints(
	originalCheckpoints, signedCheckpoints []*psbt.Packet, signerPubKey *btcec.PublicKey,
) error {
	indexedSignedCheckpoints := make(map[string]*psbt.Packet)
	for _, signedPtx := range signedCheckpoints {
		indexedSignedCheckpoints[signedPtx.UnsignedTx.TxID()] = signedPtx
	}

	for _, originalPtx := range originalCheckpoints {
		txid := originalPtx.UnsignedTx.TxID()
		signedPtx, ok := indexedSignedCheckpoints[txid]
		if !ok {
			return fmt.Errorf("signed checkpoint %s not found", txid)
		}
		if err := verifyOffchainPsbt(originalPtx, signedPtx, signerPubKey); err != nil {
			return fmt.Errorf("checkpoint %s: %w", txid, err)
		}
	}

	return nil
}

func verifySignedArk(original *psbt.Packet, signed string, signerPubKey *btcec.PublicKey) error {
	signedPtx, err := psbt.NewFromRawBytes(strings.NewReader(signed), true)
	if err != nil {
		return fmt.Errorf("invalid final ark tx: %s", err)
	}

	return verifyOffchainPsbt(original, signedPtx, signerPubKey)
}

func verifyOffchainPsbt(original, signed *psbt.Packet, signerPubKey *btcec.PublicKey) error {
	xonlySigner := schnorr.SerializePubKey(signerPubKey)

	if original.UnsignedTx.TxID() != signed.UnsignedTx.TxID() {
		return fmt.Errorf("invalid offchain tx: txids mismatch")
	}

	if len(original.Inputs) != len(signed.Inputs) {
		return fmt.Errorf(
			"input count mismatch: expected %d, got %d",
			len(original.Inputs), len(signed.Inputs),
		)
	}

	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for inputIndex, originalInput := range original.Inputs {
		if originalInput.WitnessUtxo == nil {
			return fmt.Errorf("witness utxo not found for input %d", inputIndex)
		}
		previousOutpoint := original.UnsignedTx.TxIn[inputIndex].PreviousOutPoint
		prevouts[previousOutpoint] = originalInput.WitnessUtxo
	}

	prevoutFetcher := txscript.NewMultiPrevOutFetcher(prevouts)
	txsigHashes := txscript.NewTxSigHashes(original.UnsignedTx, prevoutFetcher)

	for inputIndex, signedInput := range signed.Inputs {
		originalInput := original.Inputs[inputIndex]
		if len(originalInput.TaprootLeafScript) == 0 {
			return fmt.Errorf("input %d has no taproot leaf script", inputIndex)
		}

		var signerSig *psbt.TaprootScriptSpendSig
		for _, sig := range signedInput.TaprootScriptSpendSig {
			if bytes.Equal(sig.XOnlyPubKey, xonlySigner) {
				signerSig = sig
				break
			}
		}
		if signerSig == nil {
			return fmt.Errorf("signer signature not found for input %d", inputIndex)
		}

		sig, err := schnorr.ParseSignature(signerSig.Signature)
		if err != nil {
			return fmt.Errorf("failed to parse signer signature for input %d: %s", inputIndex, err)
		}

		message, err := txscript.CalcTapscriptSignaturehash(
			txsigHashes,
			signedInput.SighashType,
			original.UnsignedTx,
			inputIndex,
			prevoutFetcher,
			txscript.NewBaseTapLeaf(originalInput.TaprootLeafScript[0].Script),
		)
		if err != nil {
			return err
		}

		if !sig.Verify(message, signerPubKey) {
			return fmt.Errorf("invalid signer signature for input %d", inputIndex)
		}
	}
	return nil
}
