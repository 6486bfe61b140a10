package arkclient

import (
	"context"
	"fmt"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/intent"
	"github.com/arkade-os/arkd/pkg/ark-lib/txutils"
	"github.com/arkade-os/go-ark-client/arktx"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

type intentProofs struct {
	registerProof   string
	registerMessage string
	deleteProof     string
	deleteMessage   string
}

func makeIntentProofs(
	ctx context.Context, signer arktx.Signer,
	coins []types.Coin, outputs []types.Output, cosignerPubkey string,
	validFrom, validUntil time.Time,
) (*intentProofs, error) {
	outputsTxOut := make([]*wire.TxOut, 0, len(outputs))
	onchainOutputIndexes := make([]int, 0)
	for i, output := range outputs {
		txOut, err := output.TxOut()
		if err != nil {
			return nil, err
		}
		if output.Type == types.OutputOnchain {
			onchainOutputIndexes = append(onchainOutputIndexes, i)
		}
		outputsTxOut = append(outputsTxOut, txOut)
	}

	cosigners := []string{}
	if cosignerPubkey != "" {
		cosigners = append(cosigners, cosignerPubkey)
	}
	registerMessage, err := intent.RegisterMessage{
		BaseMessage: intent.BaseMessage{
			Type: intent.IntentMessageTypeRegister,
		},
		OnchainOutputIndexes: onchainOutputIndexes,
		ValidAt:              validFrom.Unix(),
		ExpireAt:             validUntil.Unix(),
		CosignersPublicKeys:  cosigners,
	}.Encode()
	if err != nil {
		return nil, err
	}

	// The delete proof is kept until the intent is settled, it must be
	// usable for as long as the intent is.
	deleteMessage, err := intent.DeleteMessage{
		BaseMessage: intent.BaseMessage{
			Type: intent.IntentMessageTypeDelete,
		},
		ExpireAt: validUntil.Unix(),
	}.Encode()
	if err != nil {
		return nil, err
	}

	registerProof, err := makeIntentProof(ctx, signer, registerMessage, coins, outputsTxOut)
	if err != nil {
		return nil, fmt.Errorf("failed to create register proof: %w", err)
	}
	deleteProof, err := makeIntentProof(ctx, signer, deleteMessage, coins, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create delete proof: %w", err)
	}

	return &intentProofs{
		registerProof:   registerProof,
		registerMessage: registerMessage,
		deleteProof:     deleteProof,
		deleteMessage:   deleteMessage,
	}, nil
}

func makeIntentProof(
	ctx context.Context, signer arktx.Signer,
	message string, coins []types.Coin, outputs []*wire.TxOut,
) (string, error) {
	inputs := make([]intent.Input, 0, len(coins))
	leaves := make([]*psbt.TaprootTapLeafScript, 0, len(coins))
	arkFields := make([][]*psbt.Unknown, 0, len(coins))

	for _, coin := range coins {
		if coin.Leaf == nil {
			return "", fmt.Errorf("missing spending leaf for coin %s", coin.Outpoint)
		}
		outpoint, err := coin.Outpoint.ToWire()
		if err != nil {
			return "", err
		}
		prevout, err := coin.TxOut()
		if err != nil {
			return "", err
		}
		sequence := wire.MaxTxInSequenceNum
		if coin.Sequence != nil {
			sequence, err = arklib.BIP68Sequence(*coin.Sequence)
			if err != nil {
				return "", err
			}
		}
		inputs = append(inputs, intent.Input{
			OutPoint:    outpoint,
			Sequence:    sequence,
			WitnessUtxo: prevout,
		})

		ctrlBlock, err := coin.Leaf.ControlBlock.ToBytes()
		if err != nil {
			return "", err
		}
		leaves = append(leaves, &psbt.TaprootTapLeafScript{
			ControlBlock: ctrlBlock,
			Script:       coin.Leaf.RevealedScript,
			LeafVersion:  txscript.BaseLeafVersion,
		})

		taptreeField, err := txutils.VtxoTaprootTreeField.Encode(coin.Tapscripts)
		if err != nil {
			return "", err
		}
		arkFields = append(arkFields, []*psbt.Unknown{taptreeField})
	}

	proof, err := intent.New(message, inputs, outputs)
	if err != nil {
		return "", err
	}

	// The proof has an extra first input spending the script of the first
	// coin, every other input maps to the previous coin.
	for i := range proof.Inputs {
		coinIndex := max(i-1, 0)
		proof.Inputs[i].TaprootLeafScript = []*psbt.TaprootTapLeafScript{leaves[coinIndex]}
		if i > 0 {
			proof.Inputs[i].Unknowns = append(proof.Inputs[i].Unknowns, arkFields[coinIndex]...)
		}

		if witness := coins[coinIndex].ConditionWitness; len(witness) > 0 {
			if err := txutils.SetArkPsbtField(
				&proof.Packet, i, txutils.ConditionWitnessField, witness,
			); err != nil {
				return "", err
			}
		}
	}

	if err := signer.SignTransaction(ctx, &proof.Packet); err != nil {
		return "", err
	}
	return proof.B64Encode()
}
