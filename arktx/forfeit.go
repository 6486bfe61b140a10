package arktx

import (
	"fmt"

	"github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/arkade-os/arkd/pkg/ark-lib/txutils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
)

// Connector is the connector tree leaf output the forfeit tx is bound to.
type Connector struct {
	Outpoint *wire.OutPoint
	TxOut    *wire.TxOut
}

// BuildForfeitTx returns the forfeit tx of the coin paying to the server
// forfeit script. Without a connector the tx pays the coin amount plus dust
// and the coin input is signed with SIGHASH_ALL|ANYONECANPAY so that the
// server can add the connector input later.
func BuildForfeitTx(
	coin types.Coin, forfeitPkScript []byte, dust uint64, connector *Connector,
) (*psbt.Packet, error) {
	if coin.Leaf == nil {
		return nil, fmt.Errorf("missing spending leaf for coin %s", coin.Outpoint)
	}
	if len(forfeitPkScript) <= 0 {
		return nil, fmt.Errorf("missing forfeit script")
	}

	outpoint, err := coin.Outpoint.ToWire()
	if err != nil {
		return nil, err
	}
	prevout, err := coin.TxOut()
	if err != nil {
		return nil, err
	}
	sequence, locktime, err := timelocks(coin)
	if err != nil {
		return nil, err
	}

	var ptx *psbt.Packet
	if connector != nil {
		ptx, err = tree.BuildForfeitTx(
			[]*wire.OutPoint{outpoint, connector.Outpoint},
			[]uint32{sequence, wire.MaxTxInSequenceNum},
			[]*wire.TxOut{prevout, connector.TxOut},
			forfeitPkScript,
			locktime,
		)
		if err != nil {
			return nil, err
		}
	} else {
		amount, err := safecast.ToInt64(coin.Amount + dust)
		if err != nil {
			return nil, err
		}
		ptx, err = tree.BuildForfeitTxWithOutput(
			[]*wire.OutPoint{outpoint},
			[]uint32{sequence},
			[]*wire.TxOut{prevout},
			&wire.TxOut{Value: amount, PkScript: forfeitPkScript},
			locktime,
		)
		if err != nil {
			return nil, err
		}
	}

	updater, err := psbt.NewUpdater(ptx)
	if err != nil {
		return nil, err
	}
	if connector == nil {
		if err := updater.AddInSighashType(
			txscript.SigHashAnyOneCanPay|txscript.SigHashAll, 0,
		); err != nil {
			return nil, err
		}
	}

	leaf, err := leafScript(coin)
	if err != nil {
		return nil, err
	}
	updater.Upsbt.Inputs[0].WitnessUtxo = prevout
	updater.Upsbt.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{leaf}
	if connector != nil {
		updater.Upsbt.Inputs[1].WitnessUtxo = connector.TxOut
	}

	if len(coin.ConditionWitness) > 0 {
		if err := txutils.SetArkPsbtField(
			ptx, 0, txutils.ConditionWitnessField, coin.ConditionWitness,
		); err != nil {
			return nil, err
		}
	}

	return ptx, nil
}

func leafScript(coin types.Coin) (*psbt.TaprootTapLeafScript, error) {
	ctrlBlock, err := coin.Leaf.ControlBlock.ToBytes()
	if err != nil {
		return nil, err
	}
	return &psbt.TaprootTapLeafScript{
		ControlBlock: ctrlBlock,
		Script:       coin.Leaf.RevealedScript,
		LeafVersion:  txscript.BaseLeafVersion,
	}, nil
}
