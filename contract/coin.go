package contract

import (
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// NewCoin binds the vtxo locked by the contract to one of its spending paths.
func NewCoin(c Contract, vtxo types.Vtxo, path SpendingPath) (types.Coin, error) {
	tapscripts, err := c.Tapscripts()
	if err != nil {
		return types.Coin{}, err
	}

	pkScript, err := Script(c)
	if err != nil {
		return types.Coin{}, err
	}
	if vtxo.Script != "" && vtxo.Script != pkScript {
		return types.Coin{}, fmt.Errorf(
			"vtxo %s is not locked by contract %s", vtxo.Outpoint, c.Type(),
		)
	}

	leaf, err := LeafProof(c, path.Script)
	if err != nil {
		return types.Coin{}, err
	}
	if err := CheckTimelocks(path.Script, path.Locktime, path.Sequence); err != nil {
		return types.Coin{}, fmt.Errorf("leaf %s: %w", path.Name, err)
	}

	coin := types.Coin{
		Vtxo:         vtxo,
		ContractType: string(c.Type()),
		Tapscripts:   tapscripts,
		Leaf:         leaf,
		Locktime:     path.Locktime,
		Sequence:     path.Sequence,
	}
	coin.Script = pkScript
	if len(path.ConditionWitness) > 0 {
		coin.ConditionWitness = wire.TxWitness(path.ConditionWitness)
	}
	return coin, nil
}

// DefaultCoin binds the vtxo to the preferred spending path of the contract.
func DefaultCoin(c Contract, vtxo types.Vtxo) (types.Coin, error) {
	switch c.(type) {
	case *Payment, *HashLockedPayment, *VHTLC, *Note:
	case *Generic:
		return types.Coin{}, ErrUnableToSignGeneric
	default:
		return types.Coin{}, fmt.Errorf("%w: %s", ErrUnknownType, c.Type())
	}

	paths, err := c.SpendingPaths()
	if err != nil {
		return types.Coin{}, err
	}
	for _, path := range paths {
		if path.Collaborative {
			return NewCoin(c, vtxo, path)
		}
	}
	return types.Coin{}, fmt.Errorf("contract %s has no collaborative path", c.Type())
}

// CheckTimelocks makes sure a leaf using OP_CHECKSEQUENCEVERIFY comes with a
// sequence and a leaf using OP_CHECKLOCKTIMEVERIFY with a locktime.
func CheckTimelocks(
	leaf []byte, locktime *arklib.AbsoluteLocktime, sequence *arklib.RelativeLocktime,
) error {
	hasCSV, hasCLTV := false, false
	tokenizer := txscript.MakeScriptTokenizer(0, leaf)
	for tokenizer.Next() {
		switch tokenizer.Opcode() {
		case txscript.OP_CHECKSEQUENCEVERIFY:
			hasCSV = true
		case txscript.OP_CHECKLOCKTIMEVERIFY:
			hasCLTV = true
		}
	}
	if err := tokenizer.Err(); err != nil {
		return fmt.Errorf("invalid leaf script: %s", err)
	}
	if hasCSV && sequence == nil {
		return fmt.Errorf("leaf with relative timelock requires a sequence")
	}
	if hasCLTV && locktime == nil {
		return fmt.Errorf("leaf with absolute timelock requires a locktime")
	}
	return nil
}
